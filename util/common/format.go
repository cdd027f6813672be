package common

import (
	"fmt"
)

// BytesPerGB is the binary gigabyte used for every quota conversion, matching
// how the panel interprets total and totalGB.
const BytesPerGB int64 = 1 << 30

// GBToBytes converts whole gigabytes to bytes.
func GBToBytes(gb int64) int64 {
	return gb * BytesPerGB
}

// BytesToGB truncates bytes to whole gigabytes.
func BytesToGB(b int64) int64 {
	return b / BytesPerGB
}

func FormatTraffic(trafficBytes int64) string {
	units := []string{"B", "KB", "MB", "GB", "TB", "PB"}
	unitIndex := 0
	size := float64(trafficBytes)

	for size >= 1024 && unitIndex < len(units)-1 {
		size /= 1024
		unitIndex++
	}
	return fmt.Sprintf("%.2f%s", size, units[unitIndex])
}
