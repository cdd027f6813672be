package job

import (
	"context"
	"fmt"

	"github.com/xuibot/vpn-grant-bot/logger"
)

type CpuSampler interface {
	CpuPercent(ctx context.Context) (float64, error)
}

// CheckCpuJob alerts the admins when host CPU usage crosses the threshold.
type CheckCpuJob struct {
	sampler   CpuSampler
	notifier  Notifier
	threshold int
}

func NewCheckCpuJob(sampler CpuSampler, notifier Notifier, threshold int) *CheckCpuJob {
	return &CheckCpuJob{sampler: sampler, notifier: notifier, threshold: threshold}
}

// Here run is a interface method of Job interface
func (j *CheckCpuJob) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	percent, err := j.sampler.CpuPercent(ctx)
	if err != nil {
		logger.Error("CheckCpuJob -- get cpu usage failed: ", err)
		return
	}
	if percent > float64(j.threshold) {
		j.notifier.SendMsgToTgbotAdmins(ctx, fmt.Sprintf("🔴 CPU usage %.2f%% is over the %d%% threshold", percent, j.threshold))
	}
}
