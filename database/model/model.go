// Package model holds the gorm models persisted in the local registry.
package model

import "time"

// Grant is the locally tracked subscription of one principal. It mirrors the
// quota and expiry of exactly one client entry on the panel, joined by
// ClientIdentity.
type Grant struct {
	PrincipalId       int64     `json:"principalId" gorm:"primaryKey;autoIncrement:false"`
	Username          string    `json:"username"`
	ClientIdentity    string    `json:"clientIdentity" gorm:"uniqueIndex;not null"`
	Port              int       `json:"port"`
	TrafficLimitBytes int64     `json:"trafficLimitBytes"`
	TrafficUsedBytes  int64     `json:"trafficUsedBytes" gorm:"default:0"`
	ExpiryDate        time.Time `json:"expiryDate"`
	Active            bool      `json:"active"`
	CreatedAt         time.Time `json:"createdAt" gorm:"autoCreateTime"`
}

// RemainingDays counts whole days until expiry, never negative.
func (g *Grant) RemainingDays(now time.Time) int {
	if !g.ExpiryDate.After(now) {
		return 0
	}
	return int(g.ExpiryDate.Sub(now).Hours() / 24)
}

// RemainingBytes is the unused part of the traffic quota, never negative.
func (g *Grant) RemainingBytes() int64 {
	if g.TrafficUsedBytes >= g.TrafficLimitBytes {
		return 0
	}
	return g.TrafficLimitBytes - g.TrafficUsedBytes
}

// IsExhausted reports whether the grant is past expiry or over quota.
func (g *Grant) IsExhausted(now time.Time) bool {
	return !g.ExpiryDate.After(now) || g.TrafficUsedBytes >= g.TrafficLimitBytes
}
