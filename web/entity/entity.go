// Package entity defines the JSON shapes served by the status API.
package entity

import (
	"time"

	"github.com/xuibot/vpn-grant-bot/database/model"
)

// Msg represents a standard API response message with success status, message text, and optional data object.
type Msg struct {
	Success bool   `json:"success"` // Indicates if the operation was successful
	Msg     string `json:"msg"`     // Response message text
	Obj     any    `json:"obj"`     // Optional data object
}

// GrantView is a grant as exposed to API consumers.
type GrantView struct {
	PrincipalId       int64     `json:"principalId"`
	Username          string    `json:"username"`
	Port              int       `json:"port"`
	TrafficLimitBytes int64     `json:"trafficLimitBytes"`
	TrafficUsedBytes  int64     `json:"trafficUsedBytes"`
	ExpiryDate        time.Time `json:"expiryDate"`
	Active            bool      `json:"active"`
}

// NewGrantView copies g without its client identity, which is the
// connection secret.
func NewGrantView(g *model.Grant) GrantView {
	return GrantView{
		PrincipalId:       g.PrincipalId,
		Username:          g.Username,
		Port:              g.Port,
		TrafficLimitBytes: g.TrafficLimitBytes,
		TrafficUsedBytes:  g.TrafficUsedBytes,
		ExpiryDate:        g.ExpiryDate,
		Active:            g.Active,
	}
}
