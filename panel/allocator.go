package panel

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/xuibot/vpn-grant-bot/util/random"
)

// InboundLister is the one panel capability the allocator needs.
type InboundLister interface {
	ListInbounds(ctx context.Context) ([]Inbound, error)
}

// Allocator reserves listener ports and client identities.
type Allocator struct {
	lister InboundLister
}

func NewAllocator(lister InboundLister) *Allocator {
	return &Allocator{lister: lister}
}

// AllocatePort fetches the current listing and returns the lowest port in
// [low, high) no inbound uses. Exhaustion is not retried.
func (a *Allocator) AllocatePort(ctx context.Context, low, high int) (int, error) {
	inbounds, err := a.lister.ListInbounds(ctx)
	if err != nil {
		return 0, err
	}
	return FreePort(inbounds, low, high)
}

// FreePort picks the lowest port in [low, high) absent from inbounds.
func FreePort(inbounds []Inbound, low, high int) (int, error) {
	used := make(map[int]struct{}, len(inbounds))
	for _, in := range inbounds {
		used[in.Port] = struct{}{}
	}
	for port := low; port < high; port++ {
		if _, taken := used[port]; !taken {
			return port, nil
		}
	}
	return 0, fmt.Errorf("ports [%d, %d): %w", low, high, ErrResourceExhausted)
}

// GenerateClientIdentity returns a fresh random (v4) UUID.
func GenerateClientIdentity() string {
	return uuid.New().String()
}

// NewSubID returns a subscription id in the panel's format.
func NewSubID() string {
	return random.LowerSeq(16)
}
