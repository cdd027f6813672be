package service

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/xuibot/vpn-grant-bot/caching"
	"github.com/xuibot/vpn-grant-bot/database/model"
	"github.com/xuibot/vpn-grant-bot/logger"
	"github.com/xuibot/vpn-grant-bot/panel"
)

const snapshotKey = "stats:snapshot"

// Snapshot is a point-in-time summary of the VPN server.
type Snapshot struct {
	CpuPercent         float64   `json:"cpuPercent"`
	RamPercent         float64   `json:"ramPercent"`
	TotalUploadBytes   int64     `json:"totalUploadBytes"`
	TotalDownloadBytes int64     `json:"totalDownloadBytes"`
	InboundCount       int       `json:"inboundCount"`
	At                 time.Time `json:"at"`
}

// SystemProbe reads host load.
type SystemProbe interface {
	CPUPercent(ctx context.Context) (float64, error)
	RAMPercent(ctx context.Context) (float64, error)
}

type hostProbe struct{}

func (hostProbe) CPUPercent(ctx context.Context) (float64, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil || len(percents) == 0 {
		return 0, err
	}
	return percents[0], nil
}

func (hostProbe) RAMPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

// StatsService reads traffic totals from the panel and mirrors per-client
// usage into the registry.
type StatsService struct {
	panel  panel.InboundLister
	grants GrantStore
	probe  SystemProbe
	cache  *caching.Cache
	ttl    time.Duration
	now    func() time.Time
}

func NewStatsService(lister panel.InboundLister, grants GrantStore, cache *caching.Cache) *StatsService {
	return &StatsService{
		panel:  lister,
		grants: grants,
		probe:  hostProbe{},
		cache:  cache,
		ttl:    caching.DefaultTTL,
		now:    time.Now,
	}
}

// Snapshot never fails: any error yields a zeroed snapshot.
func (s *StatsService) Snapshot(ctx context.Context) Snapshot {
	if s.cache == nil {
		snap, _ := s.collect(ctx)
		return snap
	}
	snap, _ := caching.Remember(s.cache, snapshotKey, s.ttl, func() (Snapshot, error) {
		return s.collect(ctx)
	})
	return snap
}

func (s *StatsService) collect(ctx context.Context) (Snapshot, error) {
	cpuPercent, err := s.probe.CPUPercent(ctx)
	if err != nil {
		logger.Warning("stats: cpu usage: ", err)
		return Snapshot{}, err
	}
	ramPercent, err := s.probe.RAMPercent(ctx)
	if err != nil {
		logger.Warning("stats: memory usage: ", err)
		return Snapshot{}, err
	}
	inbounds, err := s.panel.ListInbounds(ctx)
	if err != nil {
		logger.Warning("stats: list inbounds: ", err)
		return Snapshot{}, err
	}

	snap := Snapshot{
		CpuPercent:   cpuPercent,
		RamPercent:   ramPercent,
		InboundCount: len(inbounds),
		At:           s.now(),
	}
	for _, in := range inbounds {
		snap.TotalUploadBytes += in.Up
		snap.TotalDownloadBytes += in.Down
	}
	return snap, nil
}

// CpuPercent samples host CPU load on its own.
func (s *StatsService) CpuPercent(ctx context.Context) (float64, error) {
	return s.probe.CPUPercent(ctx)
}

// SyncUsage copies every grant's panel traffic counter into the registry
// and deactivates grants that are expired or over quota. It returns the
// grants that changed from active to inactive.
func (s *StatsService) SyncUsage(ctx context.Context) ([]*model.Grant, error) {
	grants, err := s.grants.ListAll()
	if err != nil {
		return nil, err
	}
	if len(grants) == 0 {
		return nil, nil
	}
	inbounds, err := s.panel.ListInbounds(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var deactivated []*model.Grant
	for _, grant := range grants {
		inbound, idx, err := panel.LocateClient(inbounds, grant.ClientIdentity)
		if err != nil {
			logger.Warningf("usage sync: client of %d missing on panel", grant.PrincipalId)
			continue
		}
		if st, ok := inbound.ClientStat(inbound.Settings.Clients[idx].Email); ok {
			used := st.Up + st.Down
			if used != grant.TrafficUsedBytes {
				if err := s.grants.Update(grant.PrincipalId, map[string]any{"traffic_used_bytes": used}); err != nil {
					logger.Warningf("usage sync: update %d: %v", grant.PrincipalId, err)
					continue
				}
				grant.TrafficUsedBytes = used
			}
		}
		if !grant.Active || !grant.IsExhausted(now) {
			continue
		}
		// re-checked against the stored row: a renewal may have landed since ListAll
		changed, err := s.grants.DeactivateIfExhausted(grant.PrincipalId, now)
		if err != nil {
			logger.Warningf("usage sync: deactivate %d: %v", grant.PrincipalId, err)
			continue
		}
		if changed {
			grant.Active = false
			deactivated = append(deactivated, grant)
		}
	}
	if s.cache != nil {
		s.cache.Delete(snapshotKey)
	}
	return deactivated, nil
}
