package job

import (
	"context"

	"github.com/xuibot/vpn-grant-bot/database/model"
	"github.com/xuibot/vpn-grant-bot/logger"
	"github.com/xuibot/vpn-grant-bot/util/common"
)

type UsageSyncer interface {
	SyncUsage(ctx context.Context) ([]*model.Grant, error)
}

// GrantSyncJob mirrors panel traffic counters into the registry and tells
// users whose access just ran out.
type GrantSyncJob struct {
	syncer   UsageSyncer
	notifier Notifier
}

func NewGrantSyncJob(syncer UsageSyncer, notifier Notifier) *GrantSyncJob {
	return &GrantSyncJob{syncer: syncer, notifier: notifier}
}

func (j *GrantSyncJob) Run() {
	defer common.Recover("GrantSyncJob")

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	deactivated, err := j.syncer.SyncUsage(ctx)
	if err != nil {
		logger.Warning("GrantSyncJob -- sync usage failed: ", err)
		return
	}
	for _, grant := range deactivated {
		logger.Infof("GrantSyncJob -- grant of %d deactivated", grant.PrincipalId)
		if j.notifier != nil {
			j.notifier.NotifyUser(ctx, grant.PrincipalId, "⛔ Your VPN access has run out. Open the menu with /start and renew to continue.")
		}
	}
}
