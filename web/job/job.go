// Package job holds the cron jobs the bot schedules: usage sync and the CPU
// alert.
package job

import (
	"context"
	"time"
)

const runTimeout = time.Minute

// Notifier delivers job output through the chat bot.
type Notifier interface {
	SendMsgToTgbotAdmins(ctx context.Context, msg string)
	NotifyUser(ctx context.Context, chatId int64, msg string)
}
