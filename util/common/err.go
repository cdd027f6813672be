package common

import (
	"errors"
	"fmt"

	"github.com/xuibot/vpn-grant-bot/logger"
)

func NewError(a ...any) error {
	return errors.New(fmt.Sprint(a...))
}

// Recover logs a recovered panic with msg. Use it as the deferred call
// itself: defer common.Recover("...").
func Recover(msg string) any {
	panicErr := recover()
	if panicErr != nil && msg != "" {
		logger.Error(msg, " panic: ", panicErr)
	}
	return panicErr
}
