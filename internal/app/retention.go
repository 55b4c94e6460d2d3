package app

import (
	"time"

	"github.com/jcastroa/whatsapp-api/internal/domain"
	"go.uber.org/zap"
)

// initRetentionJob schedules daily pruning of message and webhook audit
// history. Retention of 0 days disables pruning entirely.
func (a *Application) initRetentionJob() {
	days := a.appConfig.Retention.Days
	if days <= 0 {
		zap.L().Info("log retention disabled")
		return
	}
	_, err := a.sched.AddFunc("@daily", func() {
		a.pruneLogs(days)
	})
	if err != nil {
		zap.L().Error("failed to schedule retention job", zap.Error(err))
	}
}

func (a *Application) pruneLogs(days int) {
	cutoff := time.Now().AddDate(0, 0, -days)

	res := a.gormDB.Where("created_at < ?", cutoff).Delete(&domain.Message{})
	if res.Error != nil {
		zap.L().Error("message prune failed", zap.Error(res.Error))
	} else if res.RowsAffected > 0 {
		zap.L().Info("pruned old messages", zap.Int64("count", res.RowsAffected))
	}

	res = a.gormDB.Where("created_at < ?", cutoff).Delete(&domain.WebhookLog{})
	if res.Error != nil {
		zap.L().Error("webhook log prune failed", zap.Error(res.Error))
	} else if res.RowsAffected > 0 {
		zap.L().Info("pruned old webhook logs", zap.Int64("count", res.RowsAffected))
	}
}
