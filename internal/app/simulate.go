package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pricewatcher/internal/alerting"
	"pricewatcher/internal/config"
	"pricewatcher/internal/resolver"
	"pricewatcher/internal/storage"
)

var timeNow = time.Now

// SimulateOutage 模拟一次数据源熔断（或恢复）并走完整的告警与落库流程。
func (a *App) SimulateOutage(ctx context.Context, opts SimulateOptions) error {
	if !config.IsKnownSource(opts.Source) {
		return fmt.Errorf("未知数据源 %q", opts.Source)
	}

	notifier := a.newNotifier()
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}
	if notifier == nil && store == nil {
		return errors.New("未配置任何告警通道或数据库")
	}

	var events storage.SourceEventStore
	if store != nil {
		events = store
	}
	outage := a.newOutageNotifier(notifier, events)

	tr := simulatedTransition(a.Config.Resolver, opts)
	if err := outage.Deliver(ctx, tr, alerting.KindSimulated); err != nil {
		return err
	}
	a.Logger.Info().Str("source", opts.Source).Bool("recovered", opts.Recovered).Msg("simulated outage delivered")
	return nil
}

func simulatedTransition(rc config.ResolverConfig, opts SimulateOptions) resolver.Transition {
	if opts.Recovered {
		return resolver.Transition{Source: opts.Source, Recovered: true}
	}
	policy := resolver.BackoffPolicy{
		FailureThreshold: rc.FailureThreshold,
		BaseBackoff:      rc.BaseBackoff,
		MaxBackoff:       rc.MaxBackoff,
	}
	failures := int64(rc.FailureThreshold)
	return resolver.Transition{
		Source:              opts.Source,
		ConsecutiveFailures: failures,
		Disabled:            true,
		DisabledUntil:       timeNow().Add(policy.Backoff(failures)),
	}
}
