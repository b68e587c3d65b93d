package engine

import (
	"context"
	"log"
	"time"

	"tradectl/notify"
)

const defaultMonitorInterval = 10 * time.Second

// StatusSource is the part of Engine a Monitor needs.
type StatusSource interface {
	QueryStatus(ctx context.Context) CommandResult
	SubscribeStatus(buffer int) *notify.Subscription[StatusEvent]
	UnsubscribeStatus(sub *notify.Subscription[StatusEvent])
}

// Monitor polls QueryStatus on an interval and logs status transitions as they
// happen.
type Monitor struct {
	source   StatusSource
	interval time.Duration
	logger   *log.Logger
	// OnResult, if set, receives every poll result.
	OnResult func(CommandResult)
}

func NewMonitor(source StatusSource, interval time.Duration, logger *log.Logger) *Monitor {
	if interval <= 0 {
		interval = defaultMonitorInterval
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Monitor{source: source, interval: interval, logger: logger}
}

// Start polls until ctx is canceled. The first poll happens immediately.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	sub := m.source.SubscribeStatus(16)
	defer m.source.UnsubscribeStatus(sub)
	go m.consumeTransitions(ctx, sub)

	m.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

func (m *Monitor) poll(ctx context.Context) {
	res := m.source.QueryStatus(ctx)
	switch {
	case res.Settings == nil:
		m.logger.Printf("[monitor] via %s: no settings recorded (stale=%t)", res.Transport, res.Stale)
	default:
		m.logger.Printf("[monitor] via %s: enabled=%t buy=%.4f sell=%.4f max=%d stale=%t",
			res.Transport, res.Settings.Enabled, res.Settings.BuyThresholdPct,
			res.Settings.SellThresholdPct, res.Settings.MaxPositionPerTrade, res.Stale)
	}
	if m.OnResult != nil {
		m.OnResult(res)
	}
}

func (m *Monitor) consumeTransitions(ctx context.Context, sub *notify.Subscription[StatusEvent]) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			m.logger.Printf("[monitor] status %s -> %s", ev.From, ev.To)
		}
	}
}
