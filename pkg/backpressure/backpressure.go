package backpressure

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/broker"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/config"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/log"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/metrics"
)

// Monitor samples broker consumer lag and the in-process queue depth,
// pausing the subscription above the high-water mark and resuming below
// the low-water mark.
type Monitor struct {
	cfg    config.BackpressureConfig
	sub    broker.Subscription
	queued atomic.Int64
	paused atomic.Bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMonitor creates the backpressure monitor. The queue gate works
// from construction; lag sampling starts once Start binds a
// subscription.
func NewMonitor(cfg config.BackpressureConfig) *Monitor {
	return &Monitor{cfg: cfg, stopCh: make(chan struct{})}
}

// Start binds the subscription and launches the periodic lag sampler
func (m *Monitor) Start(ctx context.Context, sub broker.Subscription) {
	m.sub = sub
	interval := m.cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sample(ctx)
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the sampler
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) sample(ctx context.Context) {
	lag, err := m.sub.Lag(ctx)
	if err != nil {
		log.WithComponent("backpressure").Warn().Err(err).Msg("failed to sample consumer lag")
		return
	}
	metrics.ConsumerLag.Set(float64(lag))

	switch {
	case lag >= m.cfg.LagMax && !m.paused.Load():
		m.paused.Store(true)
		m.sub.Pause()
		metrics.ConsumerPaused.Set(1)
		log.WithComponent("backpressure").Warn().
			Int64("lag", lag).
			Int64("high_water", m.cfg.LagMax).
			Msg("lag above high-water mark, pausing subscription")

	case lag < m.cfg.LagResume && m.paused.Load():
		m.paused.Store(false)
		m.sub.Resume()
		metrics.ConsumerPaused.Set(0)
		log.WithComponent("backpressure").Info().
			Int64("lag", lag).
			Int64("low_water", m.cfg.LagResume).
			Msg("lag below low-water mark, resuming subscription")
	}
}

// CanProcessMessage reports whether the in-process queue has capacity.
// Callers reject when it returns false and let the broker redeliver.
func (m *Monitor) CanProcessMessage() bool {
	return m.queued.Load() < int64(m.cfg.QueueMax)
}

// Enter marks one message in flight
func (m *Monitor) Enter() {
	metrics.QueueDepth.Set(float64(m.queued.Add(1)))
}

// Leave marks one message done
func (m *Monitor) Leave() {
	metrics.QueueDepth.Set(float64(m.queued.Add(-1)))
}

// Paused reports the current pause state
func (m *Monitor) Paused() bool {
	return m.paused.Load()
}
