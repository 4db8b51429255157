// Package ratelimit implements fixed-delay pacing between paginated batch
// requests, so a harvest stays polite towards the upstream API.
package ratelimit

import (
	"context"
	"time"

	"github.com/jcliff/orrery-sub001/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var factory = promauto.With(metrics.Registry)

var (
	pacingWaitsTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "harvest_pacing_waits_total",
		Help: "Total number of pacing delays inserted before a batch",
	})

	pacingWaitSeconds = factory.NewCounter(prometheus.CounterOpts{
		Name: "harvest_pacing_wait_seconds_total",
		Help: "Total time spent in pacing delays",
	})
)

// Pacer inserts Delay before every batch whose number is a positive
// multiple of Every. Batch numbers start at 0, so the first batch is never
// delayed. The zero value never waits.
type Pacer struct {
	Delay time.Duration
	Every int
}

// NewPacer returns a pacer. An every of 0 or less means every batch.
func NewPacer(delay time.Duration, every int) Pacer {
	if every <= 0 {
		every = 1
	}
	return Pacer{Delay: delay, Every: every}
}

// ShouldWait reports whether batch batchNum is preceded by a delay.
func (p Pacer) ShouldWait(batchNum int) bool {
	if p.Delay <= 0 || p.Every <= 0 || batchNum <= 0 {
		return false
	}
	return batchNum%p.Every == 0
}

// Wait blocks for the pacing delay of batchNum, if any. It returns ctx.Err()
// when the context is cancelled while waiting.
func (p Pacer) Wait(ctx context.Context, batchNum int) error {
	if !p.ShouldWait(batchNum) {
		return nil
	}

	pacingWaitsTotal.Inc()
	pacingWaitSeconds.Add(p.Delay.Seconds())

	timer := time.NewTimer(p.Delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
