package lim

import (
	"sync"
	"time"

	"takobin/metrics"
	"takobin/svc/util"
)

const (
	anomalyWindow    = 5
	anomalyMinReqs   = 10
	anomalyErrorRate = 5.0
)

// AnomalyDetector keeps a rolling five minute error rate and fires
// onAnomaly when it crosses the threshold, which halves the rate limits
// for a while.
type AnomalyDetector struct {
	mu        sync.Mutex
	window    [anomalyWindow]bucket
	current   int
	onAnomaly func()
	done      chan struct{}
}

type bucket struct {
	requests int64
	errors   int64
}

func NewAnomalyDetector(onAnomaly func()) *AnomalyDetector {
	return &AnomalyDetector{
		onAnomaly: onAnomaly,
		done:      make(chan struct{}),
	}
}

func (d *AnomalyDetector) Start() {
	ticker := time.NewTicker(time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.advance()
			case <-d.done:
				return
			}
		}
	}()
}

func (d *AnomalyDetector) Stop() {
	close(d.done)
}

func (d *AnomalyDetector) RecordRequest() {
	d.mu.Lock()
	d.window[d.current].requests++
	d.mu.Unlock()
}

func (d *AnomalyDetector) RecordError() {
	d.mu.Lock()
	d.window[d.current].errors++
	d.mu.Unlock()
}

func (d *AnomalyDetector) advance() {
	d.mu.Lock()
	defer d.mu.Unlock()

	var reqs, errs int64
	for _, b := range d.window {
		reqs += b.requests
		errs += b.errors
	}
	var errorRate float64
	if reqs > 0 {
		errorRate = float64(errs) / float64(reqs) * 100.0
	}
	metrics.RecentErrorRatePercent.Set(errorRate)

	if reqs > anomalyMinReqs && errorRate > anomalyErrorRate {
		util.Warn().
			Float64("error_rate", errorRate).
			Int64("total_reqs", reqs).
			Int64("total_errs", errs).
			Msg("high error rate, tightening rate limits")
		if d.onAnomaly != nil {
			d.onAnomaly()
		}
	}

	d.current = (d.current + 1) % anomalyWindow
	d.window[d.current] = bucket{}
}
