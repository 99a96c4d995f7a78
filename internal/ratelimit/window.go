// SPDX-License-Identifier: MIT

// Package ratelimit implements the sliding-window hit counter applied to
// every inbound protocol frame. One Window per connection; no shared state.
package ratelimit

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var exceededTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "claimgate",
		Name:      "ratelimit_exceeded_total",
		Help:      "Total rate limit rejections",
	},
	[]string{"scope"},
)

// Window is the ordered sequence of recorded hit timestamps.
type Window []time.Time

// Exceeded reports a rejected hit. Hits holds the surviving (non-stale)
// entries at the time of rejection; the rejected hit is not among them.
type Exceeded struct {
	Hits     Window
	Limit    int
	Interval time.Duration
}

func (e *Exceeded) Error() string {
	return fmt.Sprintf("ratelimit: %d/%s exceeded", e.Limit, e.Interval)
}

// Check evaluates one hit at now against limit hits per interval. Stale
// hits (older than interval before now) are dropped first. On success the
// returned window includes now; on failure no hit is recorded and the
// surviving window is returned unchanged alongside the error.
func Check(w Window, limit int, interval time.Duration, now time.Time) (Window, error) {
	cutoff := now.Add(-interval)

	survivors := make(Window, 0, len(w)+1)
	for _, hit := range w {
		if hit.After(cutoff) {
			survivors = append(survivors, hit)
		}
	}

	if len(survivors) >= limit {
		exceededTotal.WithLabelValues("connection").Inc()
		return survivors, &Exceeded{Hits: survivors, Limit: limit, Interval: interval}
	}

	return append(survivors, now), nil
}
