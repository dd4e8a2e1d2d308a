package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SessionStatsProvider exposes aggregate detection session statistics.
type SessionStatsProvider interface {
	ActiveSessionCount() int
	AggregateFramesProcessed() uint64
	AggregatePacketsDropped() uint64
	VerdictTotals() map[string]uint64
}

// VerdictCounter returns stored verdict counts grouped by tone.
type VerdictCounter interface {
	CountByTone(ctx context.Context) (map[string]int64, error)
}

// Collector is a prometheus.Collector that gathers ringwatch metrics at scrape time.
type Collector struct {
	sessions  SessionStatsProvider
	verdicts  VerdictCounter
	startTime time.Time

	// Metric descriptors.
	sessionsActiveDesc *prometheus.Desc
	framesDesc         *prometheus.Desc
	packetsDroppedDesc *prometheus.Desc
	verdictsDesc       *prometheus.Desc
	verdictsStoredDesc *prometheus.Desc
	uptimeDesc         *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(sessions SessionStatsProvider, verdicts VerdictCounter, startTime time.Time) *Collector {
	return &Collector{
		sessions:  sessions,
		verdicts:  verdicts,
		startTime: startTime,

		sessionsActiveDesc: prometheus.NewDesc(
			"ringwatch_sessions_active",
			"Number of detection sessions currently listening for early media",
			nil, nil,
		),
		framesDesc: prometheus.NewDesc(
			"ringwatch_frames_processed_total",
			"Total audio frames fed to detectors across all active sessions",
			nil, nil,
		),
		packetsDroppedDesc: prometheus.NewDesc(
			"ringwatch_rtp_packets_dropped_total",
			"Total RTP packets dropped (truncated or wrong payload type)",
			nil, nil,
		),
		verdictsDesc: prometheus.NewDesc(
			"ringwatch_verdicts_total",
			"Verdicts produced since process start, by tone",
			[]string{"tone"}, nil,
		),
		verdictsStoredDesc: prometheus.NewDesc(
			"ringwatch_verdicts_stored",
			"Verdict records currently stored, by tone",
			[]string{"tone"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"ringwatch_uptime_seconds",
			"Seconds since the ringwatch process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessionsActiveDesc
	ch <- c.framesDesc
	ch <- c.packetsDroppedDesc
	ch <- c.verdictsDesc
	ch <- c.verdictsStoredDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.sessions != nil {
		ch <- prometheus.MustNewConstMetric(
			c.sessionsActiveDesc, prometheus.GaugeValue,
			float64(c.sessions.ActiveSessionCount()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.framesDesc, prometheus.CounterValue,
			float64(c.sessions.AggregateFramesProcessed()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.packetsDroppedDesc, prometheus.CounterValue,
			float64(c.sessions.AggregatePacketsDropped()),
		)
		for tone, n := range c.sessions.VerdictTotals() {
			ch <- prometheus.MustNewConstMetric(
				c.verdictsDesc, prometheus.CounterValue,
				float64(n), tone,
			)
		}
	}

	if c.verdicts != nil {
		counts, err := c.verdicts.CountByTone(ctx)
		if err != nil {
			slog.Error("metrics: failed to count stored verdicts", "error", err)
		} else {
			for tone, n := range counts {
				ch <- prometheus.MustNewConstMetric(
					c.verdictsStoredDesc, prometheus.GaugeValue,
					float64(n), tone,
				)
			}
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
