// Package metrics exports the probe counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// summaryObjectives returns the quantiles for the latency summaries.
func summaryObjectives() map[float64]float64 {
	return map[float64]float64{
		0.5:  0.010,
		0.9:  0.010,
		0.99: 0.001,
	}
}

var (
	// PacketsSent counts datagrams sent, by type.
	PacketsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probed_packets_sent_total",
		Help: "Datagrams sent, by type",
	}, []string{"type"})

	// PacketsReceived counts datagrams received, by type.
	PacketsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probed_packets_received_total",
		Help: "Datagrams received, by type",
	}, []string{"type"})

	// PacketsDropped counts datagrams dropped on receive, by reason.
	PacketsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probed_packets_dropped_total",
		Help: "Datagrams dropped, by reason",
	}, []string{"reason"})

	// TimestampMisses counts missing timestamps, by direction.
	TimestampMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probed_timestamp_misses_total",
		Help: "Datagrams without a usable timestamp, by direction",
	}, []string{"direction"})

	// ProbesCompleted counts probes with all four timestamps.
	ProbesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "probed_probes_completed_total",
		Help: "Probes with all four timestamps",
	})

	// ProbesLost counts probes that expired before completion.
	ProbesLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "probed_probes_lost_total",
		Help: "Probes expired before completion",
	})

	// ProbeFaults counts completed probes whose timestamps are out of order.
	ProbeFaults = promauto.NewCounter(prometheus.CounterOpts{
		Name: "probed_probe_faults_total",
		Help: "Completed probes with out of order timestamps",
	})

	// SessionsInflight gauges the incomplete sessions.
	SessionsInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "probed_sessions_inflight",
		Help: "Incomplete probe sessions",
	})

	// TimestampMode gauges the active timestamping tier (1 software, 2 kernel, 3 hardware).
	TimestampMode = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "probed_timestamp_mode",
		Help: "Active timestamping tier: 1 software, 2 kernel, 3 hardware",
	})

	// RoundTripSeconds summarizes the round trip time of completed probes.
	RoundTripSeconds = promauto.NewSummary(prometheus.SummaryOpts{
		Name:       "probed_round_trip_seconds",
		Help:       "Round trip time of completed probes, server processing excluded",
		Objectives: summaryObjectives(),
	})

	// ProcessingSeconds summarizes the responder processing time, ours and the peers'.
	ProcessingSeconds = promauto.NewSummary(prometheus.SummaryOpts{
		Name:       "probed_processing_seconds",
		Help:       "Time between receiving a ping and sending the pong",
		Objectives: summaryObjectives(),
	})
)

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
