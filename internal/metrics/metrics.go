package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CallsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "casecall_calls_active",
		Help: "Currently active call sessions",
	})

	CallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "casecall_calls_total",
		Help: "Call attempts by outcome",
	}, []string{"outcome"})

	CallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "casecall_call_duration_seconds",
		Help:    "Wall time from call start to call end",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
	})

	TranscriptMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "casecall_transcript_messages_total",
		Help: "Final transcript messages retained, by role",
	}, []string{"role"})

	SummaryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "casecall_summary_duration_seconds",
		Help:    "Summarization request latency",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	})

	Summaries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "casecall_summaries_total",
		Help: "End-of-call summarization outcomes",
	}, []string{"result"})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "casecall_errors_total",
		Help: "Error counts by stage",
	}, []string{"stage", "error_type"})

	OverrideWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "casecall_override_writes_total",
		Help: "Patient override merges by result",
	}, []string{"result"})

	StreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "casecall_stream_clients",
		Help: "Connected session stream clients",
	})
)
