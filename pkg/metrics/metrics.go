// Package metrics exposes gantry's Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BuildInfo carries version information as labels on a constant gauge.
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gantry_build_info",
		Help: "Build information about the running gantry binary.",
	}, []string{"version", "commit", "date"})

	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gantry_runs_total",
		Help: "Pipeline runs by result.",
	}, []string{"result"})

	BlocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gantry_blocks_total",
		Help: "Finished blocks by result.",
	}, []string{"result"})

	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gantry_jobs_total",
		Help: "Finished jobs by result.",
	}, []string{"result"})

	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gantry_job_duration_seconds",
		Help:    "Wall clock duration of finished jobs.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	RunningJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gantry_running_jobs",
		Help: "Jobs currently executing.",
	})

	ArtifactBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gantry_artifact_bytes_total",
		Help: "Artifact bytes transferred by direction.",
	}, []string{"direction"})
)
