package avalia

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pageViewsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avalia_page_views_total",
			Help: "Pages rendered by route name and status code.",
		},
		[]string{"route", "code"},
	)
	submissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avalia_submissions_total",
			Help: "Evaluation form submissions by outcome.",
		},
		[]string{"outcome"},
	)
	storeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "avalia_store_duration_seconds",
			Help:    "Duration of database handle calls.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"op"},
	)
)
