package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "gpr"

var (
	fitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "model",
		Name:      "fits_total",
		Help:      "Hyperparameter fits by outcome.",
	}, []string{"outcome"})

	fitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "model",
		Name:      "fit_duration_seconds",
		Help:      "Wall time of hyperparameter fits.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 15),
	}, []string{"method"})

	fitNLML = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "model",
		Name:      "fit_nlml",
		Help:      "Negative log marginal likelihood of successful fits.",
		Buckets:   prometheus.LinearBuckets(-500, 100, 15),
	})

	predictedPoints = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "model",
		Name:      "predicted_points_total",
		Help:      "Test points served by predict calls.",
	})

	activeModels = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "model",
		Name:      "active",
		Help:      "Models currently held in memory.",
	})

	rpcRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "rpc",
		Name:      "requests_total",
		Help:      "JSON-RPC calls by method and result code.",
	}, []string{"method", "code"})
)
