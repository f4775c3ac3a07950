// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry exports run metrics to Prometheus.
//
// All metrics use the "statetrace_" prefix and live on a private
// registry, so embedding the benchmark in a larger process never
// collides with the host's default registry.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/statetrace/services/ledgerlab/pipeline"
)

// Metrics is the benchmark's Prometheus surface.
//
// Thread Safety: safe for concurrent use after construction.
type Metrics struct {
	registry *prometheus.Registry

	runsTotal      *prometheus.CounterVec
	queriesGraded  *prometheus.CounterVec
	runDuration    prometheus.Histogram
	valueAccuracy  *prometheus.GaugeVec
	citeF1         *prometheus.GaugeVec
	goldPresent    *prometheus.GaugeVec
	selectionRate  *prometheus.GaugeVec
	bottleneckInfo *prometheus.GaugeVec
}

// NewMetrics builds and registers the metric set on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statetrace_runs_total",
			Help: "Completed benchmark runs by state mode and distractor profile.",
		}, []string{"mode", "profile"}),
		queriesGraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statetrace_queries_graded_total",
			Help: "Graded queries by outcome (correct, incorrect, abstained).",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "statetrace_run_duration_seconds",
			Help:    "Wall time per benchmark condition.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		valueAccuracy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "statetrace_value_accuracy",
			Help: "Normalized value accuracy of the latest run per condition.",
		}, []string{"mode", "profile"}),
		citeF1: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "statetrace_cite_f1",
			Help: "Capped citation F1 of the latest run per condition.",
		}, []string{"mode", "profile"}),
		goldPresent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "statetrace_gold_present_rate",
			Help: "Retrieval-stage gold presence of the latest run per condition.",
		}, []string{"mode", "profile"}),
		selectionRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "statetrace_selection_rate",
			Help: "Selection-stage gold pick rate of the latest run per condition.",
		}, []string{"mode", "profile"}),
		bottleneckInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "statetrace_bottleneck",
			Help: "1 for the diagnosed bottleneck stage of the latest run per condition.",
		}, []string{"mode", "profile", "stage"}),
	}
	reg.MustRegister(
		m.runsTotal, m.queriesGraded, m.runDuration,
		m.valueAccuracy, m.citeF1, m.goldPresent, m.selectionRate, m.bottleneckInfo,
	)
	return m
}

// ObserveRun records one graded condition.
func (m *Metrics) ObserveRun(res pipeline.RunResult) {
	mode := string(res.Condition.Mode)
	profile := string(res.Condition.Profile)

	m.runsTotal.WithLabelValues(mode, profile).Inc()
	m.runDuration.Observe(res.Duration.Seconds())

	s := res.Summary
	correct := int(s.ValueAcc * float64(s.Queries))
	abstained := s.Queries - s.Answered
	m.queriesGraded.WithLabelValues("correct").Add(float64(correct))
	m.queriesGraded.WithLabelValues("incorrect").Add(float64(s.Queries - correct - abstained))
	m.queriesGraded.WithLabelValues("abstained").Add(float64(abstained))

	m.valueAccuracy.WithLabelValues(mode, profile).Set(s.ValueAcc)
	m.citeF1.WithLabelValues(mode, profile).Set(s.CiteF1)
	m.goldPresent.WithLabelValues(mode, profile).Set(res.Report.Rates.GoldPresentRate)
	m.selectionRate.WithLabelValues(mode, profile).Set(res.Report.Rates.SelectionRate)

	// One-hot per condition: reset all stages, set the diagnosed one.
	for _, stage := range []string{"retrieval", "selection", "authority", "answering", "none"} {
		m.bottleneckInfo.WithLabelValues(mode, profile, stage).Set(0)
	}
	m.bottleneckInfo.WithLabelValues(mode, profile, string(res.Report.Bottleneck)).Set(1)
}

// Handler serves the registry as a /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for test scraping.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
