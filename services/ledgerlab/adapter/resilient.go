// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package adapter

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/statetrace/services/ledgerlab/grading"
)

// ResilientConfig tunes the resilience wrapper.
type ResilientConfig struct {
	// Timeout bounds each individual Answer attempt.
	Timeout time.Duration `yaml:"timeout"`

	// MaxRetries is the number of re-attempts after the first failure.
	MaxRetries int `yaml:"max_retries"`

	// Backoff is the base delay between attempts, doubled per retry.
	Backoff time.Duration `yaml:"backoff"`

	// RPS throttles calls to the wrapped model. Zero means unthrottled.
	RPS float64 `yaml:"rps"`

	// Burst is the limiter burst size when RPS is set.
	Burst int `yaml:"burst"`
}

// DefaultResilientConfig returns sane benchmark-run settings.
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{Timeout: 60 * time.Second, MaxRetries: 2, Backoff: time.Second, RPS: 2, Burst: 4}
}

// Resilient wraps a Model with per-call timeouts, bounded retries, and
// rate limiting. An exhausted retry budget yields an abstention rather
// than an error: a flaky upstream must degrade a run's scores, not abort
// the sweep.
type Resilient struct {
	inner   Model
	cfg     ResilientConfig
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewResilient wraps a model.
func NewResilient(inner Model, cfg ResilientConfig, logger *slog.Logger) *Resilient {
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rate.Limiter
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	return &Resilient{inner: inner, cfg: cfg, limiter: limiter, logger: logger}
}

// Name reports the wrapped model's name.
func (r *Resilient) Name() string { return r.inner.Name() }

// Answer attempts the wrapped call under the configured budget.
func (r *Resilient) Answer(ctx context.Context, req Request) (*grading.Prediction, error) {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		if attempt > 0 {
			delay := r.cfg.Backoff << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		attemptCtx := ctx
		cancel := func() {}
		if r.cfg.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		}
		pred, err := r.inner.Answer(attemptCtx, req)
		cancel()
		if err == nil {
			return pred, nil
		}
		lastErr = err
		// The caller's own cancellation is not retryable.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Warn("model call failed, retrying",
			"task_id", req.Task.ID,
			"attempt", attempt+1,
			"error", err)
	}

	if !errors.Is(lastErr, context.DeadlineExceeded) {
		r.logger.Error("model call exhausted retry budget",
			"task_id", req.Task.ID,
			"error", lastErr)
	}
	return &grading.Prediction{QueryID: req.Task.ID, Abstain: true}, nil
}
