// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/statetrace/services/ledgerlab/runstore"
	"github.com/AleutianAI/statetrace/services/ledgerlab/telemetry"
)

func runServe(cmd *cobra.Command, args []string) {
	store, err := runstore.Open(runstore.Config{
		Path:       cfg.Store.Path,
		InMemory:   cfg.Store.InMemory,
		SyncWrites: cfg.Store.SyncWrites,
	}, appLog.Slog())
	if err != nil {
		log.Fatalf("Failed to open the run store at %s: %v", cfg.Store.Path, err)
	}
	defer store.Close()

	metrics := telemetry.NewMetrics()
	if err := primeMetrics(store, metrics); err != nil {
		log.Fatalf("Failed to prime metrics from stored runs: %v", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	setupRoutes(router, store, metrics)

	addr := fmt.Sprintf(":%d", cfg.Serve.Port)
	appLog.Info("serving", "addr", addr, "store", cfg.Store.Path)
	if err := router.Run(addr); err != nil {
		log.Fatalf("Server exited: %v", err)
	}
}

// primeMetrics replays stored runs into the Prometheus gauges so a
// restarted server scrapes the latest sweep state immediately.
func primeMetrics(store *runstore.Store, metrics *telemetry.Metrics) error {
	ids, err := store.List()
	if err != nil {
		return err
	}
	for _, id := range ids {
		res, err := store.Get(id)
		if err != nil {
			return err
		}
		metrics.ObserveRun(res)
	}
	return nil
}

func setupRoutes(router *gin.Engine, store *runstore.Store, metrics *telemetry.Metrics) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	{
		runs := v1.Group("/runs")
		{
			runs.GET("", listRuns(store))
			runs.GET("/:runId", getRun(store))
			runs.DELETE("/:runId", deleteRun(store))
		}
	}
}

func listRuns(store *runstore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ids, err := store.List()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"runs": ids})
	}
}

func getRun(store *runstore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := store.Get(c.Param("runId"))
		if errors.Is(err, runstore.ErrRunNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func deleteRun(store *runstore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := store.Delete(c.Param("runId")); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}
