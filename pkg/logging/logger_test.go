// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"info":    slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestFileLogging(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(Config{Level: "debug", LogDir: dir, Service: "testsvc", Quiet: true})
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("sweep started", "conditions", 3)
	logger.Debug("detail line")
	if err := logger.Close(); err != nil {
		t.Fatal(err)
	}

	name := filepath.Join(dir, "testsvc_"+time.Now().Format("2006-01-02")+".log")
	raw, err := os.ReadFile(name)
	if err != nil {
		t.Fatal(err)
	}
	content := string(raw)
	for _, want := range []string{`"msg":"sweep started"`, `"conditions":3`, `"service":"testsvc"`, `"msg":"detail line"`} {
		if !strings.Contains(content, want) {
			t.Fatalf("log file missing %q:\n%s", want, content)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(Config{Level: "warn", LogDir: dir, Service: "testsvc", Quiet: true})
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("too quiet")
	logger.Warn("loud enough")
	if err := logger.Close(); err != nil {
		t.Fatal(err)
	}

	name := filepath.Join(dir, "testsvc_"+time.Now().Format("2006-01-02")+".log")
	raw, err := os.ReadFile(name)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "too quiet") {
		t.Fatal("info record passed a warn-level logger")
	}
	if !strings.Contains(string(raw), "loud enough") {
		t.Fatal("warn record dropped")
	}
}

func TestBadLogDirFails(t *testing.T) {
	file := filepath.Join(t.TempDir(), "occupied")
	if err := os.WriteFile(file, []byte("x"), 0640); err != nil {
		t.Fatal(err)
	}
	if _, err := New(Config{LogDir: filepath.Join(file, "nested")}); err == nil {
		t.Fatal("expected error for unusable log directory")
	}
}

func TestWithDoesNotOwnFile(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(Config{LogDir: dir, Service: "testsvc", Quiet: true})
	if err != nil {
		t.Fatal(err)
	}
	child := logger.With("component", "generator")
	if err := child.Close(); err != nil {
		t.Fatal(err)
	}
	// The parent's file must still be writable after closing the child.
	logger.Info("still open")
	if err := logger.Close(); err != nil {
		t.Fatal(err)
	}

	name := filepath.Join(dir, "testsvc_"+time.Now().Format("2006-01-02")+".log")
	raw, err := os.ReadFile(name)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), "still open") {
		t.Fatal("parent file closed by child")
	}
}

func TestDefaultNeverNil(t *testing.T) {
	if Default() == nil || Default().Slog() == nil {
		t.Fatal("Default returned nil")
	}
}
