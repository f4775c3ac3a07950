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
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/statetrace/services/ledgerlab/grading"
)

// OpenAIModel answers tasks through an OpenAI-compatible chat endpoint.
type OpenAIModel struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAIModel reads credentials from OPENAI_API_KEY (falling back to
// the mounted secret) and the model name from OPENAI_MODEL.
func NewOpenAIModel(logger *slog.Logger) (*OpenAIModel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		raw, err := os.ReadFile(secretPath)
		if err != nil {
			logger.Error("OPENAI_API_KEY not set and secret not found", "path", secretPath)
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
		apiKey = strings.TrimSpace(string(raw))
		logger.Info("read OpenAI API key from mounted secret")
	}
	model := os.Getenv("OPENAI_MODEL")
	if model == "" {
		model = "gpt-4o-mini"
		logger.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}
	cfg := openai.DefaultConfig(apiKey)
	if base := os.Getenv("OPENAI_BASE_URL"); base != "" {
		cfg.BaseURL = base
	}
	return &OpenAIModel{client: openai.NewClientWithConfig(cfg), model: model, logger: logger}, nil
}

// Name identifies the adapter in run metadata.
func (m *OpenAIModel) Name() string {
	return "openai/" + m.model
}

// Answer sends one task and parses the structured reply.
func (m *OpenAIModel) Answer(ctx context.Context, req Request) (*grading.Prediction, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:       m.model,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: BuildPrompt(req)},
		},
	}
	resp, err := m.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("chat completion for task %s: %w", req.Task.ID, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion for task %s returned no choices", req.Task.ID)
	}
	m.logger.Debug("model reply received",
		"task_id", req.Task.ID,
		"finish_reason", resp.Choices[0].FinishReason)
	return ParseReply(req.Task.ID, resp.Choices[0].Message.Content), nil
}
