// Copyright (C) 2026 Taskweave Authors (oss@taskweave.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package capability

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/sashabaranov/go-openai"
)

// DefaultOpenAIModel is used when OPENAI_MODEL is not set.
const DefaultOpenAIModel = "gpt-4o-mini"

// OpenAIModel adapts the OpenAI chat completion API to the Model interface.
type OpenAIModel struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAIModel builds a client from OPENAI_API_KEY / OPENAI_MODEL.
func NewOpenAIModel(logger *slog.Logger) (*OpenAIModel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
	}
	model := os.Getenv("OPENAI_MODEL")
	if model == "" {
		model = DefaultOpenAIModel
		logger.Warn("OPENAI_MODEL not set, using default", slog.String("model", model))
	}
	return &OpenAIModel{
		client: openai.NewClient(apiKey),
		model:  model,
		logger: logger,
	}, nil
}

// Generate implements Model.
func (m *OpenAIModel) Generate(ctx context.Context, prompt string, cfg GenerateConfig) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: m.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if cfg.Temperature != 0 {
		req.Temperature = cfg.Temperature
	}
	if cfg.MaxTokens != 0 {
		req.MaxCompletionTokens = cfg.MaxTokens
	}
	if len(cfg.Stop) > 0 {
		req.Stop = cfg.Stop
	}

	resp, err := m.client.CreateChatCompletion(ctx, req)
	if err != nil {
		m.logger.Error("chat completion failed", slog.String("error", err.Error()))
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	m.logger.Debug("chat completion received",
		slog.String("finish_reason", string(resp.Choices[0].FinishReason)),
	)
	return resp.Choices[0].Message.Content, nil
}
