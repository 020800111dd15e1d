package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	maxRequestSize = 20 * 1024 * 1024 // JSON payload including base64 images
	maxImageSize   = 8 * 1024 * 1024  // per decoded image
)

// Feedback sends the prompt and images as one user turn and returns the first choice.
func (c *client) Feedback(parentCtx context.Context, req *FeedbackRequest) (*FeedbackResponse, error) {
	start := time.Now()

	if req == nil {
		return nil, fmt.Errorf("llmclient: request is nil")
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("llmclient: invalid request: %w", err)
	}
	for i, img := range req.Images {
		if len(img.Data) > maxImageSize {
			return nil, fmt.Errorf(
				"llmclient: images[%d] too large (%d bytes, max %d)",
				i, len(img.Data), maxImageSize,
			)
		}
	}

	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}

	c.logger.Debug("llm feedback request starting",
		zap.String("model", model),
		zap.Int("image_count", len(req.Images)),
	)

	var ctx context.Context
	var cancel context.CancelFunc
	if c.cfg.UpstreamTimeout > 0 {
		ctx, cancel = context.WithTimeout(parentCtx, c.cfg.UpstreamTimeout)
	} else {
		ctx, cancel = context.WithCancel(parentCtx)
	}
	defer cancel()

	bodyBytes, err := json.Marshal(buildProviderRequest(model, req))
	if err != nil {
		return nil, fmt.Errorf("llmclient: marshal request: %w", err)
	}
	if len(bodyBytes) > maxRequestSize {
		return nil, fmt.Errorf(
			"llmclient: request too large (%d bytes, max %d)",
			len(bodyBytes), maxRequestSize,
		)
	}

	url := c.cfg.BaseURL + "/v1/chat/completions"

	// doOnce builds a fresh *http.Request for each attempt
	doOnce := func(ctx context.Context, body []byte) (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("llmclient: build HTTP request: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		httpReq.Header.Set("Content-Type", "application/json")
		return c.httpClient.Do(httpReq)
	}

	resp, err := c.doWithRetry(ctx, bodyBytes, doOnce)
	if err != nil {
		c.logger.Error("llm feedback request failed",
			zap.Error(err),
			zap.Duration("duration", time.Since(start)),
		)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.upstreamError(resp)
	}

	var pResp providerChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&pResp); err != nil {
		return nil, fmt.Errorf("llmclient: decode upstream response: %w", err)
	}
	if len(pResp.Choices) == 0 {
		c.logger.Error("llm provider returned no choices", zap.String("model", model))
		return nil, fmt.Errorf("llmclient: provider returned no choices")
	}

	first := pResp.Choices[0]
	out := &FeedbackResponse{
		ID:           pResp.ID,
		Created:      time.Unix(pResp.Created, 0),
		Model:        pResp.Model,
		Text:         strings.TrimSpace(first.Message.Content),
		FinishReason: first.FinishReason,
	}
	if pResp.Usage != nil {
		out.Usage = Usage{
			PromptTokens:     pResp.Usage.PromptTokens,
			CompletionTokens: pResp.Usage.CompletionTokens,
			TotalTokens:      pResp.Usage.TotalTokens,
		}
	}

	c.logger.Info("llm feedback request completed",
		zap.String("model", out.Model),
		zap.Int("prompt_tokens", out.Usage.PromptTokens),
		zap.Int("completion_tokens", out.Usage.CompletionTokens),
		zap.Duration("duration", time.Since(start)),
	)

	return out, nil
}

func buildProviderRequest(model string, req *FeedbackRequest) providerChatRequest {
	parts := make([]providerContentPart, 0, len(req.Images)+1)
	parts = append(parts, providerContentPart{Type: "text", Text: req.Prompt})
	for _, img := range req.Images {
		parts = append(parts, providerContentPart{
			Type: "image_url",
			ImageURL: &providerImageURL{
				URL:    "data:" + img.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(img.Data),
				Detail: "auto",
			},
		})
	}

	var messages []providerMessage
	if req.SystemPrompt != "" {
		messages = append(messages, providerMessage{Role: roleSystem, Content: req.SystemPrompt})
	}
	messages = append(messages, providerMessage{Role: roleUser, Content: parts})

	return providerChatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
}

func (c *client) upstreamError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var perr providerErrorResponse
	if err := json.Unmarshal(body, &perr); err == nil && perr.Error.Message != "" {
		c.logger.Error("llm provider error",
			zap.Int("status", resp.StatusCode),
			zap.String("error_type", perr.Error.Type),
			zap.String("error_message", perr.Error.Message),
		)
		return fmt.Errorf("llmclient: upstream %d: %s (%s)",
			resp.StatusCode, perr.Error.Message, perr.Error.Type)
	}

	c.logger.Error("llm upstream error",
		zap.Int("status", resp.StatusCode),
		zap.String("body", truncate(string(body), 200)),
	)
	return fmt.Errorf("llmclient: upstream %d: %s",
		resp.StatusCode, truncate(string(body), 200))
}

// truncate limits string length for logging
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
