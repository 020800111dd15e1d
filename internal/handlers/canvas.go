package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"canvascache/internal/cache"
	"canvascache/internal/canvas"
	"canvascache/internal/imageproc"
	"canvascache/internal/llm"
	"canvascache/pkg/logging/logging"
)

const (
	defaultUploadBytes    = 10 << 20
	defaultSystemPrompt   = "You are a patient math tutor. Look at the student's handwritten work and give short, specific feedback on the latest step."
	feedbackCompletionCap = 400
)

// CanvasHandler serves the image upload endpoints.
type CanvasHandler struct {
	Processor      *canvas.Processor
	Cache          *cache.ChangeCache
	LLM            llm.Client
	MaxUploadBytes int64
	SystemPrompt   string
}

// NewCanvasHandler wires the handler. client may be nil, in which case the
// feedback endpoint answers 503.
func NewCanvasHandler(p *canvas.Processor, cc *cache.ChangeCache, client llm.Client, maxUploadBytes int64) *CanvasHandler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultUploadBytes
	}
	return &CanvasHandler{
		Processor:      p,
		Cache:          cc,
		LLM:            client,
		MaxUploadBytes: maxUploadBytes,
		SystemPrompt:   defaultSystemPrompt,
	}
}

type checkResponse struct {
	*canvas.Result
	// Image is the optimized JPEG, base64 encoded, when include_image=true.
	Image string `json:"image,omitempty"`
}

// Check handles POST /v1/images/check.
func (h *CanvasHandler) Check(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	up, err := parseUpload(r, h.MaxUploadBytes)
	if err != nil {
		logging.L(ctx).Warn("invalid upload", zap.Error(err))
		uploadError(w, err)
		return
	}

	res, ok := h.process(ctx, w, up)
	if !ok {
		return
	}

	resp := checkResponse{Result: res}
	if res.Optimization != nil && formBool(r, "include_image") {
		resp.Image = base64.StdEncoding.EncodeToString(res.Optimization.Buffer)
	}

	logging.L(ctx).Info("change_check",
		zap.String("identity", up.key.String()),
		zap.Bool("has_changed", res.HasChanged),
		zap.Int("tokens_charged", res.TokensCharged),
		zap.Duration("total_latency_ms", time.Since(start)),
	)
	writeJSON(w, http.StatusOK, resp)
}

type feedbackResponse struct {
	HasChanged    bool      `json:"has_changed"`
	Similarity    float64   `json:"similarity"`
	FromCache     bool      `json:"from_cache"`
	Feedback      string    `json:"feedback,omitempty"`
	Model         string    `json:"model,omitempty"`
	TokensCharged int       `json:"tokens_charged"`
	Usage         llm.Usage `json:"usage"`
}

// Feedback handles POST /v1/images/feedback. The model is only called when
// the upload changed; an unchanged upload costs nothing.
func (h *CanvasHandler) Feedback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)
	start := time.Now()

	if h.LLM == nil {
		writeError(w, http.StatusServiceUnavailable, "feedback_unavailable", "no model is configured")
		return
	}

	up, err := parseUpload(r, h.MaxUploadBytes)
	if err != nil {
		logger.Warn("invalid upload", zap.Error(err))
		uploadError(w, err)
		return
	}
	prompt := strings.TrimSpace(r.FormValue("prompt"))
	if prompt == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "prompt is required")
		return
	}

	res, ok := h.process(ctx, w, up)
	if !ok {
		return
	}
	if !res.HasChanged {
		logger.Info("feedback_skipped",
			zap.String("identity", up.key.String()),
			zap.Float64("similarity", res.Similarity),
		)
		writeJSON(w, http.StatusOK, feedbackResponse{
			HasChanged: false,
			Similarity: res.Similarity,
			FromCache:  true,
		})
		return
	}

	llmStart := time.Now()
	out, err := h.LLM.Feedback(ctx, &llm.FeedbackRequest{
		SystemPrompt: h.SystemPrompt,
		Prompt:       prompt,
		Images: []llm.Image{{
			MIMEType: res.Optimization.MIMEType,
			Data:     res.Optimization.Buffer,
		}},
		MaxTokens: feedbackCompletionCap,
	})
	if err != nil {
		// Forget the upload so a retry is not mistaken for a duplicate.
		if evictErr := h.Cache.Evict(context.WithoutCancel(ctx), up.key); evictErr != nil {
			logger.Warn("change_cache_evict_error", zap.Error(evictErr))
		}
		logger.Error("feedback_failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "upstream_error", "feedback request failed")
		return
	}

	logger.Info("feedback_completed",
		zap.String("identity", up.key.String()),
		zap.String("model", out.Model),
		zap.Int("tokens_charged", res.TokensCharged),
		zap.Int("prompt_tokens", out.Usage.PromptTokens),
		zap.Duration("llm_latency_ms", time.Since(llmStart)),
		zap.Duration("total_latency_ms", time.Since(start)),
	)
	writeJSON(w, http.StatusOK, feedbackResponse{
		HasChanged:    true,
		Similarity:    res.Similarity,
		Feedback:      out.Text,
		Model:         out.Model,
		TokensCharged: res.TokensCharged,
		Usage:         out.Usage,
	})
}

type similarResponse struct {
	Matches []cache.Match `json:"matches"`
}

// Similar handles POST /v1/images/similar.
func (h *CanvasHandler) Similar(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	data, err := readImage(r, h.MaxUploadBytes)
	if err != nil {
		uploadError(w, err)
		return
	}
	threshold, err := formFloat(r, "threshold")
	if err != nil {
		uploadError(w, err)
		return
	}
	limit, err := formInt(r, "limit")
	if err != nil {
		uploadError(w, err)
		return
	}

	matches, err := h.Cache.FindSimilar(ctx, data, threshold, limit)
	if err != nil {
		if imageproc.IsDecodeError(err) {
			writeError(w, http.StatusBadRequest, "invalid_image", err.Error())
			return
		}
		logging.L(ctx).Error("find_similar_failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	if matches == nil {
		matches = []cache.Match{}
	}
	writeJSON(w, http.StatusOK, similarResponse{Matches: matches})
}

// process runs the change check and writes the error response on failure.
func (h *CanvasHandler) process(ctx context.Context, w http.ResponseWriter, up upload) (*canvas.Result, bool) {
	res, err := h.Processor.CheckAndOptimize(ctx, up.data, up.key, up.opts)
	switch {
	case err == nil:
		return res, true
	case imageproc.IsDecodeError(err):
		logging.L(ctx).Warn("invalid image", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid_image", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", "processing timed out")
	default:
		logging.L(ctx).Error("check_and_optimize_failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "")
	}
	return nil, false
}

func formBool(r *http.Request, name string) bool {
	b, _ := strconv.ParseBool(r.FormValue(name))
	return b
}
