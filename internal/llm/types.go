package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Image is one picture attached to a feedback request.
type Image struct {
	MIMEType string
	Data     []byte
}

// FeedbackRequest asks the model to comment on one or more canvas images.
type FeedbackRequest struct {
	Model        string
	SystemPrompt string
	Prompt       string
	Images       []Image
	MaxTokens    int
	Temperature  float32
}

func (r *FeedbackRequest) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return errors.New("prompt is required")
	}
	if len(r.Images) == 0 {
		return errors.New("at least one image is required")
	}
	for i, img := range r.Images {
		if len(img.Data) == 0 {
			return fmt.Errorf("images[%d] is empty", i)
		}
		if !strings.HasPrefix(img.MIMEType, "image/") {
			return fmt.Errorf("images[%d] has non-image type %q", i, img.MIMEType)
		}
	}
	if r.Temperature < 0 || r.Temperature > 2 {
		return errors.New("temperature must be between 0 and 2")
	}
	return nil
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type FeedbackResponse struct {
	ID           string    `json:"id,omitempty"`
	Created      time.Time `json:"created,omitempty"`
	Model        string    `json:"model,omitempty"`
	Text         string    `json:"text"`
	FinishReason string    `json:"finish_reason,omitempty"`
	Usage        Usage     `json:"usage"`
}

// Client is the opaque image+prompt -> text call.
type Client interface {
	Feedback(ctx context.Context, req *FeedbackRequest) (*FeedbackResponse, error)
}
