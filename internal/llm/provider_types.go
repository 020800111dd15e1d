package llm

const (
	roleSystem = "system"
	roleUser   = "user"
)

// Request shape we send upstream (OpenAI-style chat with image parts).
type providerChatRequest struct {
	Model       string            `json:"model"`
	Messages    []providerMessage `json:"messages"`
	Temperature float32           `json:"temperature,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
}

// Content is a plain string for system messages and a part list for user ones.
type providerMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type providerContentPart struct {
	Type     string            `json:"type"` // text | image_url
	Text     string            `json:"text,omitempty"`
	ImageURL *providerImageURL `json:"image_url,omitempty"`
}

type providerImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type providerChatChoice struct {
	Index   int `json:"index"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason,omitempty"`
}

type providerUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type providerChatResponse struct {
	ID      string               `json:"id"`
	Object  string               `json:"object"`
	Created int64                `json:"created"`
	Model   string               `json:"model"`
	Choices []providerChatChoice `json:"choices"`
	Usage   *providerUsage       `json:"usage,omitempty"`
}

type providerErrorResponse struct {
	Error struct {
		Message string      `json:"message"`
		Type    string      `json:"type"`
		Code    interface{} `json:"code"`
	} `json:"error"`
}
