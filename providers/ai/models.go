package ai

// MessageRole represents the role of a message; compatible with string
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is a single message in a conversation.
type Message struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

// GenerationConfig holds sampling parameters. Nil or zero fields use the
// provider's defaults.
type GenerationConfig struct {
	Temperature *float64 `json:"temperature,omitempty"` // Sampling temperature [0..2]
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

// ChatRequest is a provider-agnostic chat completion request.
type ChatRequest struct {
	Model            string            `json:"model,omitempty"`
	SystemPrompt     string            `json:"system_prompt,omitempty"`
	Messages         []Message         `json:"messages"`
	GenerationConfig *GenerationConfig `json:"generation_config,omitempty"`
}

// Usage reports token consumption for one request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// Add returns the element-wise sum of two usages. A nil operand counts as zero.
func (u *Usage) Add(other *Usage) *Usage {
	if u == nil && other == nil {
		return nil
	}
	sum := &Usage{}
	for _, part := range []*Usage{u, other} {
		if part == nil {
			continue
		}
		sum.PromptTokens += part.PromptTokens
		sum.CompletionTokens += part.CompletionTokens
		sum.TotalTokens += part.TotalTokens
	}
	return sum
}

// ChatResponse is a completed chat response.
type ChatResponse struct {
	ID           string `json:"id,omitempty"`
	Model        string `json:"model,omitempty"`
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
}
