package models

import (
	"strings"
	"time"
)

// Role represents the author of a message.
type Role string

// ContentType represents the kind of payload a message carries.
type ContentType string

const (
	// RoleUser marks a message typed by the local user.
	RoleUser Role = "user"
	// RoleAssistant marks a message produced by the generation model.
	RoleAssistant Role = "assistant"
	// RoleSystem marks an instruction message; system messages are never sent
	// as conversation history.
	RoleSystem Role = "system"

	// ContentTypeText is plain (markdown) text content.
	ContentTypeText ContentType = "text"
	// ContentTypeImage is a generated image; Content doubles as the prompt
	// caption and ImageURL holds the rendered bytes.
	ContentTypeImage ContentType = "image"
)

// Message represents one turn in a conversation. ID is assigned once at
// creation; only Content and IsStreaming may change afterwards, and only
// while IsStreaming is true.
type Message struct {
	ID          string      `json:"id"`
	Role        Role        `json:"role"`
	Content     string      `json:"content"`
	ContentType ContentType `json:"contentType"`
	ImageURL    string      `json:"imageUrl,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
	Model       string      `json:"model,omitempty"`
	IsStreaming bool        `json:"isStreaming,omitempty"`
}

// MessageUpdate is a partial update applied to an existing message. Nil
// fields are left untouched.
type MessageUpdate struct {
	Content     *string
	ImageURL    *string
	IsStreaming *bool
}

// Apply merges the non-nil fields of the update into msg.
func (u MessageUpdate) Apply(msg *Message) {
	if u.Content != nil {
		msg.Content = *u.Content
	}
	if u.ImageURL != nil {
		msg.ImageURL = *u.ImageURL
	}
	if u.IsStreaming != nil {
		msg.IsStreaming = *u.IsStreaming
	}
}

// Conversation is an ordered sequence of messages plus metadata. Messages are
// only ever appended or cleared, never reordered.
type Conversation struct {
	ID        string       `json:"id"`
	Title     string       `json:"title"`
	Messages  []Message    `json:"messages"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
	Settings  ChatSettings `json:"settings"`
}

// ChatSettings is the process-wide generation configuration. A snapshot of it
// is frozen into every conversation at creation time.
type ChatSettings struct {
	APIKey        string  `json:"apiKey"`
	SelectedModel string  `json:"selectedModel"`
	Temperature   float64 `json:"temperature"`
	MaxTokens     int     `json:"maxTokens"`
	SystemPrompt  string  `json:"systemPrompt"`
}

// Supported generation models.
const (
	ModelGemini20FlashExp    = "gemini-2.0-flash-exp"
	ModelGemini15ProLatest   = "gemini-1.5-pro-latest"
	ModelGemini15FlashLatest = "gemini-1.5-flash-latest"
	ModelGemini15Flash8B     = "gemini-1.5-flash-8b-latest"

	// ModelGeminiImage is the image-capable model used by image requests.
	ModelGeminiImage = "gemini-2.5-flash-image"
)

// TextModels lists the selectable text generation models.
var TextModels = []string{
	ModelGemini20FlashExp,
	ModelGemini15ProLatest,
	ModelGemini15FlashLatest,
	ModelGemini15Flash8B,
}

// Settings bounds enforced on save.
const (
	MinTemperature = 0.0
	MaxTemperature = 2.0
	MinMaxTokens   = 512
	MaxMaxTokens   = 8192
)

// DefaultSettings returns the settings used before the user saves any.
func DefaultSettings() ChatSettings {
	return ChatSettings{
		SelectedModel: ModelGemini15FlashLatest,
		Temperature:   1.0,
		MaxTokens:     8192,
	}
}

// GenerationRequest is the input to a completion client call. History holds
// prior messages; the client decides which of them to transmit.
type GenerationRequest struct {
	Model        string
	Prompt       string
	History      []Message
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// GenerationResult is the settled outcome of a single-shot generation call.
// Remote-reported failures land in Error; they are not Go errors.
type GenerationResult struct {
	Text     string
	ImageURL string
	Error    string
}

const titleMaxLen = 30

// DeriveTitle builds a conversation title from the first user message:
// the trimmed content, truncated to 30 runes with an ellipsis marker.
func DeriveTitle(content string) string {
	trimmed := strings.TrimSpace(content)
	runes := []rune(trimmed)
	if len(runes) <= titleMaxLen {
		return trimmed
	}
	return string(runes[:titleMaxLen]) + "..."
}
