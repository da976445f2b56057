package services

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/Koki-dec/PiChat/internal/models"
)

// Gemini provides a client for Google's generative language API. It implements
// the Completer interface consumed by the handlers, exposing single-shot,
// streaming, and image generation calls. The API key is the only mutable
// state and may be replaced at runtime through SetAPIKey.
type Gemini struct {
	baseURL string
	client  *http.Client

	mu     sync.RWMutex
	apiKey string

	logger *slog.Logger
}

// ErrNotConfigured is yielded by GenerateStream when no API key is set.
var ErrNotConfigured = errors.New("API key not configured")

const (
	geminiAPIEndpoint = "https://generativelanguage.googleapis.com/v1beta"

	// historyLimit caps how many prior messages are transmitted per request.
	historyLimit = 20

	errNotConfigured = "API key not configured"
)

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type geminiChatRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

type geminiError struct {
	Error struct {
		Code    int    `json:"code"`
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewGemini creates a new Gemini client with the given API key, which may be
// empty until the user configures one. The baseURL parameter overrides the
// production endpoint and exists for tests; pass an empty string otherwise.
func NewGemini(apiKey, baseURL string, logger *slog.Logger) *Gemini {
	if baseURL == "" {
		baseURL = geminiAPIEndpoint
	}
	return &Gemini{
		baseURL: baseURL,
		client:  &http.Client{},
		apiKey:  apiKey,
		logger:  logger.With(slog.String("module", "gemini")),
	}
}

// SetAPIKey replaces the credential used for subsequent requests.
func (g *Gemini) SetAPIKey(apiKey string) {
	g.mu.Lock()
	g.apiKey = apiKey
	g.mu.Unlock()
}

// IsConfigured reports whether a non-empty API key is set.
func (g *Gemini) IsConfigured() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.apiKey != ""
}

func (g *Gemini) key() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.apiKey
}

// buildHistory maps prior conversation messages onto wire contents. System
// messages and non-text messages are excluded, only the most recent
// historyLimit entries are kept, and every non-user role becomes "model".
func buildHistory(messages []models.Message) []geminiContent {
	recent := make([]models.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == models.RoleSystem || msg.ContentType != models.ContentTypeText {
			continue
		}
		recent = append(recent, msg)
	}
	if len(recent) > historyLimit {
		recent = recent[len(recent)-historyLimit:]
	}

	contents := make([]geminiContent, len(recent))
	for i, msg := range recent {
		role := "model"
		if msg.Role == models.RoleUser {
			role = "user"
		}
		contents[i] = geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: msg.Content}},
		}
	}
	return contents
}

func chatRequestBody(req models.GenerationRequest) ([]byte, error) {
	contents := buildHistory(req.History)
	contents = append(contents, geminiContent{
		Role:  "user",
		Parts: []geminiPart{{Text: req.Prompt}},
	})

	body := geminiChatRequest{
		Contents: contents,
		GenerationConfig: &geminiGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		},
	}
	return json.Marshal(body)
}

func (g *Gemini) post(ctx context.Context, model, method string, body []byte) (*http.Response, error) {
	url := fmt.Sprintf("%s/models/%s:%s?key=%s", g.baseURL, model, method, g.key())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return g.client.Do(req)
}

// remoteError extracts a human-readable message from a non-2xx response body.
func remoteError(body []byte) string {
	var e geminiError
	if err := json.Unmarshal(body, &e); err == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return "API request failed"
}

// Generate sends a single non-streaming request and waits for the full
// response. Remote-reported failures are normalized into the result's Error
// field; only transport-level faults are returned as Go errors.
func (g *Gemini) Generate(ctx context.Context, req models.GenerationRequest) (models.GenerationResult, error) {
	if !g.IsConfigured() {
		return models.GenerationResult{Error: errNotConfigured}, nil
	}

	body, err := chatRequestBody(req)
	if err != nil {
		return models.GenerationResult{}, fmt.Errorf("error marshaling request: %w", err)
	}

	resp, err := g.post(ctx, req.Model, "generateContent", body)
	if err != nil {
		return models.GenerationResult{}, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return models.GenerationResult{Error: remoteError(respBody)}, nil
	}

	var res geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return models.GenerationResult{Error: "API request failed"}, nil
	}

	if len(res.Candidates) > 0 && len(res.Candidates[0].Content.Parts) > 0 {
		if text := res.Candidates[0].Content.Parts[0].Text; text != "" {
			return models.GenerationResult{Text: text}, nil
		}
	}
	return models.GenerationResult{Error: "no response from API"}, nil
}

// GenerateStream streams a response as a finite, non-restartable sequence of
// text fragments. The wire format is a top-level JSON array emitted
// incrementally, one (possibly comma-suffixed) response object per line;
// partial lines are buffered across reads and malformed lines are skipped.
// Failures surface as a typed terminal error through the iterator's error
// position; a canceled context ends the sequence silently.
func (g *Gemini) GenerateStream(ctx context.Context, req models.GenerationRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if !g.IsConfigured() {
			yield("", ErrNotConfigured)
			return
		}

		body, err := chatRequestBody(req)
		if err != nil {
			yield("", fmt.Errorf("error marshaling request: %w", err))
			return
		}

		resp, err := g.post(ctx, req.Model, "streamGenerateContent", body)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			yield("", fmt.Errorf("unexpected status code: %d, message: %s", resp.StatusCode, remoteError(respBody)))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || line == "[" || line == "]" {
				continue
			}
			line = strings.TrimSuffix(line, ",")

			var res geminiResponse
			if err := json.Unmarshal([]byte(line), &res); err != nil {
				g.logger.Debug("Skipping malformed stream line", slog.String("line", line))
				continue
			}

			if len(res.Candidates) == 0 {
				continue
			}
			for _, part := range res.Candidates[0].Content.Parts {
				if part.Text == "" {
					continue
				}
				if !yield(part.Text, nil) {
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", fmt.Errorf("error reading response: %w", err))
		}
	}
}

// GenerateImage sends a single request to the image-capable model and builds
// a data URI from the first inline-data part of the response. A response
// without inline data is a normal failure reported through the result's
// Error field, with the original prompt echoed in Text.
func (g *Gemini) GenerateImage(ctx context.Context, prompt string) (models.GenerationResult, error) {
	if !g.IsConfigured() {
		return models.GenerationResult{Error: errNotConfigured}, nil
	}

	body, err := json.Marshal(geminiChatRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: prompt}}}},
	})
	if err != nil {
		return models.GenerationResult{}, fmt.Errorf("error marshaling request: %w", err)
	}

	resp, err := g.post(ctx, models.ModelGeminiImage, "generateContent", body)
	if err != nil {
		return models.GenerationResult{}, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return models.GenerationResult{
			Text:  fmt.Sprintf("Image generation failed.\n\nPrompt: %q\n\nError: %s", prompt, remoteError(respBody)),
			Error: "image generation failed",
		}, nil
	}

	var res geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return models.GenerationResult{
			Text:  fmt.Sprintf("Image generation failed.\n\nPrompt: %q", prompt),
			Error: "image generation failed",
		}, nil
	}

	if len(res.Candidates) > 0 {
		for _, part := range res.Candidates[0].Content.Parts {
			if part.InlineData == nil || part.InlineData.Data == "" {
				continue
			}
			imageURL := fmt.Sprintf("data:%s;base64,%s", part.InlineData.MimeType, part.InlineData.Data)
			return models.GenerationResult{ImageURL: imageURL, Text: prompt}, nil
		}
	}

	return models.GenerationResult{
		Text:  fmt.Sprintf("Image generation failed.\n\nPrompt: %q", prompt),
		Error: "no image data in response",
	}, nil
}
