package handlers

import (
	"context"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Koki-dec/PiChat/internal/models"
	"github.com/Koki-dec/PiChat/internal/services"
)

type mockCompleter struct {
	configured bool
	apiKey     string

	result    models.GenerationResult
	resultErr error

	fragments []string
	streamErr error

	imageResult models.GenerationResult
	imageErr    error
}

func (c *mockCompleter) IsConfigured() bool { return c.configured }

func (c *mockCompleter) SetAPIKey(apiKey string) { c.apiKey = apiKey }

func (c *mockCompleter) Generate(context.Context, models.GenerationRequest) (models.GenerationResult, error) {
	return c.result, c.resultErr
}

func (c *mockCompleter) GenerateStream(context.Context, models.GenerationRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, fragment := range c.fragments {
			if !yield(fragment, nil) {
				return
			}
		}
		if c.streamErr != nil {
			yield("", c.streamErr)
		}
	}
}

func (c *mockCompleter) GenerateImage(context.Context, string) (models.GenerationResult, error) {
	return c.imageResult, c.imageErr
}

func newTestMain(t *testing.T, completer Completer) (Main, *services.BoltStore) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := services.NewBoltStore(filepath.Join(t.TempDir(), "store.db"), models.DefaultSettings(), logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	m, err := NewMain(completer, store, logger)
	if err != nil {
		t.Fatalf("NewMain() error = %v", err)
	}
	return m, store
}

func postForm(handler http.HandlerFunc, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestNewMain(t *testing.T) {
	m, _ := newTestMain(t, &mockCompleter{})

	if err := m.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestHandleChatsValidation(t *testing.T) {
	m, _ := newTestMain(t, &mockCompleter{configured: true})

	tests := []struct {
		name       string
		method     string
		message    string
		wantStatus int
	}{
		{
			name:       "invalid method",
			method:     http.MethodGet,
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "empty message",
			method:     http.MethodPost,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			form := strings.NewReader("message=" + tt.message)
			req := httptest.NewRequest(tt.method, "/chats", form)
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			w := httptest.NewRecorder()

			m.HandleChats(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleChats() status = %v, want %v", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestHandleChatsUnconfigured(t *testing.T) {
	m, store := newTestMain(t, &mockCompleter{configured: false})

	w := postForm(m.HandleChats, "/chats", url.Values{"message": {"hi"}})

	if w.Code != http.StatusOK {
		t.Errorf("HandleChats() status = %v, want %v", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "API key not configured") {
		t.Errorf("HandleChats() body = %q, want configuration prompt", w.Body.String())
	}
	// Rejection happens before any state change.
	if list := store.ListAll(context.Background()); len(list) != 0 {
		t.Errorf("ListAll() len = %d, want 0", len(list))
	}
	if m.loading.Load() {
		t.Error("loading = true after rejected submission")
	}
}

func TestHandleChatsTextFlow(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMain(t, &mockCompleter{configured: true, fragments: []string{"Hello"}})

	w := postForm(m.HandleChats, "/chats", url.Values{"message": {"hi"}})
	if w.Code != http.StatusOK {
		t.Fatalf("HandleChats() status = %v", w.Code)
	}

	waitFor(t, func() bool {
		conv, ok := store.Current(ctx)
		if !ok || len(conv.Messages) != 2 {
			return false
		}
		last := conv.Messages[1]
		return !last.IsStreaming && last.Content == "Hello" && !m.loading.Load()
	})

	conv, _ := store.Current(ctx)
	if conv.Messages[0].Role != models.RoleUser || conv.Messages[0].Content != "hi" {
		t.Errorf("messages[0] = %+v, want user hi", conv.Messages[0])
	}
	if conv.Messages[1].Role != models.RoleAssistant {
		t.Errorf("messages[1] role = %v, want assistant", conv.Messages[1].Role)
	}
	if conv.Title != "hi" {
		t.Errorf("title = %q, want hi", conv.Title)
	}
}

func TestStreamResponseAccumulation(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMain(t, &mockCompleter{configured: true, fragments: []string{"Hel", "lo, ", "world"}})

	store.CreateConversation(ctx, models.DefaultSettings())
	store.AppendMessage(ctx, models.Message{
		ID: "ai-1", Role: models.RoleAssistant, ContentType: models.ContentTypeText, IsStreaming: true,
	})

	m.loading.Store(true)
	m.streamResponse("ai-1", models.GenerationRequest{Prompt: "hi"})

	conv, _ := store.Current(ctx)
	msg := conv.Messages[0]
	if msg.Content != "Hello, world" {
		t.Errorf("content = %q, want %q", msg.Content, "Hello, world")
	}
	if msg.IsStreaming {
		t.Error("isStreaming = true after exhaustion")
	}
	if m.loading.Load() {
		t.Error("loading = true after settlement")
	}
}

func TestStreamResponseTerminalError(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMain(t, &mockCompleter{
		configured: true,
		fragments:  []string{"partial"},
		streamErr:  context.DeadlineExceeded,
	})

	store.CreateConversation(ctx, models.DefaultSettings())
	store.AppendMessage(ctx, models.Message{
		ID: "ai-1", Role: models.RoleAssistant, ContentType: models.ContentTypeText, IsStreaming: true,
	})

	m.loading.Store(true)
	m.streamResponse("ai-1", models.GenerationRequest{Prompt: "hi"})

	conv, _ := store.Current(ctx)
	msg := conv.Messages[0]
	if !strings.Contains(msg.Content, "partial") || !strings.Contains(msg.Content, "Error: ") {
		t.Errorf("content = %q, want accumulated text plus prefixed error", msg.Content)
	}
	if msg.IsStreaming {
		t.Error("isStreaming = true after terminal error")
	}
	if m.loading.Load() {
		t.Error("loading = true after terminal error")
	}
}

func TestGenerateImageNoInlineData(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMain(t, &mockCompleter{
		configured: true,
		imageResult: models.GenerationResult{
			Text:  `Image generation failed.` + "\n\n" + `Prompt: "a cat"`,
			Error: "no image data in response",
		},
	})

	store.CreateConversation(ctx, models.DefaultSettings())

	m.loading.Store(true)
	m.generateImage("ai-1", "a cat")

	conv, _ := store.Current(ctx)
	if len(conv.Messages) != 1 {
		t.Fatalf("messages = %d, want exactly one", len(conv.Messages))
	}
	msg := conv.Messages[0]
	if msg.ContentType != models.ContentTypeText {
		t.Errorf("contentType = %v, want text", msg.ContentType)
	}
	if msg.ImageURL != "" {
		t.Errorf("imageURL = %q, want empty", msg.ImageURL)
	}
	if !strings.Contains(msg.Content, "a cat") {
		t.Errorf("content = %q, want it to include the prompt", msg.Content)
	}
	if m.loading.Load() {
		t.Error("loading = true after settlement")
	}
}

func TestGenerateImageSuccess(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMain(t, &mockCompleter{
		configured: true,
		imageResult: models.GenerationResult{
			ImageURL: "data:image/png;base64,aGk=",
			Text:     "a red panda",
		},
	})

	store.CreateConversation(ctx, models.DefaultSettings())
	m.loading.Store(true)
	m.generateImage("ai-1", "a red panda")

	conv, _ := store.Current(ctx)
	msg := conv.Messages[0]
	if msg.ContentType != models.ContentTypeImage {
		t.Errorf("contentType = %v, want image", msg.ContentType)
	}
	if msg.ImageURL != "data:image/png;base64,aGk=" {
		t.Errorf("imageURL = %q", msg.ImageURL)
	}
	if msg.Content != "a red panda" {
		t.Errorf("content = %q, want the prompt caption", msg.Content)
	}
}

func TestHandleHome(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMain(t, &mockCompleter{configured: true})

	store.CreateConversation(ctx, models.DefaultSettings())
	store.AppendMessage(ctx, models.Message{
		ID: "1", Role: models.RoleUser, Content: "Hello there", ContentType: models.ContentTypeText,
	})
	other := store.CreateConversation(ctx, models.DefaultSettings())
	store.AppendMessage(ctx, models.Message{
		ID: "2", Role: models.RoleUser, Content: "Second conversation", ContentType: models.ContentTypeText,
	})

	tests := []struct {
		name     string
		url      string
		wantBody string
	}{
		{
			name:     "current conversation rendered",
			url:      "/",
			wantBody: "Second conversation",
		},
		{
			name:     "chat_id switches current",
			url:      "/?chat_id=" + firstConversationID(t, store, other.ID),
			wantBody: "Hello there",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			w := httptest.NewRecorder()

			m.HandleHome(w, req)

			if w.Code != http.StatusOK {
				t.Errorf("HandleHome() status = %v", w.Code)
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("HandleHome() body does not contain %q", tt.wantBody)
			}
		})
	}
}

func firstConversationID(t *testing.T, store *services.BoltStore, excludeID string) string {
	t.Helper()
	for _, conv := range store.ListAll(context.Background()) {
		if conv.ID != excludeID {
			return conv.ID
		}
	}
	t.Fatal("no other conversation found")
	return ""
}

func TestHandleSettings(t *testing.T) {
	tests := []struct {
		name       string
		form       url.Values
		wantStatus int
	}{
		{
			name: "valid settings saved",
			form: url.Values{
				"api_key":       {"new-key"},
				"model":         {models.ModelGemini15ProLatest},
				"temperature":   {"0.7"},
				"max_tokens":    {"4096"},
				"system_prompt": {"be brief"},
			},
			wantStatus: http.StatusSeeOther,
		},
		{
			name: "unknown model rejected",
			form: url.Values{
				"api_key":     {"k"},
				"model":       {"gpt-4"},
				"temperature": {"1.0"},
				"max_tokens":  {"4096"},
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "temperature out of bounds",
			form: url.Values{
				"api_key":     {"k"},
				"model":       {models.ModelGemini15FlashLatest},
				"temperature": {"2.5"},
				"max_tokens":  {"4096"},
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "max tokens out of bounds",
			form: url.Values{
				"api_key":     {"k"},
				"model":       {models.ModelGemini15FlashLatest},
				"temperature": {"1.0"},
				"max_tokens":  {"100"},
			},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			completer := &mockCompleter{configured: true}
			m, store := newTestMain(t, completer)

			w := postForm(m.HandleSettings, "/settings", tt.form)

			if w.Code != tt.wantStatus {
				t.Fatalf("HandleSettings() status = %v, want %v", w.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusSeeOther {
				return
			}

			settings := store.Settings(context.Background())
			if settings.APIKey != "new-key" || settings.SelectedModel != models.ModelGemini15ProLatest {
				t.Errorf("Settings() = %+v", settings)
			}
			if settings.Temperature != 0.7 || settings.MaxTokens != 4096 || settings.SystemPrompt != "be brief" {
				t.Errorf("Settings() = %+v", settings)
			}
			if completer.apiKey != "new-key" {
				t.Errorf("completer key = %q, want new-key", completer.apiKey)
			}
		})
	}
}

func TestHandleNewChat(t *testing.T) {
	m, store := newTestMain(t, &mockCompleter{configured: true})

	w := postForm(m.HandleNewChat, "/chats/new", url.Values{})

	if w.Code != http.StatusSeeOther {
		t.Errorf("HandleNewChat() status = %v", w.Code)
	}
	if list := store.ListAll(context.Background()); len(list) != 1 {
		t.Errorf("ListAll() len = %d, want 1", len(list))
	}
}

func TestHandleDeleteChat(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMain(t, &mockCompleter{configured: true})
	conv := store.CreateConversation(ctx, models.DefaultSettings())

	w := postForm(m.HandleDeleteChat, "/chats/delete", url.Values{"chat_id": {conv.ID}})

	if w.Code != http.StatusSeeOther {
		t.Errorf("HandleDeleteChat() status = %v", w.Code)
	}
	if list := store.ListAll(ctx); len(list) != 0 {
		t.Errorf("ListAll() len = %d, want 0", len(list))
	}
}

func TestHandleClearChat(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMain(t, &mockCompleter{configured: true})
	store.CreateConversation(ctx, models.DefaultSettings())
	store.AppendMessage(ctx, models.Message{
		ID: "1", Role: models.RoleUser, Content: "hi", ContentType: models.ContentTypeText,
	})

	w := postForm(m.HandleClearChat, "/chats/clear", url.Values{})

	if w.Code != http.StatusSeeOther {
		t.Errorf("HandleClearChat() status = %v", w.Code)
	}
	conv, ok := store.Current(ctx)
	if !ok || len(conv.Messages) != 0 {
		t.Errorf("Current() = %v messages, want cleared conversation", len(conv.Messages))
	}
}

func TestHandleExportImport(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMain(t, &mockCompleter{configured: true})
	conv := store.CreateConversation(ctx, models.DefaultSettings())
	store.AppendMessage(ctx, models.Message{
		ID: "1", Role: models.RoleUser, Content: "portable", ContentType: models.ContentTypeText,
	})

	req := httptest.NewRequest(http.MethodGet, "/chats/export?chat_id="+conv.ID, nil)
	w := httptest.NewRecorder()
	m.HandleExportChat(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("HandleExportChat() status = %v", w.Code)
	}
	exported := w.Body.String()
	if !strings.Contains(exported, "portable") {
		t.Fatalf("export body = %q", exported)
	}

	w2 := postForm(m.HandleImportChat, "/chats/import", url.Values{"data": {exported}})
	if w2.Code != http.StatusSeeOther {
		t.Fatalf("HandleImportChat() status = %v", w2.Code)
	}

	list := store.ListAll(ctx)
	if len(list) != 2 {
		t.Fatalf("ListAll() len = %d, want 2", len(list))
	}
	current, _ := store.Current(ctx)
	if current.ID == conv.ID {
		t.Error("imported conversation should be current with a fresh id")
	}
	if current.Messages[0].Content != "portable" {
		t.Errorf("imported message = %q", current.Messages[0].Content)
	}
}
