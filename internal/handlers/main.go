package handlers

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"iter"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	pichat "github.com/Koki-dec/PiChat"
	"github.com/Koki-dec/PiChat/internal/models"
	"github.com/tmaxmax/go-sse"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
)

// Completer represents the generation client. Generate waits for a full
// response, GenerateStream returns a finite pull sequence of text fragments
// with a typed terminal error, and GenerateImage produces an inline-data
// image. Remote-reported failures are normalized into the result's Error
// field; only transport faults are returned as Go errors.
type Completer interface {
	IsConfigured() bool
	SetAPIKey(apiKey string)
	Generate(ctx context.Context, req models.GenerationRequest) (models.GenerationResult, error)
	GenerateStream(ctx context.Context, req models.GenerationRequest) iter.Seq2[string, error]
	GenerateImage(ctx context.Context, prompt string) (models.GenerationResult, error)
}

// Store defines the persistence layer for conversations and settings. It
// owns the conversation list and the current-conversation pointer; its
// operations never fail past construction.
type Store interface {
	CreateConversation(ctx context.Context, settings models.ChatSettings) models.Conversation
	Current(ctx context.Context) (models.Conversation, bool)
	SwitchCurrent(ctx context.Context, id string) (models.Conversation, bool)
	AppendMessage(ctx context.Context, msg models.Message)
	UpdateMessage(ctx context.Context, id string, update models.MessageUpdate)
	DeleteConversation(ctx context.Context, id string)
	ListAll(ctx context.Context) []models.Conversation
	ClearCurrent(ctx context.Context)
	RenameConversation(ctx context.Context, id, title string)
	Export(ctx context.Context, id string) (string, bool)
	Import(ctx context.Context, data string) (models.Conversation, bool)
	Settings(ctx context.Context) models.ChatSettings
	SaveSettings(ctx context.Context, settings models.ChatSettings)
}

// Main handles the core functionality of the chat application, tying the
// completion client and the conversation store together and pushing
// incremental updates to the browser over server-sent events.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template
	md        goldmark.Markdown

	completer Completer
	store     Store

	// loading is true from submit until branch settlement; it guards against
	// concurrent submissions while a response is outstanding.
	loading *atomic.Bool

	logger *slog.Logger
}

// SSE event types for real-time updates.
var (
	chatsSSEType    = sse.Type("chats")
	messagesSSEType = sse.Type("messages")
)

const (
	chatsSSETopic = "chats"

	errLoggerKey = "err"
)

// NewMain creates a new Main instance with the provided Completer and Store
// implementations. It parses the embedded HTML templates and configures the
// SSE server so that clients subscribe to the chat-list topic by default and
// to a message-specific topic when they request one.
func NewMain(completer Completer, store Store, logger *slog.Logger) (Main, error) {
	tmpl, err := template.ParseFS(
		pichat.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}

	return Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				topics := []string{sse.DefaultTopic, chatsSSETopic}

				messageID := s.Req.URL.Query().Get("message_id")
				if messageID != "" {
					topics = append(topics, messageIDTopic(messageID))
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		templates: tmpl,
		md: goldmark.New(
			goldmark.WithExtensions(
				highlighting.NewHighlighting(highlighting.WithStyle("monokai")),
			),
		),
		completer: completer,
		store:     store,
		loading:   &atomic.Bool{},
		logger:    logger.With(slog.String("module", "handlers")),
	}, nil
}

func messageIDTopic(messageID string) string {
	return fmt.Sprintf("message-%s", messageID)
}

// HandleSSE serves the event stream endpoints.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// renderMessageHTML converts a message body into the HTML pushed to the
// browser. Markdown conversion failures fall back to escaped plain text.
func (m Main) renderMessageHTML(msg models.Message) template.HTML {
	var sb bytes.Buffer
	if msg.ImageURL != "" {
		fmt.Fprintf(&sb, `<img src=%q alt=%q class="generated-image">`, msg.ImageURL, msg.Content)
	}
	var body bytes.Buffer
	if err := m.md.Convert([]byte(msg.Content), &body); err != nil {
		m.logger.Error("Failed to render markdown", slog.String(errLoggerKey, err.Error()))
		sb.WriteString("<p>" + template.HTMLEscapeString(msg.Content) + "</p>")
	} else {
		sb.Write(body.Bytes())
	}
	return template.HTML(sb.String())
}

// publishMessage pushes the rendered content of a message to its topic.
func (m Main) publishMessage(msg models.Message) {
	e := sse.Message{Type: messagesSSEType}
	e.AppendData(string(m.renderMessageHTML(msg)))
	if err := m.sseSrv.Publish(&e, messageIDTopic(msg.ID)); err != nil {
		m.logger.Error("Failed to publish message",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
	}
}

// publishChats pushes the re-rendered conversation list to all clients.
func (m Main) publishChats(activeID string) {
	divs, err := m.chatDivs(activeID)
	if err != nil {
		m.logger.Error("Failed to generate chat divs", slog.String(errLoggerKey, err.Error()))
		return
	}

	e := sse.Message{Type: chatsSSEType}
	e.AppendData(divs)
	if err := m.sseSrv.Publish(&e, chatsSSETopic); err != nil {
		m.logger.Error("Failed to publish chats", slog.String(errLoggerKey, err.Error()))
	}
}

type chatView struct {
	ID    string
	Title string

	Active bool
}

func (m Main) chatDivs(activeID string) (string, error) {
	chats := m.store.ListAll(context.Background())

	var sb bytes.Buffer
	for _, ch := range chats {
		err := m.templates.ExecuteTemplate(&sb, "chat_title", chatView{
			ID:     ch.ID,
			Title:  ch.Title,
			Active: ch.ID == activeID,
		})
		if err != nil {
			return "", fmt.Errorf("failed to execute chat_title template: %w", err)
		}
	}
	return sb.String(), nil
}

// Shutdown gracefully terminates the SSE server. It broadcasts a close
// message to all connected clients and waits up to 5 seconds for connections
// to terminate before forcing them closed.
func (m Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("closeChat")}
	// The SSE spec requires data on every event.
	e.AppendData("bye")

	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
