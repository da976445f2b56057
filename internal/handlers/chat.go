package handlers

import (
	"context"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Koki-dec/PiChat/internal/models"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

type messageView struct {
	ID        string
	Role      string
	Content   template.HTML
	ImageURL  string
	Timestamp time.Time

	StreamingState string
}

// HandleChats processes prompt submissions through HTTP POST requests. It
// expects a "message" form field and an optional "image_request" flag.
//
// If no credential is configured, the submission is rejected before any state
// change and a prompt to configure the API key is rendered instead. Otherwise
// the user message is appended to the current conversation (creating one when
// the store is empty), and response generation runs asynchronously: image
// requests settle into exactly one assistant message, text requests stream
// fragments into a placeholder assistant message, one store write per
// fragment. Incremental updates reach the browser through SSE.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	prompt := r.FormValue("message")
	if prompt == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}
	imageRequest := r.FormValue("image_request") != ""

	if !m.completer.IsConfigured() {
		if err := m.templates.ExecuteTemplate(w, "config_notice", nil); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	if m.loading.Load() {
		http.Error(w, "A response is still in progress", http.StatusConflict)
		return
	}

	ctx := r.Context()
	settings := m.store.Settings(ctx)

	conv, ok := m.store.Current(ctx)
	if !ok {
		conv = m.store.CreateConversation(ctx, settings)
	}
	// History is the message list before this submission.
	history := conv.Messages

	contentType := models.ContentTypeText
	if imageRequest {
		contentType = models.ContentTypeImage
	}
	userMsg := models.Message{
		ID:          uuid.New().String(),
		Role:        models.RoleUser,
		Content:     prompt,
		ContentType: contentType,
		Timestamp:   time.Now(),
		Model:       settings.SelectedModel,
	}
	m.store.AppendMessage(ctx, userMsg)

	// The first message derives the conversation title.
	m.publishChats(conv.ID)

	m.loading.Store(true)

	var aiMsgID string
	if imageRequest {
		aiMsgID = uuid.New().String()
		go m.generateImage(aiMsgID, prompt)
	} else {
		placeholder := models.Message{
			ID:          uuid.New().String(),
			Role:        models.RoleAssistant,
			ContentType: models.ContentTypeText,
			Timestamp:   time.Now(),
			Model:       settings.SelectedModel,
			IsStreaming: true,
		}
		m.store.AppendMessage(ctx, placeholder)
		aiMsgID = placeholder.ID

		go m.streamResponse(placeholder.ID, models.GenerationRequest{
			Model:        settings.SelectedModel,
			Prompt:       prompt,
			History:      history,
			Temperature:  settings.Temperature,
			MaxTokens:    settings.MaxTokens,
			SystemPrompt: settings.SystemPrompt,
		})
	}

	err := m.templates.ExecuteTemplate(w, "user_message", messageView{
		ID:             userMsg.ID,
		Role:           string(userMsg.Role),
		Content:        m.renderMessageHTML(userMsg),
		Timestamp:      userMsg.Timestamp,
		StreamingState: "ended",
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	err = m.templates.ExecuteTemplate(w, "ai_message", messageView{
		ID:             aiMsgID,
		Role:           string(models.RoleAssistant),
		Timestamp:      time.Now(),
		StreamingState: "loading",
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// streamResponse drives the streaming sequence to completion, concatenating
// every yielded fragment into the placeholder message with one store write
// per fragment. A terminal error becomes part of the message content with an
// "Error: " prefix. The placeholder always settles with isStreaming false and
// the loading flag always clears, whichever exit path is taken.
func (m Main) streamResponse(msgID string, req models.GenerationRequest) {
	ctx := context.Background()

	defer m.loading.Store(false)
	defer func() {
		streaming := false
		m.store.UpdateMessage(ctx, msgID, models.MessageUpdate{IsStreaming: &streaming})

		e := &sse.Message{Type: sse.Type("closeMessage")}
		e.AppendData("bye")
		_ = m.sseSrv.Publish(e, messageIDTopic(msgID))
	}()

	var acc strings.Builder
	for fragment, err := range m.completer.GenerateStream(ctx, req) {
		if err != nil {
			m.logger.Error("Error from completion client", slog.String(errLoggerKey, err.Error()))
			if acc.Len() > 0 {
				acc.WriteString("\n\n")
			}
			acc.WriteString("Error: " + err.Error())
			content := acc.String()
			m.store.UpdateMessage(ctx, msgID, models.MessageUpdate{Content: &content})
			m.publishMessage(models.Message{ID: msgID, Content: content})
			return
		}

		acc.WriteString(fragment)
		content := acc.String()
		m.store.UpdateMessage(ctx, msgID, models.MessageUpdate{Content: &content})
		m.publishMessage(models.Message{ID: msgID, Content: content})
	}
}

// generateImage settles an image request into exactly one assistant message.
// The message's content type depends on whether the result carries an image
// reference; transport faults become a text message embedding the fault.
func (m Main) generateImage(msgID, prompt string) {
	ctx := context.Background()

	defer m.loading.Store(false)
	defer func() {
		e := &sse.Message{Type: sse.Type("closeMessage")}
		e.AppendData("bye")
		_ = m.sseSrv.Publish(e, messageIDTopic(msgID))
	}()

	aiMsg := models.Message{
		ID:          msgID,
		Role:        models.RoleAssistant,
		ContentType: models.ContentTypeText,
		Timestamp:   time.Now(),
		Model:       models.ModelGeminiImage,
	}

	res, err := m.completer.GenerateImage(ctx, prompt)
	if err != nil {
		m.logger.Error("Error from completion client", slog.String(errLoggerKey, err.Error()))
		aiMsg.Content = "Error: " + err.Error()
	} else {
		aiMsg.Content = res.Text
		if aiMsg.Content == "" {
			aiMsg.Content = prompt
		}
		if res.ImageURL != "" {
			aiMsg.ContentType = models.ContentTypeImage
			aiMsg.ImageURL = res.ImageURL
		}
	}

	m.store.AppendMessage(ctx, aiMsg)
	m.publishMessage(aiMsg)
}
