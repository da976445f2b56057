package handlers

import (
	"net/http"

	"github.com/Koki-dec/PiChat/internal/models"
)

type homePageData struct {
	Chats         []chatView
	CurrentChatID string
	Messages      []messageView

	Settings   models.ChatSettings
	TextModels []string
	Configured bool
}

// HandleHome renders the conversation view. A chat_id query parameter
// switches the current conversation before rendering; unknown ids are
// ignored and the prior current conversation stays displayed.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if chatID := r.URL.Query().Get("chat_id"); chatID != "" {
		m.store.SwitchCurrent(ctx, chatID)
	}

	conv, ok := m.store.Current(ctx)

	var msgs []messageView
	if ok {
		msgs = make([]messageView, len(conv.Messages))
		for i, msg := range conv.Messages {
			streamingState := "ended"
			if msg.IsStreaming {
				streamingState = "streaming"
				if msg.Content == "" {
					streamingState = "loading"
				}
			}
			msgs[i] = messageView{
				ID:             msg.ID,
				Role:           string(msg.Role),
				Content:        m.renderMessageHTML(msg),
				ImageURL:       msg.ImageURL,
				Timestamp:      msg.Timestamp,
				StreamingState: streamingState,
			}
		}
	}

	chats := m.store.ListAll(ctx)
	chatViews := make([]chatView, len(chats))
	for i, ch := range chats {
		chatViews[i] = chatView{
			ID:     ch.ID,
			Title:  ch.Title,
			Active: ch.ID == conv.ID,
		}
	}

	data := homePageData{
		Chats:         chatViews,
		CurrentChatID: conv.ID,
		Messages:      msgs,
		Settings:      m.store.Settings(ctx),
		TextModels:    models.TextModels,
		Configured:    m.completer.IsConfigured(),
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
