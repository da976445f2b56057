package handlers

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// HandleNewChat creates a fresh conversation with a snapshot of the current
// settings and makes it current.
func (m Main) HandleNewChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	conv := m.store.CreateConversation(ctx, m.store.Settings(ctx))
	m.publishChats(conv.ID)

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// HandleDeleteChat removes the conversation named by the chat_id form field.
func (m Main) HandleDeleteChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	chatID := r.FormValue("chat_id")
	if chatID == "" {
		http.Error(w, "chat_id is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	m.store.DeleteConversation(ctx, chatID)

	activeID := ""
	if conv, ok := m.store.Current(ctx); ok {
		activeID = conv.ID
	}
	m.publishChats(activeID)

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// HandleClearChat empties the current conversation's message list without
// deleting the conversation.
func (m Main) HandleClearChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	m.store.ClearCurrent(r.Context())
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// HandleRenameChat sets a user-chosen title on a conversation.
func (m Main) HandleRenameChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	chatID := r.FormValue("chat_id")
	title := r.FormValue("title")
	if chatID == "" || title == "" {
		http.Error(w, "chat_id and title are required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	m.store.RenameConversation(ctx, chatID, title)
	m.publishChats(chatID)

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// HandleExportChat serves a single conversation as a JSON download.
func (m Main) HandleExportChat(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		http.Error(w, "chat_id is required", http.StatusBadRequest)
		return
	}

	data, ok := m.store.Export(r.Context(), chatID)
	if !ok {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "conversation-"+chatID+".json"))
	if _, err := io.WriteString(w, data); err != nil {
		m.logger.Error("Failed to write export", slog.String(errLoggerKey, err.Error()))
	}
}

// HandleImportChat ingests a previously exported conversation from the
// "data" form field. The import receives a fresh id and timestamps and
// becomes the current conversation.
func (m Main) HandleImportChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	data := r.FormValue("data")
	if data == "" {
		http.Error(w, "data is required", http.StatusBadRequest)
		return
	}

	conv, ok := m.store.Import(r.Context(), data)
	if !ok {
		http.Error(w, "invalid conversation data", http.StatusBadRequest)
		return
	}
	m.publishChats(conv.ID)

	http.Redirect(w, r, "/", http.StatusSeeOther)
}
