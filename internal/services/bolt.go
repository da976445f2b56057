package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/Koki-dec/PiChat/internal/models"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// BoltStore implements the Store interface using a BoltDB backend. It owns
// the durable conversation list and the current-conversation pointer. The
// list is read in full at startup and rewritten in full on every mutation;
// persistence faults are logged and degrade to the in-memory state, so the
// public operations never fail.
type BoltStore struct {
	db     *bolt.DB
	logger *slog.Logger

	mu            sync.Mutex
	conversations []models.Conversation
	currentID     string
	settings      models.ChatSettings
}

const storeBucket = "state"

var (
	conversationsKey = []byte("conversations")
	settingsKey      = []byte("settings")
)

// NewBoltStore opens (or creates, with 0600 permissions) the database file at
// the given path and loads the persisted state. A corrupt conversations blob
// degrades to an empty list; absent settings fall back to defaults. The
// current conversation is re-derived as the most recently updated one.
func NewBoltStore(path string, defaults models.ChatSettings, logger *slog.Logger) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(storeBucket))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	s := &BoltStore{
		db:       db,
		logger:   logger.With(slog.String("module", "store")),
		settings: defaults,
	}
	s.load()
	return s, nil
}

// Close releases the underlying database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) load() {
	var convsBlob, settingsBlob []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(storeBucket))
		if b == nil {
			return nil
		}
		if v := b.Get(conversationsKey); v != nil {
			convsBlob = slices.Clone(v)
		}
		if v := b.Get(settingsKey); v != nil {
			settingsBlob = slices.Clone(v)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to read store, starting empty", slog.String("err", err.Error()))
		return
	}

	if convsBlob != nil {
		if err := json.Unmarshal(convsBlob, &s.conversations); err != nil {
			s.logger.Error("Corrupt conversations blob, starting empty", slog.String("err", err.Error()))
			s.conversations = nil
		}
	}
	if settingsBlob != nil {
		if err := json.Unmarshal(settingsBlob, &s.settings); err != nil {
			s.logger.Error("Corrupt settings blob, using defaults", slog.String("err", err.Error()))
		}
	}

	// The current pointer is not persisted; the most recently updated
	// conversation becomes current on load.
	s.currentID = mostRecentlyUpdated(s.conversations)
}

func mostRecentlyUpdated(conversations []models.Conversation) string {
	id := ""
	var latest time.Time
	for _, c := range conversations {
		if id == "" || c.UpdatedAt.After(latest) {
			id = c.ID
			latest = c.UpdatedAt
		}
	}
	return id
}

// put writes one key of the state bucket, logging instead of failing.
func (s *BoltStore) put(key, value []byte) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(storeBucket))
		if b == nil {
			return nil
		}
		return b.Put(key, value)
	})
	if err != nil {
		s.logger.Error("Failed to persist store",
			slog.String("key", string(key)),
			slog.String("err", err.Error()))
	}
}

// persist must be called with the lock held.
func (s *BoltStore) persist() {
	v, err := json.Marshal(s.conversations)
	if err != nil {
		s.logger.Error("Failed to marshal conversations", slog.String("err", err.Error()))
		return
	}
	s.put(conversationsKey, v)
}

func cloneConversation(c models.Conversation) models.Conversation {
	c.Messages = slices.Clone(c.Messages)
	return c
}

// indexOf must be called with the lock held.
func (s *BoltStore) indexOf(id string) int {
	return slices.IndexFunc(s.conversations, func(c models.Conversation) bool { return c.ID == id })
}

// CreateConversation allocates a new conversation with an empty message list,
// snapshots the given settings, inserts it at the front of the list, makes it
// current, and persists.
func (s *BoltStore) CreateConversation(_ context.Context, settings models.ChatSettings) models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	conv := models.Conversation{
		ID:        uuid.New().String(),
		Title:     "New Chat",
		Messages:  []models.Message{},
		CreatedAt: now,
		UpdatedAt: now,
		Settings:  settings,
	}
	s.conversations = slices.Insert(s.conversations, 0, conv)
	s.currentID = conv.ID
	s.persist()
	return cloneConversation(conv)
}

// Current returns the current conversation, or false when the store is empty.
func (s *BoltStore) Current(_ context.Context) (models.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(s.currentID)
	if idx == -1 {
		return models.Conversation{}, false
	}
	return cloneConversation(s.conversations[idx]), true
}

// SwitchCurrent makes the conversation with the given id current. An unknown
// id is a silent miss: the list and the current pointer are left untouched.
func (s *BoltStore) SwitchCurrent(_ context.Context, id string) (models.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(id)
	if idx == -1 {
		return models.Conversation{}, false
	}
	s.currentID = id
	return cloneConversation(s.conversations[idx]), true
}

// AppendMessage appends a message to the current conversation and bumps its
// updatedAt. The first user-authored message also derives the title.
func (s *BoltStore) AppendMessage(_ context.Context, msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(s.currentID)
	if idx == -1 {
		return
	}
	conv := &s.conversations[idx]

	conv.Messages = append(conv.Messages, msg)
	conv.UpdatedAt = time.Now()

	if len(conv.Messages) == 1 && msg.Role == models.RoleUser {
		conv.Title = models.DeriveTitle(msg.Content)
	}
	s.persist()
}

// UpdateMessage merges the non-nil fields of the update into the message with
// the given id within the current conversation, bumps updatedAt, and
// persists. Unknown ids are ignored.
func (s *BoltStore) UpdateMessage(_ context.Context, id string, update models.MessageUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(s.currentID)
	if idx == -1 {
		return
	}
	conv := &s.conversations[idx]

	msgIdx := slices.IndexFunc(conv.Messages, func(m models.Message) bool { return m.ID == id })
	if msgIdx == -1 {
		return
	}
	update.Apply(&conv.Messages[msgIdx])
	conv.UpdatedAt = time.Now()
	s.persist()
}

// DeleteConversation removes the conversation with the given id. When the
// current conversation is deleted, the most recently updated remaining one
// becomes current, or none when the list is now empty.
func (s *BoltStore) DeleteConversation(_ context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(id)
	if idx == -1 {
		return
	}
	s.conversations = slices.Delete(s.conversations, idx, idx+1)

	if s.currentID == id {
		s.currentID = mostRecentlyUpdated(s.conversations)
	}
	s.persist()
}

// ListAll returns a view of all conversations sorted by updatedAt descending.
// The stored order is not affected.
func (s *BoltStore) ListAll(_ context.Context) []models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := make([]models.Conversation, len(s.conversations))
	for i, c := range s.conversations {
		list[i] = cloneConversation(c)
	}
	slices.SortStableFunc(list, func(a, b models.Conversation) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return list
}

// ClearCurrent empties the current conversation's message list in place; the
// conversation itself survives.
func (s *BoltStore) ClearCurrent(_ context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(s.currentID)
	if idx == -1 {
		return
	}
	s.conversations[idx].Messages = []models.Message{}
	s.conversations[idx].UpdatedAt = time.Now()
	s.persist()
}

// RenameConversation sets a new title on the conversation with the given id
// and bumps its updatedAt, which moves it to the front of the ListAll view.
func (s *BoltStore) RenameConversation(_ context.Context, id, title string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(id)
	if idx == -1 {
		return
	}
	s.conversations[idx].Title = title
	s.conversations[idx].UpdatedAt = time.Now()
	s.persist()
}

// Export serializes a single conversation to a portable JSON form.
func (s *BoltStore) Export(_ context.Context, id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(id)
	if idx == -1 {
		return "", false
	}
	v, err := json.MarshalIndent(s.conversations[idx], "", "  ")
	if err != nil {
		s.logger.Error("Failed to marshal conversation", slog.String("err", err.Error()))
		return "", false
	}
	return string(v), true
}

// Import parses an exported conversation, assigns it a fresh id and
// timestamps to avoid collisions, inserts it at the front of the list, and
// makes it current.
func (s *BoltStore) Import(_ context.Context, data string) (models.Conversation, bool) {
	var conv models.Conversation
	if err := json.Unmarshal([]byte(data), &conv); err != nil {
		s.logger.Error("Failed to import conversation", slog.String("err", err.Error()))
		return models.Conversation{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	conv.ID = uuid.New().String()
	conv.CreatedAt = now
	conv.UpdatedAt = now
	if conv.Messages == nil {
		conv.Messages = []models.Message{}
	}

	s.conversations = slices.Insert(s.conversations, 0, conv)
	s.currentID = conv.ID
	s.persist()
	return cloneConversation(conv), true
}

// Settings returns the persisted chat settings.
func (s *BoltStore) Settings(_ context.Context) models.ChatSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// SaveSettings replaces the chat settings and persists them immediately.
func (s *BoltStore) SaveSettings(_ context.Context, settings models.ChatSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.settings = settings
	v, err := json.Marshal(settings)
	if err != nil {
		s.logger.Error("Failed to marshal settings", slog.String("err", err.Error()))
		return
	}
	s.put(settingsKey, v)
}
