package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"bv199.vn/hospital-chat/internal/utils"
)

const (
	ConversationsKey       = "hospital_199_conversations"
	CurrentConversationKey = "current_conversation_id"
)

var (
	ErrNotFound   = errors.New("conversation not found")
	ErrEmptyTitle = errors.New("conversation title cannot be empty")
)

// ConversationStore persists all conversations as one JSON document under
// ConversationsKey, plus the current-conversation pointer under its own key.
//
// Reads never fail: a missing or corrupted document reads as an empty history.
// The mutex serializes read-modify-write cycles inside this process only;
// other processes sharing the same substrate can still overwrite each other.
type ConversationStore struct {
	kv     KeyValue
	logger *slog.Logger
	mu     sync.Mutex

	now   func() time.Time
	newID func() string
}

func NewConversationStore(kv KeyValue, logger *slog.Logger) *ConversationStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationStore{
		kv:     kv,
		logger: logger,
		now:    time.Now,
		newID:  NewID,
	}
}

// NewID returns a random, time-ordered identifier (UUIDv7).
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// SetClock overrides the time source. Intended for tests.
func (s *ConversationStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// ListAll returns every conversation, newest first by creation time. Ties keep
// the stored order, in which the most recently prepended entry comes first.
func (s *ConversationStore) ListAll() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *ConversationStore) Get(id string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.load() {
		if c.ID == id {
			return c, true
		}
	}
	return Conversation{}, false
}

func (s *ConversationStore) Create(title string, initial []Message) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	conv := Conversation{
		ID:        s.newID(),
		Title:     title,
		Messages:  cloneMessages(initial),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if conv.Messages == nil {
		conv.Messages = []Message{}
	}

	all := s.load()
	all = append([]Conversation{conv}, all...)
	if err := s.persist(all); err != nil {
		return conv, err
	}
	return conv.clone(), nil
}

// Save replaces the conversation with the same id, or prepends it when new.
// UpdatedAt is always stamped with the current time.
func (s *ConversationStore) Save(conv Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.saveLocked(conv)
	return err
}

func (s *ConversationStore) saveLocked(conv Conversation) (Conversation, error) {
	conv = conv.clone()
	now := s.now()
	conv.UpdatedAt = now
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.Messages == nil {
		conv.Messages = []Message{}
	}

	all := s.load()
	idx := slices.IndexFunc(all, func(c Conversation) bool { return c.ID == conv.ID })
	if idx >= 0 {
		all[idx] = conv
	} else {
		all = append([]Conversation{conv}, all...)
	}
	return conv, s.persist(all)
}

// SaveAndGet is Save followed by returning the stored record, so callers can
// mirror exactly what was written.
func (s *ConversationStore) SaveAndGet(conv Conversation) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	saved, err := s.saveLocked(conv)
	return saved.clone(), err
}

// UpdateMessages replaces the message list of id. Unknown ids are ignored.
func (s *ConversationStore) UpdateMessages(id string, messages []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.load() {
		if c.ID == id {
			c.Messages = messages
			_, err := s.saveLocked(c)
			return err
		}
	}
	return nil
}

func (s *ConversationStore) Rename(id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return ErrEmptyTitle
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.load() {
		if c.ID == id {
			c.Title = title
			_, err := s.saveLocked(c)
			return err
		}
	}
	return ErrNotFound
}

// Delete removes id. Deleting an unknown id is not an error.
func (s *ConversationStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.load()
	filtered := slices.DeleteFunc(all, func(c Conversation) bool { return c.ID == id })
	return s.persist(filtered)
}

func (s *ConversationStore) GetCurrentID() (string, bool) {
	id, ok, err := s.kv.Get(CurrentConversationKey)
	if err != nil {
		s.logger.Warn("failed to read current conversation id", "error", err)
		return "", false
	}
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

func (s *ConversationStore) SetCurrentID(id string) error {
	if err := s.kv.Set(CurrentConversationKey, id); err != nil {
		return fmt.Errorf("failed to store current conversation id: %w", err)
	}
	return nil
}

func (s *ConversationStore) ClearCurrentID() error {
	if err := s.kv.Remove(CurrentConversationKey); err != nil {
		return fmt.Errorf("failed to clear current conversation id: %w", err)
	}
	return nil
}

// Search matches query case-insensitively against titles and message content.
func (s *ConversationStore) Search(query string) []Conversation {
	all := s.ListAll()
	out := make([]Conversation, 0, len(all))
	for _, c := range all {
		if matches(c, query) {
			out = append(out, c)
		}
	}
	return out
}

func matches(c Conversation, query string) bool {
	if utils.ContainsFold(c.Title, query) {
		return true
	}
	for _, m := range c.Messages {
		if utils.ContainsFold(m.Content, query) {
			return true
		}
	}
	return false
}

// load must be called with mu held.
func (s *ConversationStore) load() []Conversation {
	raw, ok, err := s.kv.Get(ConversationsKey)
	if err != nil {
		s.logger.Warn("failed to read conversations, treating history as empty", "error", err)
		return []Conversation{}
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return []Conversation{}
	}

	var convs []Conversation
	if err := json.Unmarshal([]byte(raw), &convs); err != nil {
		s.logger.Warn("corrupted conversation history, treating as empty", "error", err)
		return []Conversation{}
	}
	for i := range convs {
		if convs[i].Messages == nil {
			convs[i].Messages = []Message{}
		}
	}
	slices.SortStableFunc(convs, func(a, b Conversation) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return convs
}

// persist must be called with mu held.
func (s *ConversationStore) persist(convs []Conversation) error {
	data, err := json.Marshal(convs)
	if err != nil {
		return fmt.Errorf("failed to encode conversations: %w", err)
	}
	if err := s.kv.Set(ConversationsKey, string(data)); err != nil {
		return fmt.Errorf("failed to write conversations: %w", err)
	}
	return nil
}
