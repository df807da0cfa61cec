package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"bv199.vn/hospital-chat/internal/store"
	"bv199.vn/hospital-chat/internal/utils"
)

const (
	DefaultTitle   = "Cuộc trò chuyện mới"
	WelcomeText    = "Xin chào! 👋 Bệnh viện 199 Đà Nẵng sẵn sàng hỗ trợ bạn. Bạn cần tư vấn chuyên khoa hay đặt lịch khám?"
	NoResponseText = "Không có phản hồi từ hệ thống"
	ApologyText    = "Xin lỗi, có lỗi xảy ra khi kết nối với hệ thống. Vui lòng thử lại sau."
	TimeoutText    = "Hệ thống xử lý quá lâu. Vui lòng thử lại sau ít phút."
	BusyText       = "Hệ thống đang bận. Vui lòng thử lại sau ít phút."

	// TitleMaxRunes bounds titles derived from the first user message.
	TitleMaxRunes = 50
	// MaxStagedFileBytes matches the proxy's per-file upload limit.
	MaxStagedFileBytes = 10 << 20
)

var (
	ErrEmptySubmission  = errors.New("message has no text and no attachments")
	ErrBusy             = errors.New("a reply is still pending")
	ErrConversationGone = errors.New("conversation was deleted while the reply was pending")
	ErrNotFound         = store.ErrNotFound
	ErrFileTooLarge     = errors.New("file exceeds upload limit")
)

type State int

const (
	StateIdle State = iota
	StateAwaitingResponse
)

func (s State) String() string {
	if s == StateAwaitingResponse {
		return "awaiting_response"
	}
	return "idle"
}

// Exchange is the result of one submission.
type Exchange struct {
	ConversationID string
	User           store.Message
	Bot            store.Message
	Reply          Reply
}

// ChatService drives one chat session: the active conversation, its
// in-memory mirror and the input staging area. The store stays the source
// of truth; the mirror is refreshed from it after every write.
type ChatService struct {
	conversations *store.ConversationStore
	ai            Querier
	logger        *slog.Logger

	now   func() time.Time
	newID func() string

	mu         sync.Mutex
	state      State
	currentID  string
	title      string
	messages   []store.Message
	renameDone bool

	stagedText  string
	stagedFiles []store.Attachment
}

func NewChatService(conversations *store.ConversationStore, ai Querier, logger *slog.Logger) *ChatService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatService{
		conversations: conversations,
		ai:            ai,
		logger:        logger,
		now:           time.Now,
		newID:         store.NewID,
	}
}

// SetClock overrides the time source used for message timestamps.
func (s *ChatService) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Restore selects the conversation that was active last time, falling back
// to the most recent one, or a fresh conversation when there is none.
func (s *ChatService) Restore() (store.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.conversations.GetCurrentID(); ok {
		if conv, found := s.conversations.Get(id); found {
			s.selectLocked(conv)
			return s.snapshotLocked(conv), nil
		}
		s.logger.Info("stored current conversation no longer exists", "conversation_id", id)
	}
	if all := s.conversations.ListAll(); len(all) > 0 {
		s.selectLocked(all[0])
		return s.snapshotLocked(all[0]), nil
	}
	return s.newConversationLocked()
}

func (s *ChatService) NewConversation() (store.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newConversationLocked()
}

func (s *ChatService) newConversationLocked() (store.Conversation, error) {
	welcome := store.Message{
		ID:        s.newID(),
		Role:      store.RoleBot,
		Content:   WelcomeText,
		Timestamp: s.now(),
	}
	conv, err := s.conversations.Create(DefaultTitle, []store.Message{welcome})
	if err != nil {
		return store.Conversation{}, fmt.Errorf("failed to create conversation: %w", err)
	}
	s.selectLocked(conv)
	return s.snapshotLocked(conv), nil
}

func (s *ChatService) SelectConversation(id string) (store.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations.Get(id)
	if !ok {
		return store.Conversation{}, ErrNotFound
	}
	s.selectLocked(conv)
	return s.snapshotLocked(conv), nil
}

func (s *ChatService) selectLocked(conv store.Conversation) {
	s.currentID = conv.ID
	s.title = conv.Title
	s.messages = store.CloneMessages(conv.Messages)
	s.renameDone = conv.HasUserMessage()
	s.clearStagingLocked()
	if err := s.conversations.SetCurrentID(conv.ID); err != nil {
		s.logger.Warn("failed to persist current conversation", "conversation_id", conv.ID, "error", err)
	}
}

// DeleteConversation removes id. When it was the active conversation the
// first remaining one in store order becomes active, or a new one is created.
func (s *ChatService) DeleteConversation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.conversations.Delete(id); err != nil {
		return fmt.Errorf("failed to delete conversation %s: %w", id, err)
	}
	if id != s.currentID {
		return nil
	}
	if remaining := s.conversations.ListAll(); len(remaining) > 0 {
		s.selectLocked(remaining[0])
		return nil
	}
	_, err := s.newConversationLocked()
	return err
}

func (s *ChatService) RenameConversation(id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.conversations.Rename(id, title); err != nil {
		return err
	}
	if id == s.currentID {
		s.title = strings.TrimSpace(title)
		s.renameDone = true
	}
	return nil
}

func (s *ChatService) Current() store.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return store.Conversation{
		ID:       s.currentID,
		Title:    s.title,
		Messages: store.CloneMessages(s.messages),
	}
}

func (s *ChatService) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *ChatService) Conversations() []store.Conversation {
	return s.conversations.ListAll()
}

func (s *ChatService) Search(query string) []store.Conversation {
	return s.conversations.Search(query)
}

func (s *ChatService) StageText(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stagedText = text
}

// StageFiles reads the given paths concurrently, renders image previews and
// appends the resulting attachments to the staging area in path order.
// Nothing is staged if any file fails.
func (s *ChatService) StageFiles(ctx context.Context, paths []string) ([]store.Attachment, error) {
	out := make([]store.Attachment, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, p := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			info, err := os.Stat(p)
			if err != nil {
				return fmt.Errorf("cannot read %s: %w", p, err)
			}
			if info.Size() > MaxStagedFileBytes {
				return fmt.Errorf("%s: %w", p, ErrFileTooLarge)
			}
			data, err := os.ReadFile(p)
			if err != nil {
				return fmt.Errorf("cannot read %s: %w", p, err)
			}
			a := store.NewAttachment(p, "", data)
			store.RenderPreview(&a)
			out[i] = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stagedFiles = append(s.stagedFiles, out...)
	return out, nil
}

// Unstage drops a staged attachment by id.
func (s *ChatService) Unstage(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range s.stagedFiles {
		if a.ID == id {
			s.stagedFiles = append(s.stagedFiles[:i], s.stagedFiles[i+1:]...)
			return true
		}
	}
	return false
}

func (s *ChatService) Staged() (string, []store.Attachment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stagedText, append([]store.Attachment(nil), s.stagedFiles...)
}

func (s *ChatService) clearStagingLocked() {
	s.stagedText = ""
	s.stagedFiles = nil
}

// Send submits whatever is staged.
func (s *ChatService) Send(ctx context.Context) (Exchange, error) {
	text, files := s.Staged()
	return s.Submit(ctx, text, files)
}

// Submit appends a user message, asks the AI and appends the bot reply.
// The reply is written to the conversation that was active at submit time,
// even if another one has been selected meanwhile.
func (s *ChatService) Submit(ctx context.Context, text string, files []store.Attachment) (Exchange, error) {
	s.mu.Lock()
	if strings.TrimSpace(text) == "" && len(files) == 0 {
		s.mu.Unlock()
		return Exchange{}, ErrEmptySubmission
	}
	if s.state == StateAwaitingResponse {
		s.mu.Unlock()
		return Exchange{}, ErrBusy
	}
	if s.currentID == "" {
		if _, err := s.newConversationLocked(); err != nil {
			s.mu.Unlock()
			return Exchange{}, err
		}
	}

	userMsg := store.Message{
		ID:        s.newID(),
		Role:      store.RoleUser,
		Content:   text,
		Timestamp: s.now(),
	}
	if len(files) > 0 {
		userMsg.Files = make([]store.Attachment, len(files))
		copy(userMsg.Files, files)
	}

	if !s.renameDone {
		s.renameDone = true
		if derived := strings.TrimSpace(text); derived != "" && s.title == DefaultTitle {
			s.title = utils.Truncate(derived, TitleMaxRunes)
		}
	}
	sent := stripPayload(userMsg)
	s.messages = append(s.messages, sent)
	s.persistCurrentLocked()
	s.clearStagingLocked()

	target := s.currentID
	s.state = StateAwaitingResponse
	s.mu.Unlock()

	reply := s.ai.Query(ctx, text, target, files)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateIdle

	bot := s.botMessage(reply, target)
	ex := Exchange{ConversationID: target, User: sent, Bot: bot, Reply: reply}

	conv, ok := s.conversations.Get(target)
	if !ok {
		s.logger.Warn("reply arrived for a deleted conversation", "conversation_id", target)
		return ex, ErrConversationGone
	}
	conv.Messages = append(conv.Messages, bot)
	saved, err := s.conversations.SaveAndGet(conv)
	if err != nil {
		s.logger.Error("failed to persist bot message", "conversation_id", target, "error", err)
	}
	if target == s.currentID {
		if err == nil {
			s.title = saved.Title
			s.messages = store.CloneMessages(saved.Messages)
		} else {
			s.messages = append(s.messages, bot)
		}
	}
	return ex, nil
}

// persistCurrentLocked writes the mirror through the store. Failures are
// logged; the in-memory state stays authoritative until the next write.
func (s *ChatService) persistCurrentLocked() {
	conv, ok := s.conversations.Get(s.currentID)
	if !ok {
		conv = store.Conversation{ID: s.currentID}
	}
	conv.Title = s.title
	conv.Messages = s.messages
	saved, err := s.conversations.SaveAndGet(conv)
	if err != nil {
		s.logger.Error("failed to persist conversation", "conversation_id", s.currentID, "error", err)
		return
	}
	s.messages = store.CloneMessages(saved.Messages)
}

func (s *ChatService) botMessage(reply Reply, conversationID string) store.Message {
	msg := store.Message{
		ID:        s.newID(),
		Role:      store.RoleBot,
		Timestamp: s.now(),
	}
	if !reply.Failed() {
		msg.Content = reply.Content()
		msg.ExternalLink = reply.ExternalLink
		return msg
	}

	s.logger.Warn("chat query failed",
		"conversation_id", conversationID,
		"failure", string(reply.Failure),
		"status", reply.Status,
		"detail", reply.Detail,
	)
	switch reply.Failure {
	case FailureTimeout:
		msg.Content = TimeoutText
	case FailureRejected:
		msg.Content = BusyText
		if reply.Text != "" {
			msg.Content = reply.Text
		}
	default:
		msg.Content = ApologyText
	}
	return msg
}

func stripPayload(m store.Message) store.Message {
	if len(m.Files) == 0 {
		return m
	}
	files := make([]store.Attachment, len(m.Files))
	for i, f := range m.Files {
		f.Data = nil
		files[i] = f
	}
	m.Files = files
	return m
}

// snapshotLocked returns conv as mirrored after selection.
func (s *ChatService) snapshotLocked(conv store.Conversation) store.Conversation {
	conv.Messages = store.CloneMessages(s.messages)
	return conv
}
