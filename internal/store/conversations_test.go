package store

import (
	"errors"
	"testing"
	"time"

	"bv199.vn/hospital-chat/internal/logging"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore(t *testing.T) (*ConversationStore, *MemoryKV, *fakeClock) {
	t.Helper()
	kv := NewMemoryKV()
	clock := &fakeClock{t: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
	s := NewConversationStore(kv, logging.Discard())
	s.SetClock(clock.Now)
	return s, kv, clock
}

func TestListAllEmptyWhenAbsent(t *testing.T) {
	s, _, _ := newTestStore(t)
	got := s.ListAll()
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", got)
	}
}

func TestListAllEmptyOnCorruptData(t *testing.T) {
	s, kv, _ := newTestStore(t)
	_ = kv.Set(ConversationsKey, "{not json")
	if got := s.ListAll(); len(got) != 0 {
		t.Fatalf("expected empty history for corrupt data, got %d", len(got))
	}
	if _, ok := s.Get("anything"); ok {
		t.Fatal("expected not found on corrupt data")
	}
}

func TestCreateThenListNewestFirst(t *testing.T) {
	s, _, clock := newTestStore(t)

	first, err := s.Create("first", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	clock.Advance(time.Minute)
	second, err := s.Create("second", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	all := s.ListAll()
	if len(all) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(all))
	}
	if all[0].ID != second.ID || all[1].ID != first.ID {
		t.Fatalf("unexpected order: %s, %s", all[0].Title, all[1].Title)
	}
	if first.ID == second.ID {
		t.Fatal("ids must be unique")
	}
	if !first.CreatedAt.Equal(first.UpdatedAt) {
		t.Fatal("create must set both timestamps to now")
	}
}

func TestRoundTripPreservesContent(t *testing.T) {
	s, _, clock := newTestStore(t)
	ts := clock.Now()
	msgs := []Message{
		{ID: "m1", Role: RoleBot, Content: "Xin chào", Timestamp: ts},
		{ID: "m2", Role: RoleUser, Content: "Tôi bị đau đầu", Timestamp: ts.Add(time.Second),
			Files: []Attachment{{ID: "a1", Name: "scan.png", Kind: KindImage, MIMEType: "image/png", Size: 3, Data: []byte{1, 2, 3}}}},
	}
	conv, err := s.Create("Khám tổng quát", msgs)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, ok := s.Get(conv.ID)
	if !ok {
		t.Fatal("expected conversation to be found")
	}
	if got.Title != conv.Title || len(got.Messages) != 2 {
		t.Fatalf("unexpected round trip: %+v", got)
	}
	if got.Messages[1].Content != "Tôi bị đau đầu" || !got.Messages[1].Timestamp.Equal(ts.Add(time.Second)) {
		t.Fatalf("message content or time changed: %+v", got.Messages[1])
	}
	if len(got.Messages[1].Files) != 1 || got.Messages[1].Files[0].Name != "scan.png" {
		t.Fatalf("attachment metadata lost: %+v", got.Messages[1].Files)
	}
	if got.Messages[1].Files[0].Data != nil {
		t.Fatal("payload must not be persisted")
	}
	if !got.CreatedAt.Equal(conv.CreatedAt) {
		t.Fatalf("createdAt changed: %v vs %v", got.CreatedAt, conv.CreatedAt)
	}
}

func TestSaveReplacesAndStampsUpdatedAt(t *testing.T) {
	s, _, clock := newTestStore(t)
	conv, _ := s.Create("title", nil)

	clock.Advance(5 * time.Minute)
	conv.Title = "renamed"
	conv.UpdatedAt = time.Time{}
	if err := s.Save(conv); err != nil {
		t.Fatalf("save: %v", err)
	}

	all := s.ListAll()
	if len(all) != 1 {
		t.Fatalf("save must replace in place, got %d records", len(all))
	}
	if all[0].Title != "renamed" {
		t.Fatalf("title not saved: %q", all[0].Title)
	}
	if !all[0].UpdatedAt.Equal(clock.Now()) {
		t.Fatalf("updatedAt not stamped: %v", all[0].UpdatedAt)
	}
	if !all[0].CreatedAt.Equal(conv.CreatedAt) {
		t.Fatal("createdAt must not change on save")
	}
}

func TestSavePrependsUnknown(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, _ = s.Create("existing", nil)
	if err := s.Save(Conversation{ID: "external", Title: "imported"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok := s.Get("external")
	if !ok {
		t.Fatal("expected saved conversation")
	}
	if got.CreatedAt.IsZero() || got.Messages == nil {
		t.Fatalf("expected defaults to be filled: %+v", got)
	}
	if len(s.ListAll()) != 2 {
		t.Fatal("expected two conversations")
	}
}

func TestUpdateMessagesUnknownIDIsNoop(t *testing.T) {
	s, kv, _ := newTestStore(t)
	if err := s.UpdateMessages("missing", []Message{{ID: "x"}}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, ok, _ := kv.Get(ConversationsKey); ok {
		t.Fatal("no write expected for unknown id")
	}
}

func TestUpdateMessagesBumpsUpdatedAt(t *testing.T) {
	s, _, clock := newTestStore(t)
	conv, _ := s.Create("t", nil)
	clock.Advance(time.Hour)

	msgs := []Message{{ID: "m1", Role: RoleUser, Content: "hello", Timestamp: clock.Now()}}
	if err := s.UpdateMessages(conv.ID, msgs); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := s.Get(conv.ID)
	if len(got.Messages) != 1 || got.Messages[0].Content != "hello" {
		t.Fatalf("messages not stored: %+v", got.Messages)
	}
	if !got.UpdatedAt.After(got.CreatedAt) {
		t.Fatal("updatedAt should advance")
	}
}

func TestRename(t *testing.T) {
	s, _, _ := newTestStore(t)
	conv, _ := s.Create("old", nil)

	if err := s.Rename(conv.ID, "  new title  "); err != nil {
		t.Fatalf("rename: %v", err)
	}
	got, _ := s.Get(conv.ID)
	if got.Title != "new title" {
		t.Fatalf("unexpected title %q", got.Title)
	}
	if err := s.Rename(conv.ID, "   "); !errors.Is(err, ErrEmptyTitle) {
		t.Fatalf("expected ErrEmptyTitle, got %v", err)
	}
	if err := s.Rename("missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	s, _, clock := newTestStore(t)
	a, _ := s.Create("a", nil)
	clock.Advance(time.Second)
	b, _ := s.Create("b", nil)

	if err := s.Delete(a.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete("missing"); err != nil {
		t.Fatalf("deleting unknown id should not fail: %v", err)
	}
	all := s.ListAll()
	if len(all) != 1 || all[0].ID != b.ID {
		t.Fatalf("unexpected remaining: %+v", all)
	}
}

func TestCreateSaveDeleteSequence(t *testing.T) {
	s, _, clock := newTestStore(t)
	want := map[string]bool{}
	var ids []string
	for i := 0; i < 6; i++ {
		c, err := s.Create("c", nil)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, c.ID)
		want[c.ID] = true
		clock.Advance(time.Second)
	}
	for _, id := range []string{ids[1], ids[4]} {
		_ = s.Delete(id)
		delete(want, id)
	}
	c, _ := s.Get(ids[2])
	c.Title = "edited"
	_ = s.Save(c)

	all := s.ListAll()
	if len(all) != len(want) {
		t.Fatalf("expected %d conversations, got %d", len(want), len(all))
	}
	for i, conv := range all {
		if !want[conv.ID] {
			t.Fatalf("unexpected conversation %s", conv.ID)
		}
		if i > 0 && all[i-1].CreatedAt.Before(conv.CreatedAt) {
			t.Fatal("list must be newest first by creation time")
		}
	}
}

func TestCurrentIDPointer(t *testing.T) {
	s, _, _ := newTestStore(t)
	if _, ok := s.GetCurrentID(); ok {
		t.Fatal("expected no current id")
	}
	if err := s.SetCurrentID("abc"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if id, ok := s.GetCurrentID(); !ok || id != "abc" {
		t.Fatalf("unexpected current id %q %v", id, ok)
	}
	if err := s.ClearCurrentID(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok := s.GetCurrentID(); ok {
		t.Fatal("expected pointer to be cleared")
	}
}

func TestSearch(t *testing.T) {
	s, _, clock := newTestStore(t)
	cardio, _ := s.Create("Tim mạch", []Message{{ID: "1", Role: RoleUser, Content: "Đặt lịch khám tim"}})
	clock.Advance(time.Second)
	derm, _ := s.Create("Da liễu", []Message{{ID: "2", Role: RoleUser, Content: "Nổi mẩn ĐỎ"}})

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"empty query matches all", "", []string{derm.ID, cardio.ID}},
		{"title match ignores case", "TIM MẠCH", []string{cardio.ID}},
		{"content match ignores case", "đỏ", []string{derm.ID}},
		{"no match", "răng", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Search(tt.query)
			again := s.Search(tt.query)
			if len(got) != len(tt.want) || len(again) != len(got) {
				t.Fatalf("expected %d results, got %d then %d", len(tt.want), len(got), len(again))
			}
			for i := range got {
				if got[i].ID != tt.want[i] || again[i].ID != got[i].ID {
					t.Fatalf("result %d: got %s want %s", i, got[i].ID, tt.want[i])
				}
			}
		})
	}
}

func TestReturnedConversationsAreCopies(t *testing.T) {
	s, _, _ := newTestStore(t)
	conv, _ := s.Create("t", []Message{{ID: "1", Content: "original"}})
	conv.Messages[0].Content = "mutated"

	got, _ := s.Get(conv.ID)
	if got.Messages[0].Content != "original" {
		t.Fatal("caller mutation leaked into the store")
	}
}
