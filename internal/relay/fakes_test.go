package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stellarlinkco/relayguard/internal/bus"
	"github.com/stellarlinkco/relayguard/internal/classifier"
	"github.com/stellarlinkco/relayguard/internal/store"
	"github.com/stellarlinkco/relayguard/internal/trust"
)

const (
	adminID   int64 = 1000
	alertChat int64 = -5000
	userID    int64 = 42
)

var fixedNow = time.Date(2025, 3, 1, 4, 5, 6, 0, time.UTC)

type sent struct {
	chatID  int64
	text    string
	replyTo int
}

type forwarded struct {
	to, from int64
	msgID    int
	newID    int
}

type fakeTransport struct {
	mu        sync.Mutex
	nextID    int
	sent      []sent
	forwards  []forwarded
	copies    []forwarded
	failFwdTo map[int64]bool
	failSend  map[int64]bool
	failCopy  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{nextID: 100, failFwdTo: map[int64]bool{}, failSend: map[int64]bool{}}
}

func (t *fakeTransport) SendMessage(_ context.Context, chatID int64, text string, replyTo int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failSend[chatID] {
		return 0, errors.New("send failed")
	}
	t.nextID++
	t.sent = append(t.sent, sent{chatID: chatID, text: text, replyTo: replyTo})
	return t.nextID, nil
}

func (t *fakeTransport) ForwardMessage(_ context.Context, to, from int64, msgID int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failFwdTo[to] {
		return 0, errors.New("forward failed")
	}
	t.nextID++
	t.forwards = append(t.forwards, forwarded{to: to, from: from, msgID: msgID, newID: t.nextID})
	return t.nextID, nil
}

func (t *fakeTransport) CopyMessage(_ context.Context, to, from int64, msgID int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failCopy {
		return 0, errors.New("copy failed")
	}
	t.nextID++
	t.copies = append(t.copies, forwarded{to: to, from: from, msgID: msgID, newID: t.nextID})
	return t.nextID, nil
}

func (t *fakeTransport) sentTo(chatID int64) []sent {
	var out []sent
	for _, s := range t.sent {
		if s.chatID == chatID {
			out = append(out, s)
		}
	}
	return out
}

func (t *fakeTransport) forwardsTo(chatID int64) []forwarded {
	var out []forwarded
	for _, f := range t.forwards {
		if f.to == chatID {
			out = append(out, f)
		}
	}
	return out
}

type fakeClassifier struct {
	verdicts []classifier.Verdict
	errs     []error
	calls    int
}

func (c *fakeClassifier) Classify(_ context.Context, _, _ string) (classifier.Verdict, error) {
	i := c.calls
	c.calls++
	if i < len(c.errs) && c.errs[i] != nil {
		return classifier.Clean(), c.errs[i]
	}
	if i < len(c.verdicts) {
		return c.verdicts[i], nil
	}
	return classifier.Clean(), nil
}

// fakeTrustStore mirrors the SQL semantics of store.TrustStore.
type fakeTrustStore struct {
	recs    map[int64]trust.Record
	failGet bool
}

func newFakeTrustStore() *fakeTrustStore {
	return &fakeTrustStore{recs: map[int64]trust.Record{}}
}

func (s *fakeTrustStore) Get(_ context.Context, id int64) (trust.Record, error) {
	if s.failGet {
		return trust.Record{}, errors.New("db down")
	}
	rec, ok := s.recs[id]
	if !ok {
		return trust.Record{}, store.ErrNotFound
	}
	return rec, nil
}

func (s *fakeTrustStore) CreateIfAbsent(_ context.Context, id int64, name, username string, now time.Time) error {
	rec, ok := s.recs[id]
	if !ok {
		rec = trust.Record{UserID: id, Status: trust.StatusNew, CreatedAt: now}
	}
	if name != "" {
		rec.DisplayName = name
	}
	if username != "" {
		rec.Username = username
	}
	rec.LastSeenAt = &now
	s.recs[id] = rec
	return nil
}

func (s *fakeTrustStore) MarkClean(_ context.Context, id int64, now time.Time) error {
	rec, ok := s.recs[id]
	if !ok {
		return store.ErrNotFound
	}
	rec.ConsecutiveCleanCount++
	rec.LastSeenAt = &now
	s.recs[id] = rec
	return nil
}

func (s *fakeTrustStore) MarkFlagged(_ context.Context, id int64, now time.Time) error {
	rec, ok := s.recs[id]
	if !ok {
		return store.ErrNotFound
	}
	rec.ConsecutiveCleanCount = 0
	rec.TotalFlaggedCount++
	if rec.Status != trust.StatusTrusted {
		rec.Status = trust.StatusMonitoring
	}
	rec.LastSeenAt = &now
	s.recs[id] = rec
	return nil
}

func (s *fakeTrustStore) Promote(_ context.Context, id int64, by trust.Source, now time.Time) (bool, error) {
	rec, ok := s.recs[id]
	if by == trust.SourceAdmin {
		if !ok {
			rec = trust.Record{UserID: id, CreatedAt: now, LastSeenAt: &now}
		}
		rec.Status = trust.StatusTrusted
		rec.TrustedBy = by
		rec.TrustedSince = &now
		s.recs[id] = rec
		return true, nil
	}
	if !ok || rec.Trusted() {
		return false, nil
	}
	rec.Status = trust.StatusTrusted
	rec.TrustedBy = by
	rec.TrustedSince = &now
	s.recs[id] = rec
	return true, nil
}

func (s *fakeTrustStore) Demote(_ context.Context, id int64) error {
	rec, ok := s.recs[id]
	if !ok {
		return store.ErrNotFound
	}
	rec.Status = trust.StatusNew
	rec.ConsecutiveCleanCount = 0
	rec.TotalFlaggedCount++
	rec.TrustedSince = nil
	rec.TrustedBy = ""
	s.recs[id] = rec
	return nil
}

type fakeMappings struct {
	m       map[int64]int64
	failGet bool
}

func newFakeMappings() *fakeMappings {
	return &fakeMappings{m: map[int64]int64{}}
}

func (f *fakeMappings) RecordMapping(_ context.Context, relayedID, origin int64, _ time.Time) error {
	if _, ok := f.m[relayedID]; ok {
		return fmt.Errorf("record mapping %d: %w", relayedID, store.ErrDuplicateKey)
	}
	f.m[relayedID] = origin
	return nil
}

func (f *fakeMappings) ResolveOrigin(_ context.Context, relayedID int64) (int64, error) {
	if f.failGet {
		return 0, errors.New("db down")
	}
	origin, ok := f.m[relayedID]
	if !ok {
		return 0, store.ErrNotFound
	}
	return origin, nil
}

type harness struct {
	engine    *Engine
	transport *fakeTransport
	cls       *fakeClassifier
	trust     *fakeTrustStore
	mappings  *fakeMappings
	nextMsgID int
}

func newHarness(mutate func(*Options)) *harness {
	h := &harness{
		transport: newFakeTransport(),
		cls:       &fakeClassifier{},
		trust:     newFakeTrustStore(),
		mappings:  newFakeMappings(),
		nextMsgID: 1,
	}
	opts := Options{
		AdminID:             adminID,
		AlertChatID:         alertChat,
		NotifyOnAutoPromote: true,
		Policy:              trust.DefaultPolicy(),
		Now:                 func() time.Time { return fixedNow },
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.engine = New(h.transport, h.cls, h.trust, h.mappings, opts)
	return h
}

func (h *harness) userText(text string) bus.InboundMessage {
	h.nextMsgID++
	return bus.InboundMessage{
		EventID:   fmt.Sprintf("ev-%d", h.nextMsgID),
		MessageID: h.nextMsgID,
		ChatID:    userID,
		ChatType:  bus.ChatTypePrivate,
		SenderID:  userID,
		FirstName: "Ada",
		LastName:  "Lovelace",
		Username:  "ada",
		Text:      text,
	}
}

func (h *harness) adminMsg(text, command string, replyTo int) bus.InboundMessage {
	h.nextMsgID++
	return bus.InboundMessage{
		MessageID:        h.nextMsgID,
		ChatID:           adminID,
		ChatType:         bus.ChatTypePrivate,
		SenderID:         adminID,
		FirstName:        "Admin",
		Text:             text,
		Command:          command,
		ReplyToMessageID: replyTo,
	}
}
