// Package livestate maintains a client-resident projection of chat state:
// the merge of persisted history loaded over HTTP and live deltas arriving
// over the websocket. It is the single source the renderer reads from.
package livestate

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/floegence/chatstream/internal/chat"
)

var (
	ErrBranchTargetNotFound = errors.New("branch target message not found")
	ErrRetryTargetNotFound  = errors.New("retry target message not found")
)

// Message is the client-side view of one chat message.
type Message struct {
	ID       string
	ThreadID string
	Sender   string // user|llm
	Status   string // streaming|done|error
	Model    string
	Text     string
}

type threadState struct {
	// order holds message ids sorted ascending; ids are time-ordered so this
	// is chronological order.
	order    []string
	messages map[string]*Message
}

// Store holds every thread the client knows about. All mutation goes through
// its methods; the websocket reader and the renderer run on different
// goroutines, so access is mutex-guarded.
type Store struct {
	mu      sync.Mutex
	threads map[string]*threadState

	newMessageID func() (string, error)
	newThreadID  func() (string, error)
}

func New() *Store {
	return &Store{
		threads:      make(map[string]*threadState),
		newMessageID: chat.NewMessageID,
		newThreadID:  chat.NewThreadID,
	}
}

func (s *Store) thread(threadID string) *threadState {
	t, ok := s.threads[threadID]
	if !ok {
		t = &threadState{messages: make(map[string]*Message)}
		s.threads[threadID] = t
	}
	return t
}

func (t *threadState) insertOrdered(id string) {
	idx := sort.SearchStrings(t.order, id)
	if idx < len(t.order) && t.order[idx] == id {
		return
	}
	t.order = append(t.order, "")
	copy(t.order[idx+1:], t.order[idx:])
	t.order[idx] = id
}

// AddMessage inserts or replaces a message. It is used both for optimistic
// local inserts (the user's own prompt, the assistant placeholder) and for
// history loaded from the server.
func (s *Store) AddMessage(m Message) error {
	if s == nil {
		return errors.New("store not initialized")
	}
	m.ID = strings.TrimSpace(m.ID)
	m.ThreadID = strings.TrimSpace(m.ThreadID)
	if m.ID == "" || m.ThreadID == "" {
		return errors.New("invalid message")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.thread(m.ThreadID)
	cp := m
	t.messages[m.ID] = &cp
	t.insertOrdered(m.ID)
	return nil
}

// AppendDeltaText applies a streamed delta. An unknown message id does not
// fail: the store synthesizes a streaming llm message under that id and
// applies the delta to it, so a tab that missed the message creation (opened
// mid-stream, or raced the optimistic insert) converges on its own.
func (s *Store) AppendDeltaText(threadID string, messageID string, model string, delta string) error {
	if s == nil {
		return errors.New("store not initialized")
	}
	threadID = strings.TrimSpace(threadID)
	messageID = strings.TrimSpace(messageID)
	if threadID == "" || messageID == "" {
		return errors.New("invalid delta target")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.thread(threadID)
	m, ok := t.messages[messageID]
	if !ok {
		m = &Message{
			ID:       messageID,
			ThreadID: threadID,
			Sender:   "llm",
			Status:   "streaming",
			Model:    model,
		}
		t.messages[messageID] = m
		t.insertOrdered(messageID)
	}
	m.Text += delta
	m.Status = "streaming"
	if model != "" {
		m.Model = model
	}
	return nil
}

// FinishMessage replaces the accumulated text with the authoritative final
// text and marks the message done. Duplicate finishes are harmless. An
// unknown id is synthesized, same as deltas.
func (s *Store) FinishMessage(threadID string, messageID string, model string, finalText string) error {
	if s == nil {
		return errors.New("store not initialized")
	}
	threadID = strings.TrimSpace(threadID)
	messageID = strings.TrimSpace(messageID)
	if threadID == "" || messageID == "" {
		return errors.New("invalid finish target")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.thread(threadID)
	m, ok := t.messages[messageID]
	if !ok {
		m = &Message{ID: messageID, ThreadID: threadID, Sender: "llm"}
		t.messages[messageID] = m
		t.insertOrdered(messageID)
	}
	m.Text = finalText
	m.Status = "done"
	if model != "" {
		m.Model = model
	}
	return nil
}

func (s *Store) FailMessage(threadID string, messageID string) error {
	if s == nil {
		return errors.New("store not initialized")
	}
	threadID = strings.TrimSpace(threadID)
	messageID = strings.TrimSpace(messageID)
	if threadID == "" || messageID == "" {
		return errors.New("invalid error target")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.thread(threadID)
	m, ok := t.messages[messageID]
	if !ok {
		m = &Message{ID: messageID, ThreadID: threadID, Sender: "llm"}
		t.messages[messageID] = m
		t.insertOrdered(messageID)
	}
	m.Status = "error"
	return nil
}

// ApplyEnvelope routes a websocket envelope to the matching mutation.
func (s *Store) ApplyEnvelope(env chat.Envelope) error {
	if s == nil {
		return errors.New("store not initialized")
	}
	switch env.Type {
	case chat.EnvelopeTextDelta:
		return s.AppendDeltaText(env.ThreadID, env.ID, env.Model, env.Delta)
	case chat.EnvelopeMessageFinished:
		return s.FinishMessage(env.ThreadID, env.ID, env.Model, env.Message)
	case chat.EnvelopeError:
		return s.FailMessage(env.ThreadID, env.ID)
	default:
		return errors.New("unknown envelope type")
	}
}

// IDPair maps a source message id to the id of its branch copy.
type IDPair struct {
	SourceMessageID string
	NewMessageID    string
}

// BranchOff copies the thread prefix up to and including uptoMessageID into a
// fresh thread. Copies are forced done regardless of source status, so a
// branch taken mid-stream captures the text streamed so far as settled
// content. All-or-nothing: an unknown target mutates nothing.
//
// The returned pairs are in ascending source order and are what the server
// branch endpoint expects, so persisted copies carry the same ids.
func (s *Store) BranchOff(fromThreadID string, uptoMessageID string) (string, []IDPair, error) {
	if s == nil {
		return "", nil, errors.New("store not initialized")
	}
	fromThreadID = strings.TrimSpace(fromThreadID)
	uptoMessageID = strings.TrimSpace(uptoMessageID)
	if fromThreadID == "" || uptoMessageID == "" {
		return "", nil, errors.New("invalid branch request")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.threads[fromThreadID]
	if !ok {
		return "", nil, ErrBranchTargetNotFound
	}
	if _, ok := src.messages[uptoMessageID]; !ok {
		return "", nil, ErrBranchTargetNotFound
	}

	newThreadID, err := s.newThreadID()
	if err != nil {
		return "", nil, err
	}

	// Build the full copy first; only install it once every id minted.
	pairs := make([]IDPair, 0, len(src.order))
	copies := make([]*Message, 0, len(src.order))
	for _, id := range src.order {
		m := src.messages[id]
		newID, err := s.newMessageID()
		if err != nil {
			return "", nil, err
		}
		cp := *m
		cp.ID = newID
		cp.ThreadID = newThreadID
		cp.Status = "done"
		copies = append(copies, &cp)
		pairs = append(pairs, IDPair{SourceMessageID: id, NewMessageID: newID})
		if id == uptoMessageID {
			break
		}
	}

	dst := &threadState{messages: make(map[string]*Message, len(copies))}
	for _, cp := range copies {
		dst.messages[cp.ID] = cp
		dst.order = append(dst.order, cp.ID)
	}
	s.threads[newThreadID] = dst
	return newThreadID, pairs, nil
}

// RetryMessage rewinds a thread for re-generation: everything after the
// target is discarded and the target is reset to an empty streaming message
// under the given model. The deltas of the new attempt then stream into the
// same id. Destructive and not undoable, mirroring the server.
func (s *Store) RetryMessage(threadID string, messageID string, model string) error {
	if s == nil {
		return errors.New("store not initialized")
	}
	threadID = strings.TrimSpace(threadID)
	messageID = strings.TrimSpace(messageID)
	if threadID == "" || messageID == "" {
		return errors.New("invalid retry request")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[threadID]
	if !ok {
		return ErrRetryTargetNotFound
	}
	m, ok := t.messages[messageID]
	if !ok {
		return ErrRetryTargetNotFound
	}

	idx := sort.SearchStrings(t.order, messageID)
	for _, id := range t.order[idx+1:] {
		delete(t.messages, id)
	}
	t.order = t.order[:idx+1]

	m.Text = ""
	m.Status = "streaming"
	if model != "" {
		m.Model = model
	}
	return nil
}

// Thread returns the thread's messages in order. The slice and its elements
// are copies; callers may hold them across further mutations.
func (s *Store) Thread(threadID string) []Message {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[strings.TrimSpace(threadID)]
	if !ok {
		return nil
	}
	out := make([]Message, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.messages[id])
	}
	return out
}

// Message returns a copy of one message, or false if unknown.
func (s *Store) Message(threadID string, messageID string) (Message, bool) {
	if s == nil {
		return Message{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[strings.TrimSpace(threadID)]
	if !ok {
		return Message{}, false
	}
	m, ok := t.messages[strings.TrimSpace(messageID)]
	if !ok {
		return Message{}, false
	}
	return *m, true
}

// IsStreaming reports whether any message in the thread is still streaming.
// The renderer uses it to gate the input box.
func (s *Store) IsStreaming(threadID string) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[strings.TrimSpace(threadID)]
	if !ok {
		return false
	}
	for _, m := range t.messages {
		if m.Status == "streaming" {
			return true
		}
	}
	return false
}
