package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/floegence/chatstream/internal/chat/threadstore"
	"github.com/floegence/chatstream/internal/config"
)

type fakeProvider struct {
	mu       sync.Mutex
	deltas   []string
	final    string
	err      error
	requests []TurnRequest
}

func (p *fakeProvider) StreamTurn(ctx context.Context, req TurnRequest, onEvent func(StreamEvent)) (TurnResult, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	deltas := p.deltas
	final := p.final
	err := p.err
	p.mu.Unlock()

	for _, d := range deltas {
		onEvent(StreamEvent{Type: StreamEventTextDelta, Text: d})
	}
	if err != nil {
		return TurnResult{}, err
	}
	if final == "" {
		final = strings.Join(deltas, "")
	}
	return TurnResult{Text: final, FinishReason: "stop"}, nil
}

func (p *fakeProvider) lastRequest(t *testing.T) TurnRequest {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		t.Fatalf("provider never called")
	}
	return p.requests[len(p.requests)-1]
}

func testConfig() *config.Config {
	return &config.Config{
		StateDir:     "unused",
		DefaultModel: "m-test",
		SystemPrompt: "be terse",
		Providers:    []config.Provider{{ID: "p-test", Type: "openai", APIKey: "k"}},
		Models:       []config.Model{{ID: "m-test", Provider: "p-test"}, {ID: "m-alt", Provider: "p-test"}},
		Stream:       config.StreamConfig{FlushChars: 8},
	}
}

func newTestService(t *testing.T, provider Provider) *Service {
	t.Helper()
	s, err := New(Options{
		Logger:     testLogger(),
		StateDir:   t.TempDir(),
		Config:     testConfig(),
		FlushChars: 8,
		NewProvider: func(providerType string, baseURL string, apiKey string) (Provider, error) {
			return provider, nil
		},
	})
	if err != nil {
		t.Fatalf("New error=%v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustID(t *testing.T, fn func() (string, error)) string {
	t.Helper()
	id, err := fn()
	if err != nil {
		t.Fatalf("id mint error=%v", err)
	}
	return id
}

func submitTurn(t *testing.T, s *Service, userID string, threadID string, prompt string) (string, string) {
	t.Helper()
	userMsgID := mustID(t, NewMessageID)
	assistantMsgID := mustID(t, NewMessageID)
	err := s.SubmitTurn(context.Background(), SubmitTurnRequest{
		UserID:             userID,
		ThreadID:           threadID,
		IsNewThread:        true,
		PromptText:         prompt,
		UserMessageID:      userMsgID,
		AssistantMessageID: assistantMsgID,
	})
	if err != nil {
		t.Fatalf("SubmitTurn error=%v", err)
	}
	return userMsgID, assistantMsgID
}

func waitForStatus(t *testing.T, s *Service, userID string, threadID string, messageID string, want string) threadstore.Message {
	t.Helper()
	var got threadstore.Message
	waitUntil(t, "message to reach status "+want, func() bool {
		msgs, err := s.ListMessages(context.Background(), userID, threadID)
		if err != nil {
			return false
		}
		for _, m := range msgs {
			if m.MessageID == messageID {
				got = m
				return m.Status == want
			}
		}
		return false
	})
	return got
}

func TestSubmitTurnStreamsPersistsAndBroadcastsInOrder(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{deltas: []string{"The answer ", "is 42, ", "obviously."}}
	s := newTestService(t, provider)

	conn := &fakeConn{}
	if err := s.AttachConn("u1", conn); err != nil {
		t.Fatalf("AttachConn error=%v", err)
	}

	threadID := mustID(t, NewThreadID)
	_, assistantID := submitTurn(t, s, "u1", threadID, "what is the answer?")

	final := waitForStatus(t, s, "u1", threadID, assistantID, threadstore.StatusDone)
	want := "The answer is 42, obviously."
	if final.TextContent == nil || *final.TextContent != want {
		t.Fatalf("persisted text got=%v want=%q", final.TextContent, want)
	}

	// The socket saw ordered deltas whose concatenation is the final text,
	// then a finished envelope carrying the authoritative copy.
	waitUntil(t, "finished envelope", func() bool {
		n := conn.frameCount()
		if n == 0 {
			return false
		}
		env, err := DecodeEnvelope(conn.frames[n-1])
		return err == nil && env.Type == EnvelopeMessageFinished
	})

	var rebuilt strings.Builder
	for i, frame := range conn.frames {
		env, err := DecodeEnvelope(frame)
		if err != nil {
			t.Fatalf("DecodeEnvelope[%d] error=%v", i, err)
		}
		if env.ID != assistantID || env.ThreadID != threadID {
			t.Fatalf("frame[%d] routed to id=%q thread=%q", i, env.ID, env.ThreadID)
		}
		switch env.Type {
		case EnvelopeTextDelta:
			rebuilt.WriteString(env.Delta)
		case EnvelopeMessageFinished:
			if env.Message != want {
				t.Fatalf("finished message got=%q want=%q", env.Message, want)
			}
		default:
			t.Fatalf("frame[%d] unexpected type %q", i, env.Type)
		}
	}
	if rebuilt.String() != want {
		t.Fatalf("delta concatenation got=%q want=%q", rebuilt.String(), want)
	}
}

func TestSubmitTurnContextAssembly(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{deltas: []string{"fine"}}
	s := newTestService(t, provider)

	threadID := mustID(t, NewThreadID)
	_, firstAssistant := submitTurn(t, s, "u1", threadID, "first question")
	waitForStatus(t, s, "u1", threadID, firstAssistant, threadstore.StatusDone)

	userMsgID := mustID(t, NewMessageID)
	assistantMsgID := mustID(t, NewMessageID)
	if err := s.SubmitTurn(context.Background(), SubmitTurnRequest{
		UserID:             "u1",
		ThreadID:           threadID,
		PromptText:         "second question",
		UserMessageID:      userMsgID,
		AssistantMessageID: assistantMsgID,
	}); err != nil {
		t.Fatalf("SubmitTurn error=%v", err)
	}
	waitForStatus(t, s, "u1", threadID, assistantMsgID, threadstore.StatusDone)

	req := provider.lastRequest(t)
	roles := make([]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		roles = append(roles, m.Role)
	}
	wantRoles := []string{"system", "user", "assistant", "user"}
	if len(roles) != len(wantRoles) {
		t.Fatalf("context roles got=%v want=%v", roles, wantRoles)
	}
	for i := range wantRoles {
		if roles[i] != wantRoles[i] {
			t.Fatalf("context roles got=%v want=%v", roles, wantRoles)
		}
	}
	if req.Messages[0].Text != "be terse" {
		t.Fatalf("system text got=%q want=%q", req.Messages[0].Text, "be terse")
	}
	if req.Messages[3].Text != "second question" {
		t.Fatalf("last user text got=%q want=%q", req.Messages[3].Text, "second question")
	}
}

func TestSubmitTurnProviderFailureMarksError(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{deltas: []string{"partial "}, err: errors.New("upstream exploded")}
	s := newTestService(t, provider)

	conn := &fakeConn{}
	if err := s.AttachConn("u1", conn); err != nil {
		t.Fatalf("AttachConn error=%v", err)
	}

	threadID := mustID(t, NewThreadID)
	_, assistantID := submitTurn(t, s, "u1", threadID, "boom please")

	m := waitForStatus(t, s, "u1", threadID, assistantID, threadstore.StatusError)
	// Text streamed before the failure is kept.
	if m.TextContent == nil || *m.TextContent != "partial " {
		t.Fatalf("partial text got=%v want=%q", m.TextContent, "partial ")
	}

	waitUntil(t, "error envelope", func() bool {
		n := conn.frameCount()
		if n == 0 {
			return false
		}
		env, err := DecodeEnvelope(conn.frames[n-1])
		return err == nil && env.Type == EnvelopeError && env.ID == assistantID
	})
}

func TestSubmitTurnRejectsConcurrentStreamOnThread(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	provider := &blockingProvider{release: block}
	s := newTestService(t, provider)

	threadID := mustID(t, NewThreadID)
	_, assistantID := submitTurn(t, s, "u1", threadID, "slow one")

	err := s.SubmitTurn(context.Background(), SubmitTurnRequest{
		UserID:             "u1",
		ThreadID:           threadID,
		PromptText:         "impatient second",
		UserMessageID:      mustID(t, NewMessageID),
		AssistantMessageID: mustID(t, NewMessageID),
	})
	if !errors.Is(err, ErrThreadBusy) {
		t.Fatalf("SubmitTurn error=%v want=ErrThreadBusy", err)
	}

	close(block)
	waitForStatus(t, s, "u1", threadID, assistantID, threadstore.StatusDone)
}

type blockingProvider struct {
	release chan struct{}
}

func (p *blockingProvider) StreamTurn(ctx context.Context, req TurnRequest, onEvent func(StreamEvent)) (TurnResult, error) {
	onEvent(StreamEvent{Type: StreamEventTextDelta, Text: "slow"})
	select {
	case <-p.release:
	case <-ctx.Done():
		return TurnResult{}, ctx.Err()
	}
	return TurnResult{Text: "slow", FinishReason: "stop"}, nil
}

func TestSubmitTurnValidation(t *testing.T) {
	t.Parallel()

	s := newTestService(t, &fakeProvider{})

	threadID := mustID(t, NewThreadID)
	userMsgID := mustID(t, NewMessageID)
	assistantMsgID := mustID(t, NewMessageID)

	cases := []struct {
		name string
		req  SubmitTurnRequest
	}{
		{"missing prompt", SubmitTurnRequest{UserID: "u1", ThreadID: threadID, IsNewThread: true, UserMessageID: userMsgID, AssistantMessageID: assistantMsgID}},
		{"bad thread id", SubmitTurnRequest{UserID: "u1", ThreadID: "nope", PromptText: "hi", UserMessageID: userMsgID, AssistantMessageID: assistantMsgID}},
		{"bad message id", SubmitTurnRequest{UserID: "u1", ThreadID: threadID, PromptText: "hi", UserMessageID: "nope", AssistantMessageID: assistantMsgID}},
		{"assistant id not after user id", SubmitTurnRequest{UserID: "u1", ThreadID: threadID, PromptText: "hi", UserMessageID: assistantMsgID, AssistantMessageID: userMsgID}},
	}
	for _, tc := range cases {
		if err := s.SubmitTurn(context.Background(), tc.req); err == nil {
			t.Fatalf("%s: SubmitTurn accepted invalid request", tc.name)
		}
	}

	err := s.SubmitTurn(context.Background(), SubmitTurnRequest{
		UserID:             "u1",
		ThreadID:           threadID,
		IsNewThread:        true,
		PromptText:         "hi",
		Model:              "m-unknown",
		UserMessageID:      userMsgID,
		AssistantMessageID: assistantMsgID,
	})
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("unknown model error=%v want=ErrNotConfigured", err)
	}
}

func TestRetryTruncatesAndRestreams(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{deltas: []string{"first answer"}}
	s := newTestService(t, provider)

	threadID := mustID(t, NewThreadID)
	_, firstAssistant := submitTurn(t, s, "u1", threadID, "q1")
	waitForStatus(t, s, "u1", threadID, firstAssistant, threadstore.StatusDone)

	userMsgID := mustID(t, NewMessageID)
	assistantMsgID := mustID(t, NewMessageID)
	if err := s.SubmitTurn(context.Background(), SubmitTurnRequest{
		UserID:             "u1",
		ThreadID:           threadID,
		PromptText:         "q2",
		UserMessageID:      userMsgID,
		AssistantMessageID: assistantMsgID,
	}); err != nil {
		t.Fatalf("SubmitTurn error=%v", err)
	}
	waitForStatus(t, s, "u1", threadID, assistantMsgID, threadstore.StatusDone)

	// Retry the FIRST assistant message under a new model: q2 and its answer
	// are discarded, and the first answer re-streams into the same id.
	provider.mu.Lock()
	provider.deltas = []string{"better answer"}
	provider.mu.Unlock()

	if err := s.Retry(context.Background(), RetryRequest{
		UserID:    "u1",
		ThreadID:  threadID,
		MessageID: firstAssistant,
		Model:     "m-alt",
	}); err != nil {
		t.Fatalf("Retry error=%v", err)
	}

	m := waitForStatus(t, s, "u1", threadID, firstAssistant, threadstore.StatusDone)
	if m.TextContent == nil || *m.TextContent != "better answer" {
		t.Fatalf("retried text got=%v want=%q", m.TextContent, "better answer")
	}
	if m.Model != "m-alt" {
		t.Fatalf("retried model got=%q want=m-alt", m.Model)
	}

	msgs, err := s.ListMessages(context.Background(), "u1", threadID)
	if err != nil {
		t.Fatalf("ListMessages error=%v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) after retry got=%d want=2", len(msgs))
	}

	err = s.Retry(context.Background(), RetryRequest{
		UserID:    "u1",
		ThreadID:  threadID,
		MessageID: mustID(t, NewMessageID),
	})
	if !errors.Is(err, ErrRetryTargetNotFound) {
		t.Fatalf("Retry unknown target error=%v want=ErrRetryTargetNotFound", err)
	}
}

func TestBranchPersistsMappedCopies(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{deltas: []string{"an answer"}}
	s := newTestService(t, provider)

	threadID := mustID(t, NewThreadID)
	userMsgID, assistantID := submitTurn(t, s, "u1", threadID, "q1")
	waitForStatus(t, s, "u1", threadID, assistantID, threadstore.StatusDone)

	newThreadID := mustID(t, NewThreadID)
	mappings := []threadstore.IDPair{
		{SourceMessageID: userMsgID, NewMessageID: mustID(t, NewMessageID)},
		{SourceMessageID: assistantID, NewMessageID: mustID(t, NewMessageID)},
	}
	if err := s.Branch(context.Background(), BranchRequest{
		UserID:       "u1",
		FromThreadID: threadID,
		NewThreadID:  newThreadID,
		Mappings:     mappings,
	}); err != nil {
		t.Fatalf("Branch error=%v", err)
	}

	msgs, err := s.ListMessages(context.Background(), "u1", newThreadID)
	if err != nil {
		t.Fatalf("ListMessages error=%v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len(branch msgs) got=%d want=2", len(msgs))
	}
	if msgs[0].MessageID != mappings[0].NewMessageID || msgs[1].MessageID != mappings[1].NewMessageID {
		t.Fatalf("branch ids got=%q,%q want mapped ids", msgs[0].MessageID, msgs[1].MessageID)
	}
	if msgs[1].TextContent == nil || *msgs[1].TextContent != "an answer" {
		t.Fatalf("branch text got=%v want=%q", msgs[1].TextContent, "an answer")
	}

	err = s.Branch(context.Background(), BranchRequest{
		UserID:       "u1",
		FromThreadID: threadID,
		NewThreadID:  mustID(t, NewThreadID),
		Mappings:     []threadstore.IDPair{{SourceMessageID: mustID(t, NewMessageID), NewMessageID: mustID(t, NewMessageID)}},
	})
	if !errors.Is(err, ErrBranchTargetNotFound) {
		t.Fatalf("Branch unknown source error=%v want=ErrBranchTargetNotFound", err)
	}
}

func TestAttachmentInlinedIntoContext(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{deltas: []string{"ok"}}
	s := newTestService(t, provider)

	meta, err := s.SaveUpload(strings.NewReader("notes body"), "notes.txt", "text/plain", 0)
	if err != nil {
		t.Fatalf("SaveUpload error=%v", err)
	}

	threadID := mustID(t, NewThreadID)
	userMsgID := mustID(t, NewMessageID)
	assistantMsgID := mustID(t, NewMessageID)
	if err := s.SubmitTurn(context.Background(), SubmitTurnRequest{
		UserID:             "u1",
		ThreadID:           threadID,
		IsNewThread:        true,
		PromptText:         "summarize this",
		UserMessageID:      userMsgID,
		AssistantMessageID: assistantMsgID,
		AttachmentRefs:     []AttachmentRef{{UploadID: meta.ID, Name: "notes.txt"}},
	}); err != nil {
		t.Fatalf("SubmitTurn error=%v", err)
	}
	waitForStatus(t, s, "u1", threadID, assistantMsgID, threadstore.StatusDone)

	req := provider.lastRequest(t)
	last := req.Messages[len(req.Messages)-1]
	if !strings.Contains(last.Text, "notes body") {
		t.Fatalf("attachment content not inlined, got=%q", last.Text)
	}

	// An unresolvable ref degrades to a placeholder instead of failing.
	threadID2 := mustID(t, NewThreadID)
	userMsgID2 := mustID(t, NewMessageID)
	assistantMsgID2 := mustID(t, NewMessageID)
	if err := s.SubmitTurn(context.Background(), SubmitTurnRequest{
		UserID:             "u1",
		ThreadID:           threadID2,
		IsNewThread:        true,
		PromptText:         "summarize this too",
		UserMessageID:      userMsgID2,
		AssistantMessageID: assistantMsgID2,
		AttachmentRefs:     []AttachmentRef{{UploadID: "upl_bm9wZW5vcGVub3BlAAAA", Name: "ghost.txt"}},
	}); err != nil {
		t.Fatalf("SubmitTurn error=%v", err)
	}
	waitForStatus(t, s, "u1", threadID2, assistantMsgID2, threadstore.StatusDone)

	req = provider.lastRequest(t)
	last = req.Messages[len(req.Messages)-1]
	if !strings.Contains(last.Text, "could not be loaded") {
		t.Fatalf("missing attachment placeholder, got=%q", last.Text)
	}
}

func TestAttachConnAfterHubIdleCollection(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{deltas: []string{"still alive"}}
	s := newTestService(t, provider)
	s.hubs.idle = 20 * time.Millisecond

	// The user's hub idle-collects before the tab attaches.
	stale := s.hubs.Get("u1")
	waitUntil(t, "hub to idle out", func() bool { return !stale.alive() })

	conn := &fakeConn{}
	if err := s.AttachConn("u1", conn); err != nil {
		t.Fatalf("AttachConn error=%v", err)
	}

	threadID := mustID(t, NewThreadID)
	_, assistantID := submitTurn(t, s, "u1", threadID, "anyone there?")
	waitForStatus(t, s, "u1", threadID, assistantID, threadstore.StatusDone)
	waitUntil(t, "stream frames on the fresh hub", func() bool { return conn.frameCount() > 0 })
}

func TestDetachConnDoesNotCreateHub(t *testing.T) {
	t.Parallel()

	s := newTestService(t, &fakeProvider{})
	s.DetachConn("ghost", &fakeConn{})

	s.hubs.mu.Lock()
	n := len(s.hubs.hubs)
	s.hubs.mu.Unlock()
	if n != 0 {
		t.Fatalf("hubs after detach of unknown user got=%d want=0", n)
	}
}

func TestTurnSurvivesSubmitterDisconnect(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	provider := &blockingProvider{release: block}
	s := newTestService(t, provider)

	conn := &fakeConn{}
	if err := s.AttachConn("u1", conn); err != nil {
		t.Fatalf("AttachConn error=%v", err)
	}

	threadID := mustID(t, NewThreadID)
	_, assistantID := submitTurn(t, s, "u1", threadID, "keep going")

	// The submitting tab goes away mid-stream.
	s.DetachConn("u1", conn)
	waitUntil(t, "conn closed", func() bool { return conn.isClosed() })

	close(block)
	m := waitForStatus(t, s, "u1", threadID, assistantID, threadstore.StatusDone)
	if m.TextContent == nil || *m.TextContent != "slow" {
		t.Fatalf("text got=%v want=%q", m.TextContent, "slow")
	}
}

func TestCloseWaitsForInflightTurn(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	provider := &blockingProvider{release: block}
	s, err := New(Options{
		Logger:   testLogger(),
		StateDir: t.TempDir(),
		Config:   testConfig(),
		NewProvider: func(string, string, string) (Provider, error) {
			return provider, nil
		},
	})
	if err != nil {
		t.Fatalf("New error=%v", err)
	}

	threadID := mustID(t, NewThreadID)
	_, assistantID := submitTurn(t, s, "u1", threadID, "slow one")

	closed := make(chan struct{})
	go func() {
		_ = s.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatalf("Close returned while a turn was streaming")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatalf("Close did not return after the turn finished")
	}
	_ = assistantID
}
