package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/floegence/chatstream/internal/chat/threadstore"
	"github.com/floegence/chatstream/internal/config"
)

var (
	ErrNotConfigured        = errors.New("chat not configured")
	ErrThreadBusy           = errors.New("thread already streaming")
	ErrThreadNotFound       = errors.New("thread not found")
	ErrBranchTargetNotFound = errors.New("branch target message not found")
	ErrRetryTargetNotFound  = errors.New("retry target message not found")
)

type Options struct {
	Logger   *slog.Logger
	StateDir string

	Config *config.Config

	// TurnMaxWallTime is the hard cap for a single streamed turn.
	//
	// When zero, it defaults to 5 minutes.
	TurnMaxWallTime time.Duration

	// FlushChars overrides the delta batching threshold. Zero means the
	// default.
	FlushChars int

	// NewProvider overrides provider construction. Intended for tests only.
	NewProvider func(providerType string, baseURL string, apiKey string) (Provider, error)
}

type Service struct {
	log *slog.Logger

	stateDir   string
	uploadsDir string

	cfg *config.Config

	store *threadstore.Store
	hubs  *hubManager

	turnMaxWallTime time.Duration
	flushChars      int
	newProvider     func(providerType string, baseURL string, apiKey string) (Provider, error)

	mu             sync.Mutex
	activeByThread map[string]string // thread_id -> streaming assistant message_id
	closed         bool

	turns sync.WaitGroup
}

const defaultTurnMaxWallTime = 5 * time.Minute

func New(opts Options) (*Service, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stateDir := strings.TrimSpace(opts.StateDir)
	if stateDir == "" {
		return nil, errors.New("missing state dir")
	}
	if opts.Config == nil {
		return nil, errors.New("missing config")
	}

	store, err := threadstore.Open(filepath.Join(stateDir, "chat", "threads.db"))
	if err != nil {
		return nil, err
	}

	s := &Service{
		log:             logger,
		stateDir:        stateDir,
		uploadsDir:      filepath.Join(stateDir, "chat", "uploads"),
		cfg:             opts.Config,
		store:           store,
		hubs:            newHubManager(logger),
		turnMaxWallTime: opts.TurnMaxWallTime,
		flushChars:      opts.FlushChars,
		newProvider:     opts.NewProvider,
		activeByThread:  make(map[string]string),
	}
	if s.turnMaxWallTime <= 0 {
		s.turnMaxWallTime = defaultTurnMaxWallTime
	}
	if s.flushChars <= 0 {
		s.flushChars = opts.Config.Stream.FlushChars
	}
	if s.newProvider == nil {
		s.newProvider = newProviderAdapter
	}
	if err := s.initUploadsDir(); err != nil {
		_ = store.Close()
		return nil, err
	}
	return s, nil
}

// Close stops accepting turns, waits for in-flight streams to reach a
// terminal state, then shuts the hubs and the store down.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.turns.Wait()
	s.hubs.Close()
	return s.store.Close()
}

// AttachConn registers a live connection for the user. Every envelope the
// user's streams produce from now on is written to it.
//
// A hub can idle-collect itself between Get and Accept; retrying lands on
// the fresh replacement the manager hands out.
func (s *Service) AttachConn(userID string, conn Conn) error {
	if s == nil {
		return errors.New("nil service")
	}
	var err error
	for i := 0; i < 3; i++ {
		h := s.hubs.Get(userID)
		if h == nil {
			return errors.New("invalid user")
		}
		if err = h.Accept(conn); !errors.Is(err, errHubClosed) {
			return err
		}
	}
	return err
}

func (s *Service) DetachConn(userID string, conn Conn) {
	if s == nil {
		return
	}
	if h := s.hubs.lookup(userID); h != nil {
		h.Detach(conn)
	}
}

// resolveModel picks the model (falling back to the configured default) and
// builds the provider adapter serving it.
func (s *Service) resolveModel(model string) (string, Provider, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		model = strings.TrimSpace(s.cfg.DefaultModel)
	}
	if model == "" {
		return "", nil, ErrNotConfigured
	}
	m, ok := s.cfg.FindModel(model)
	if !ok {
		return "", nil, ErrNotConfigured
	}
	p, ok := s.cfg.FindProvider(m.Provider)
	if !ok {
		return "", nil, ErrNotConfigured
	}
	adapter, err := s.newProvider(p.Type, p.BaseURL, p.APIKey)
	if err != nil {
		return "", nil, err
	}
	return model, adapter, nil
}

func (s *Service) markStreaming(threadID string, assistantMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("service closed")
	}
	if _, busy := s.activeByThread[threadID]; busy {
		return ErrThreadBusy
	}
	s.activeByThread[threadID] = assistantMessageID
	return nil
}

func (s *Service) clearStreaming(threadID string, assistantMessageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeByThread[threadID] == assistantMessageID {
		delete(s.activeByThread, threadID)
	}
}

type SubmitTurnRequest struct {
	UserID   string
	ThreadID string
	// IsNewThread asks the service to create the thread row first; the
	// client already minted the thread id.
	IsNewThread bool

	PromptText string
	// Ids are minted client-side so the optimistic local inserts and the
	// persisted rows agree without a round trip.
	UserMessageID      string
	AssistantMessageID string

	Model          string
	AttachmentRefs []AttachmentRef
}

// SubmitTurn persists the user's message, pre-creates the assistant row in
// streaming state, and starts the provider stream on a detached goroutine.
// It returns once both rows are durable; it does not wait for the stream.
func (s *Service) SubmitTurn(ctx context.Context, req SubmitTurnRequest) error {
	if s == nil {
		return errors.New("nil service")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	userID := strings.TrimSpace(req.UserID)
	threadID := strings.TrimSpace(req.ThreadID)
	prompt := req.PromptText
	if userID == "" || strings.TrimSpace(prompt) == "" {
		return errors.New("invalid turn request")
	}
	if !ValidThreadID(threadID) || !ValidMessageID(req.UserMessageID) || !ValidMessageID(req.AssistantMessageID) {
		return errors.New("invalid turn request")
	}
	if req.UserMessageID >= req.AssistantMessageID {
		// Context assembly and retry truncation compare ids; the assistant
		// row must sort after the prompt that caused it.
		return errors.New("invalid turn request")
	}

	model, provider, err := s.resolveModel(req.Model)
	if err != nil {
		return err
	}

	if req.IsNewThread {
		if err := s.store.CreateThread(ctx, threadstore.Thread{ThreadID: threadID, UserID: userID}); err != nil {
			return err
		}
	}

	if err := s.markStreaming(threadID, req.AssistantMessageID); err != nil {
		return err
	}

	attachmentsJSON := "[]"
	if len(req.AttachmentRefs) > 0 {
		b, err := json.Marshal(req.AttachmentRefs)
		if err != nil {
			s.clearStreaming(threadID, req.AssistantMessageID)
			return err
		}
		attachmentsJSON = string(b)
	}

	if _, err := s.store.InsertMessage(ctx, threadstore.Message{
		ThreadID:        threadID,
		UserID:          userID,
		MessageID:       strings.TrimSpace(req.UserMessageID),
		Sender:          threadstore.SenderUser,
		Status:          threadstore.StatusDone,
		TextContent:     &prompt,
		AttachmentsJSON: attachmentsJSON,
	}); err != nil {
		s.clearStreaming(threadID, req.AssistantMessageID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrThreadNotFound
		}
		return err
	}

	if _, err := s.store.InsertMessage(ctx, threadstore.Message{
		ThreadID:  threadID,
		UserID:    userID,
		MessageID: strings.TrimSpace(req.AssistantMessageID),
		Sender:    threadstore.SenderLLM,
		Status:    threadstore.StatusStreaming,
		Model:     model,
	}); err != nil {
		s.clearStreaming(threadID, req.AssistantMessageID)
		return err
	}

	s.startTurn(userID, threadID, strings.TrimSpace(req.AssistantMessageID), model, provider)
	return nil
}

type RetryRequest struct {
	UserID    string
	ThreadID  string
	MessageID string
	Model     string
}

// Retry rewinds the thread to the target assistant message and re-streams it
// under the requested model. Everything after the target is gone for good.
func (s *Service) Retry(ctx context.Context, req RetryRequest) error {
	if s == nil {
		return errors.New("nil service")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	userID := strings.TrimSpace(req.UserID)
	threadID := strings.TrimSpace(req.ThreadID)
	messageID := strings.TrimSpace(req.MessageID)
	if userID == "" || !ValidThreadID(threadID) || !ValidMessageID(messageID) {
		return errors.New("invalid retry request")
	}

	target, err := s.store.GetMessage(ctx, threadID, messageID)
	if err != nil {
		return err
	}
	if target == nil || target.UserID != userID {
		return ErrRetryTargetNotFound
	}
	if target.Sender != threadstore.SenderLLM {
		return errors.New("retry target is not an assistant message")
	}

	model, provider, err := s.resolveModel(req.Model)
	if err != nil {
		return err
	}

	if err := s.markStreaming(threadID, messageID); err != nil {
		return err
	}

	if err := s.store.ResetForRetry(ctx, userID, threadID, messageID, model); err != nil {
		s.clearStreaming(threadID, messageID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrRetryTargetNotFound
		}
		return err
	}

	s.startTurn(userID, threadID, messageID, model, provider)
	return nil
}

type BranchRequest struct {
	UserID       string
	FromThreadID string
	NewThreadID  string
	Title        string
	Mappings     []threadstore.IDPair
}

// Branch persists a client-initiated branch: the copied prefix arrives as an
// id mapping so server rows carry the same ids as the client's projection.
func (s *Service) Branch(ctx context.Context, req BranchRequest) error {
	if s == nil {
		return errors.New("nil service")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	userID := strings.TrimSpace(req.UserID)
	if userID == "" || !ValidThreadID(req.FromThreadID) || !ValidThreadID(req.NewThreadID) || len(req.Mappings) == 0 {
		return errors.New("invalid branch request")
	}
	for _, pair := range req.Mappings {
		if !ValidMessageID(pair.SourceMessageID) || !ValidMessageID(pair.NewMessageID) {
			return errors.New("invalid branch request")
		}
	}

	err := s.store.CopyPrefix(ctx, userID, strings.TrimSpace(req.FromThreadID), strings.TrimSpace(req.NewThreadID), req.Title, req.Mappings)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrBranchTargetNotFound
	}
	return err
}

func (s *Service) ListThreads(ctx context.Context, userID string, limit int, cursor string) ([]threadstore.Thread, string, error) {
	if s == nil {
		return nil, "", errors.New("nil service")
	}
	c, ok := threadstore.DecodeCursor(cursor)
	if !ok {
		return nil, "", errors.New("invalid cursor")
	}
	return s.store.ListThreads(ctx, userID, limit, c)
}

func (s *Service) GetThread(ctx context.Context, userID string, threadID string) (*threadstore.Thread, error) {
	if s == nil {
		return nil, errors.New("nil service")
	}
	return s.store.GetThread(ctx, userID, threadID)
}

func (s *Service) ListMessages(ctx context.Context, userID string, threadID string) ([]threadstore.Message, error) {
	if s == nil {
		return nil, errors.New("nil service")
	}
	return s.store.ListMessages(ctx, userID, threadID, 0)
}

func (s *Service) DeleteThread(ctx context.Context, userID string, threadID string) error {
	if s == nil {
		return errors.New("nil service")
	}
	err := s.store.DeleteThread(ctx, userID, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrThreadNotFound
	}
	return err
}

func (s *Service) RenameThread(ctx context.Context, userID string, threadID string, title string) error {
	if s == nil {
		return errors.New("nil service")
	}
	err := s.store.RenameThread(ctx, userID, threadID, title)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrThreadNotFound
	}
	return err
}
