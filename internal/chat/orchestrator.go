package chat

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/floegence/chatstream/internal/chat/threadstore"
)

// startTurn launches the streaming turn on its own goroutine. The turn is
// detached from the submitting request: it carries its own timeout budget and
// keeps streaming when the submitting tab disconnects, because other tabs of
// the same user may still be watching and the row must reach a terminal
// status either way.
func (s *Service) startTurn(userID string, threadID string, assistantMessageID string, model string, provider Provider) {
	s.turns.Add(1)
	go func() {
		defer s.turns.Done()
		defer s.clearStreaming(threadID, assistantMessageID)

		ctx, cancel := context.WithTimeout(context.Background(), s.turnMaxWallTime)
		defer cancel()

		s.runTurn(ctx, userID, threadID, assistantMessageID, model, provider)
	}()
}

// runTurn drives one provider stream to a terminal state.
//
// Ordering invariant: deltas are consumed in arrival order on this one
// goroutine, and each flush persists before it broadcasts. Nothing about a
// given assistant message is ever emitted out of order.
func (s *Service) runTurn(ctx context.Context, userID string, threadID string, assistantMessageID string, model string, provider Provider) {
	log := s.log.With("user_id", userID, "thread_id", threadID, "message_id", assistantMessageID, "model", model)

	turnMessages, err := s.buildTurnContext(ctx, userID, threadID, assistantMessageID)
	if err != nil {
		log.Error("turn context assembly failed", "err", err)
		s.failTurn(log, userID, threadID, assistantMessageID)
		return
	}

	agg := newChunkAggregator(s.flushChars)
	var full strings.Builder

	flush := func() {
		chunk := agg.FlushAndClear()
		if chunk == "" {
			return
		}
		// Persist first, then broadcast. A failed append is logged and the
		// broadcast still goes out: the finish step overwrites the full text,
		// so durable state self-corrects at stream end.
		if err := s.store.AppendMessageText(ctx, threadID, assistantMessageID, chunk); err != nil {
			log.Warn("delta persist failed", "err", err)
		}
		s.hubs.Publish(userID, Envelope{
			ID:       assistantMessageID,
			Type:     EnvelopeTextDelta,
			Model:    model,
			Delta:    chunk,
			ThreadID: threadID,
		})
	}

	result, err := provider.StreamTurn(ctx, TurnRequest{
		Model:           model,
		Messages:        turnMessages,
		MaxOutputTokens: s.cfg.Stream.MaxOutputTokens,
	}, func(ev StreamEvent) {
		if ev.Type != StreamEventTextDelta || ev.Text == "" {
			return
		}
		full.WriteString(ev.Text)
		agg.Append(ev.Text)
		if agg.HasReachedLimit() {
			flush()
		}
	})

	// Trailing partial batch, flushed regardless of how the stream ended.
	flush()

	if err != nil {
		log.Error("provider stream failed", "err", err)
		s.failTurn(log, userID, threadID, assistantMessageID)
		return
	}

	finalText := result.Text
	if strings.TrimSpace(finalText) == "" {
		finalText = full.String()
	}

	// finishCtx survives a turn that timed out mid-stream: the row must still
	// reach a terminal status.
	finishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.store.FinishMessage(finishCtx, threadID, assistantMessageID, finalText); err != nil {
		log.Error("finish persist failed", "err", err)
		s.failTurn(log, userID, threadID, assistantMessageID)
		return
	}
	s.hubs.Publish(userID, Envelope{
		ID:       assistantMessageID,
		Type:     EnvelopeMessageFinished,
		Model:    model,
		Message:  finalText,
		ThreadID: threadID,
	})
	log.Info("turn finished", "chars", len(finalText), "finish_reason", result.FinishReason,
		"input_tokens", result.Usage.InputTokens, "output_tokens", result.Usage.OutputTokens)
}

// failTurn uses its own context: the usual reason to get here is that the
// turn context is already dead, and the row must still leave streaming state.
func (s *Service) failTurn(log *slog.Logger, userID string, threadID string, assistantMessageID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.FailMessage(ctx, threadID, assistantMessageID); err != nil {
		log.Warn("error persist failed", "err", err)
	}
	s.hubs.Publish(userID, Envelope{
		ID:       assistantMessageID,
		Type:     EnvelopeError,
		ThreadID: threadID,
	})
}

// buildTurnContext flattens the thread history into provider turns: every
// message before the assistant row being generated, with non-null text, in
// ascending id order. Attachment content is inlined into the owning user
// message; a ref that cannot be resolved degrades to a placeholder rather
// than failing the turn.
func (s *Service) buildTurnContext(ctx context.Context, userID string, threadID string, assistantMessageID string) ([]TurnMessage, error) {
	history, err := s.store.ListMessages(ctx, userID, threadID, 0)
	if err != nil {
		return nil, err
	}

	out := make([]TurnMessage, 0, len(history)+1)
	if sys := strings.TrimSpace(s.cfg.SystemPrompt); sys != "" {
		out = append(out, TurnMessage{Role: "system", Text: sys})
	}
	for _, m := range history {
		if m.MessageID >= assistantMessageID {
			break
		}
		if m.TextContent == nil {
			continue
		}
		text := *m.TextContent
		role := "user"
		if m.Sender == threadstore.SenderLLM {
			role = "assistant"
		} else if inlined := s.inlineAttachments(m.AttachmentsJSON); inlined != "" {
			text = text + "\n\n" + inlined
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		out = append(out, TurnMessage{Role: role, Text: text})
	}
	return out, nil
}
