package chat

import (
	"encoding/json"
	"errors"
	"strings"
)

// Envelope is the event frame pushed to every live connection of a user.
//
// It carries no sequence number; ordering is guaranteed only by the single
// ordered stream that produces it (the turn goroutine emits persist and
// broadcast effects for one message strictly in delta-arrival order).
const (
	EnvelopeTextDelta       = "text-delta"
	EnvelopeMessageFinished = "message-finished"
	EnvelopeError           = "error"
)

type Envelope struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Model    string `json:"model,omitempty"`
	Delta    string `json:"delta,omitempty"`
	Message  string `json:"message,omitempty"`
	ThreadID string `json:"threadId"`
}

func (e Envelope) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("missing envelope id")
	}
	if strings.TrimSpace(e.ThreadID) == "" {
		return errors.New("missing envelope threadId")
	}
	switch e.Type {
	case EnvelopeTextDelta, EnvelopeMessageFinished, EnvelopeError:
		return nil
	default:
		return errors.New("unknown envelope type")
	}
}

func (e Envelope) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

func DecodeEnvelope(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, err
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
