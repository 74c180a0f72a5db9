package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/floegence/chatstream/internal/chat"
	"github.com/floegence/chatstream/internal/config"
)

type echoProvider struct{}

func (echoProvider) StreamTurn(ctx context.Context, req chat.TurnRequest, onEvent func(chat.StreamEvent)) (chat.TurnResult, error) {
	last := ""
	for _, m := range req.Messages {
		if m.Role == "user" {
			last = m.Text
		}
	}
	text := "echo: " + last
	onEvent(chat.StreamEvent{Type: chat.StreamEventTextDelta, Text: text})
	return chat.TurnResult{Text: text, FinishReason: "stop"}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *chat.Service) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := chat.New(chat.Options{
		Logger:   logger,
		StateDir: t.TempDir(),
		Config: &config.Config{
			StateDir:     "unused",
			DefaultModel: "m-test",
			Providers:    []config.Provider{{ID: "p-test", Type: "openai", APIKey: "k"}},
			Models:       []config.Model{{ID: "m-test", Provider: "p-test"}},
			Stream:       config.StreamConfig{FlushChars: 8},
		},
		NewProvider: func(string, string, string) (chat.Provider, error) {
			return echoProvider{}, nil
		},
	})
	if err != nil {
		t.Fatalf("chat.New error=%v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })

	srv, err := New(Options{Logger: logger, Listen: "127.0.0.1:0", Chat: svc, Version: "test"})
	if err != nil {
		t.Fatalf("New error=%v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, svc
}

func doJSON(t *testing.T, ts *httptest.Server, method string, path string, user string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body error=%v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest error=%v", err)
	}
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s error=%v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func mustID(t *testing.T, fn func() (string, error)) string {
	t.Helper()
	id, err := fn()
	if err != nil {
		t.Fatalf("id mint error=%v", err)
	}
	return id
}

func TestMissingIdentityIsRejected(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t)
	resp := doJSON(t, ts, http.MethodGet, "/api/chat/threads", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status got=%d want=401", resp.StatusCode)
	}
}

func TestTurnEndToEndOverWebsocket(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	header := http.Header{}
	header.Set(UserHeader, "u1")
	wsc, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("ws dial error=%v", err)
	}
	defer wsc.Close()

	threadID := mustID(t, chat.NewThreadID)
	userMsgID := mustID(t, chat.NewMessageID)
	assistantMsgID := mustID(t, chat.NewMessageID)
	resp := doJSON(t, ts, http.MethodPost, "/api/chat/turns", "u1", map[string]any{
		"promptText":         "hello there",
		"userMessageId":      userMsgID,
		"assistantMessageId": assistantMsgID,
		"threadId":           threadID,
		"isNewThread":        true,
	})
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("turn status got=%d body=%s", resp.StatusCode, b)
	}

	// Drain frames until message-finished; deltas must rebuild the final.
	var rebuilt strings.Builder
	deadline := time.Now().Add(5 * time.Second)
	for {
		_ = wsc.SetReadDeadline(deadline)
		_, raw, err := wsc.ReadMessage()
		if err != nil {
			t.Fatalf("ws read error=%v (rebuilt=%q)", err, rebuilt.String())
		}
		env, err := chat.DecodeEnvelope(raw)
		if err != nil {
			t.Fatalf("DecodeEnvelope error=%v", err)
		}
		if env.ID != assistantMsgID || env.ThreadID != threadID {
			t.Fatalf("frame routing got id=%q thread=%q", env.ID, env.ThreadID)
		}
		if env.Type == chat.EnvelopeTextDelta {
			rebuilt.WriteString(env.Delta)
			continue
		}
		if env.Type != chat.EnvelopeMessageFinished {
			t.Fatalf("unexpected envelope type %q", env.Type)
		}
		if env.Message != "echo: hello there" {
			t.Fatalf("final got=%q want=%q", env.Message, "echo: hello there")
		}
		if rebuilt.String() != env.Message {
			t.Fatalf("delta rebuild got=%q want=%q", rebuilt.String(), env.Message)
		}
		break
	}

	// Reload path: messages endpoint returns the identical final state.
	resp = doJSON(t, ts, http.MethodGet, "/api/chat/threads/"+threadID+"/messages", "u1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("messages status got=%d", resp.StatusCode)
	}
	var listing struct {
		Messages []messageJSON `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		t.Fatalf("decode listing error=%v", err)
	}
	if len(listing.Messages) != 2 {
		t.Fatalf("len(messages) got=%d want=2", len(listing.Messages))
	}
	last := listing.Messages[1]
	if last.MessageID != assistantMsgID || last.Status != "done" {
		t.Fatalf("assistant row got=%+v", last)
	}
	if last.Text == nil || *last.Text != "echo: hello there" {
		t.Fatalf("assistant text got=%v", last.Text)
	}
}

func TestThreadCRUDAndIsolation(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t)

	threadID := mustID(t, chat.NewThreadID)
	resp := doJSON(t, ts, http.MethodPost, "/api/chat/turns", "u1", map[string]any{
		"promptText":         "make me a thread",
		"userMessageId":      mustID(t, chat.NewMessageID),
		"assistantMessageId": mustID(t, chat.NewMessageID),
		"threadId":           threadID,
		"isNewThread":        true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("turn status got=%d", resp.StatusCode)
	}

	// Another user cannot see it.
	resp = doJSON(t, ts, http.MethodGet, "/api/chat/threads/"+threadID, "u2", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cross-user get status got=%d want=404", resp.StatusCode)
	}

	resp = doJSON(t, ts, http.MethodPatch, "/api/chat/threads/"+threadID, "u1", map[string]any{"title": "renamed"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rename status got=%d", resp.StatusCode)
	}
	resp = doJSON(t, ts, http.MethodGet, "/api/chat/threads/"+threadID, "u1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status got=%d", resp.StatusCode)
	}
	var th threadJSON
	if err := json.NewDecoder(resp.Body).Decode(&th); err != nil {
		t.Fatalf("decode thread error=%v", err)
	}
	if th.Title != "renamed" {
		t.Fatalf("title got=%q want=renamed", th.Title)
	}

	resp = doJSON(t, ts, http.MethodDelete, "/api/chat/threads/"+threadID, "u1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status got=%d", resp.StatusCode)
	}
	resp = doJSON(t, ts, http.MethodGet, "/api/chat/threads/"+threadID, "u1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status got=%d want=404", resp.StatusCode)
	}
}

func TestUploadRoundTrip(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t)

	var body bytes.Buffer
	mw := newMultipart(t, &body, "file", "notes.txt", "text/plain", "upload payload")
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/chat/uploads", &body)
	if err != nil {
		t.Fatalf("NewRequest error=%v", err)
	}
	req.Header.Set(UserHeader, "u1")
	req.Header.Set("Content-Type", mw)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("upload error=%v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("upload status got=%d body=%s", resp.StatusCode, b)
	}
	var meta chat.UploadMeta
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		t.Fatalf("decode meta error=%v", err)
	}
	if meta.ID == "" || meta.Size != int64(len("upload payload")) {
		t.Fatalf("meta got=%+v", meta)
	}

	dl := doJSON(t, ts, http.MethodGet, "/api/chat/uploads/"+meta.ID, "u1", nil)
	if dl.StatusCode != http.StatusOK {
		t.Fatalf("download status got=%d", dl.StatusCode)
	}
	data, _ := io.ReadAll(dl.Body)
	if string(data) != "upload payload" {
		t.Fatalf("download body got=%q", data)
	}
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t)
	resp := doJSON(t, ts, http.MethodGet, "/api/status", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status got=%d want=200", resp.StatusCode)
	}
	var st statusResp
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode status error=%v", err)
	}
	if st.Version != "test" || st.GoVersion == "" || st.TimeUnixMs == 0 {
		t.Fatalf("status body got=%+v", st)
	}
}

func newMultipart(t *testing.T, buf *bytes.Buffer, field string, filename string, mime string, content string) string {
	t.Helper()
	mw := multipart.NewWriter(buf)
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", fmt.Sprintf("form-data; name=%q; filename=%q", field, filename))
	h.Set("Content-Type", mime)
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatalf("CreatePart error=%v", err)
	}
	if _, err := io.WriteString(part, content); err != nil {
		t.Fatalf("write part error=%v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer error=%v", err)
	}
	return mw.FormDataContentType()
}
