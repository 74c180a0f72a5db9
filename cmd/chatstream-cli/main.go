// chatstream-cli is a terminal client for the chatstream server. It keeps a
// local live-state projection fed by the websocket and renders assistant
// output as it streams.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/term"

	"github.com/floegence/chatstream/internal/chat"
	"github.com/floegence/chatstream/internal/livestate"
)

const userHeader = "X-Chatstream-User"

type client struct {
	serverURL string
	userID    string
	model     string

	http  *http.Client
	store *livestate.Store

	threadID string
	// assistant message currently streaming, empty when idle
	pendingID string

	done chan string // assistant message ids that reached a terminal state
}

func main() {
	server := flag.String("server", "http://127.0.0.1:8386", "Server base URL")
	user := flag.String("user", "", "User id")
	model := flag.String("model", "", "Model id (empty: server default)")
	thread := flag.String("thread", "", "Thread id to resume (empty: new thread)")
	flag.Parse()

	if strings.TrimSpace(*user) == "" {
		fmt.Fprintln(os.Stderr, "missing -user")
		os.Exit(2)
	}

	c := &client{
		serverURL: strings.TrimRight(strings.TrimSpace(*server), "/"),
		userID:    strings.TrimSpace(*user),
		model:     strings.TrimSpace(*model),
		http:      &http.Client{Timeout: 30 * time.Second},
		store:     livestate.New(),
		done:      make(chan string, 8),
	}

	if err := c.run(strings.TrimSpace(*thread)); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func (c *client) run(resumeThread string) error {
	ws, err := c.dialWS()
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	defer ws.Close()
	go c.readLoop(ws)

	if resumeThread != "" {
		c.threadID = resumeThread
		if err := c.loadHistory(resumeThread); err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		c.renderThread()
	} else {
		id, err := chat.NewThreadID()
		if err != nil {
			return err
		}
		c.threadID = id
	}

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	if interactive {
		fmt.Println("chatstream — /retry re-generates the last answer, /branch forks the thread, /quit exits")
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		if interactive {
			fmt.Print("> ")
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch {
		case line == "/quit":
			return nil
		case line == "/retry":
			if err := c.retryLast(); err != nil {
				fmt.Fprintf(os.Stderr, "retry: %v\n", err)
				continue
			}
			c.waitForTurn()
		case line == "/branch":
			if err := c.branchOffLast(); err != nil {
				fmt.Fprintf(os.Stderr, "branch: %v\n", err)
			}
		default:
			if err := c.submitTurn(line); err != nil {
				fmt.Fprintf(os.Stderr, "send: %v\n", err)
				continue
			}
			c.waitForTurn()
		}
	}
}

func (c *client) dialWS() (*websocket.Conn, error) {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws"

	header := http.Header{}
	header.Set(userHeader, c.userID)
	ws, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	return ws, err
}

// readLoop feeds every envelope into the projection and mirrors streaming
// text to the terminal. Deltas for other threads (another tab's activity)
// update the projection silently.
func (c *client) readLoop(ws *websocket.Conn) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			fmt.Fprintf(os.Stderr, "\nconnection lost: %v\n", err)
			os.Exit(1)
		}
		env, err := chat.DecodeEnvelope(raw)
		if err != nil {
			continue
		}
		if err := c.store.ApplyEnvelope(env); err != nil {
			continue
		}
		if env.ThreadID != c.threadID {
			continue
		}
		switch env.Type {
		case chat.EnvelopeTextDelta:
			fmt.Print(env.Delta)
		case chat.EnvelopeMessageFinished:
			fmt.Println()
			c.done <- env.ID
		case chat.EnvelopeError:
			fmt.Fprintln(os.Stderr, "\n[generation failed]")
			c.done <- env.ID
		}
	}
}

func (c *client) waitForTurn() {
	for {
		select {
		case id := <-c.done:
			if id == c.pendingID {
				c.pendingID = ""
				return
			}
		case <-time.After(10 * time.Minute):
			fmt.Fprintln(os.Stderr, "gave up waiting for the answer")
			return
		}
	}
}

func (c *client) postJSON(path string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, c.serverURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(userHeader, c.userID)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}

// submitTurn inserts both sides optimistically, then asks the server to
// stream. The projection converges with server truth via the websocket.
func (c *client) submitTurn(prompt string) error {
	userMsgID, err := chat.NewMessageID()
	if err != nil {
		return err
	}
	assistantMsgID, err := chat.NewMessageID()
	if err != nil {
		return err
	}

	isNew := len(c.store.Thread(c.threadID)) == 0

	_ = c.store.AddMessage(livestate.Message{
		ID: userMsgID, ThreadID: c.threadID, Sender: "user", Status: "done", Text: prompt,
	})
	_ = c.store.AddMessage(livestate.Message{
		ID: assistantMsgID, ThreadID: c.threadID, Sender: "llm", Status: "streaming", Model: c.model,
	})
	c.pendingID = assistantMsgID

	return c.postJSON("/api/chat/turns", map[string]any{
		"promptText":         prompt,
		"userMessageId":      userMsgID,
		"assistantMessageId": assistantMsgID,
		"threadId":           c.threadID,
		"isNewThread":        isNew,
		"model":              c.model,
	})
}

func (c *client) lastAssistantID() (string, error) {
	msgs := c.store.Thread(c.threadID)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Sender == "llm" {
			return msgs[i].ID, nil
		}
	}
	return "", fmt.Errorf("no assistant message in this thread yet")
}

func (c *client) retryLast() error {
	id, err := c.lastAssistantID()
	if err != nil {
		return err
	}
	if err := c.store.RetryMessage(c.threadID, id, c.model); err != nil {
		return err
	}
	c.pendingID = id
	return c.postJSON("/api/chat/retry", map[string]any{
		"messageId": id,
		"threadId":  c.threadID,
		"model":     c.model,
	})
}

// branchOffLast forks the thread locally, then persists the same id mapping
// so both sides agree on the copies.
func (c *client) branchOffLast() error {
	msgs := c.store.Thread(c.threadID)
	if len(msgs) == 0 {
		return fmt.Errorf("nothing to branch")
	}
	last := msgs[len(msgs)-1]

	newThreadID, pairs, err := c.store.BranchOff(c.threadID, last.ID)
	if err != nil {
		return err
	}
	mappings := make([]map[string]string, 0, len(pairs))
	for _, p := range pairs {
		mappings = append(mappings, map[string]string{
			"sourceMessageId": p.SourceMessageID,
			"newMessageId":    p.NewMessageID,
		})
	}
	if err := c.postJSON("/api/chat/branch", map[string]any{
		"fromThreadId": c.threadID,
		"newThreadId":  newThreadID,
		"mappings":     mappings,
	}); err != nil {
		return err
	}
	c.threadID = newThreadID
	fmt.Printf("[switched to branch %s]\n", newThreadID)
	return nil
}

func (c *client) loadHistory(threadID string) error {
	req, err := http.NewRequest(http.MethodGet, c.serverURL+"/api/chat/threads/"+threadID+"/messages", nil)
	if err != nil {
		return err
	}
	req.Header.Set(userHeader, c.userID)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	var listing struct {
		Messages []struct {
			MessageID string  `json:"messageId"`
			Sender    string  `json:"sender"`
			Status    string  `json:"status"`
			Model     string  `json:"model"`
			Text      *string `json:"text"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return err
	}
	for _, m := range listing.Messages {
		text := ""
		if m.Text != nil {
			text = *m.Text
		}
		_ = c.store.AddMessage(livestate.Message{
			ID:       m.MessageID,
			ThreadID: threadID,
			Sender:   m.Sender,
			Status:   m.Status,
			Model:    m.Model,
			Text:     text,
		})
	}
	return nil
}

func (c *client) renderThread() {
	for _, m := range c.store.Thread(c.threadID) {
		prefix := "assistant"
		if m.Sender == "user" {
			prefix = "you"
		}
		fmt.Printf("%s: %s\n", prefix, m.Text)
	}
}
