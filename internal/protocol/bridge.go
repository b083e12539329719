package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

// BridgeClient drives the browser-automation bridge as a child process and
// speaks newline-delimited JSON with it: events arrive on stdout, commands go
// to stdin. One bridge process per session.
type BridgeClient struct {
	sessionID   string
	browserPath string
	dataDir     string
	handlers    Handlers

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	state   ConnectionState
	pending map[string]chan bridgeEvent
}

type bridgeEvent struct {
	Event     string          `json:"event"`
	RequestID string          `json:"request_id,omitempty"`
	Code      string          `json:"code,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Error     string          `json:"error,omitempty"`
	Account   *AccountInfo    `json:"account,omitempty"`
	Message   *IncomingMessage `json:"message,omitempty"`
	Ack       *Ack            `json:"ack,omitempty"`
	ID        string          `json:"id,omitempty"`
	Media     []byte          `json:"media,omitempty"`
	MimeType  string          `json:"mime_type,omitempty"`
}

type bridgeCommand struct {
	Cmd       string `json:"cmd"`
	RequestID string `json:"request_id,omitempty"`
	To        string `json:"to,omitempty"`
	Content   string `json:"content,omitempty"`
	MediaID   string `json:"media_id,omitempty"`
}

// NewBridgeClient resolves the automation binary up front so a missing
// runtime fails the session immediately instead of at first use.
func NewBridgeClient(sessionID, browserOverride, dataDir string, h Handlers) (*BridgeClient, error) {
	browserPath, err := ResolveBrowserPath(browserOverride)
	if err != nil {
		return nil, err
	}
	return &BridgeClient{
		sessionID:   sessionID,
		browserPath: browserPath,
		dataDir:     dataDir,
		handlers:    h,
		state:       StateUnknown,
		pending:     make(map[string]chan bridgeEvent),
	}, nil
}

// Initialize spawns the bridge process and starts the event loop.
func (c *BridgeClient) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd != nil {
		return fmt.Errorf("session %s already initialized", c.sessionID)
	}

	cmd := exec.Command("chat-bridge",
		"--browser", c.browserPath,
		"--session", c.sessionID,
		"--data-dir", filepath.Join(c.dataDir, c.sessionID),
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open bridge stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open bridge stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start bridge for session %s: %w", c.sessionID, err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.state = StateConnecting

	go c.readEvents(stdout)
	return nil
}

func (c *BridgeClient) readEvents(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var ev bridgeEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		c.dispatch(ev)
	}
	c.setState(StateDisconnected)
}

func (c *BridgeClient) dispatch(ev bridgeEvent) {
	if ev.RequestID != "" {
		c.mu.Lock()
		ch, ok := c.pending[ev.RequestID]
		delete(c.pending, ev.RequestID)
		c.mu.Unlock()
		if ok {
			ch <- ev
		}
		return
	}

	switch ev.Event {
	case "qr":
		c.setState(StatePairing)
		if c.handlers.OnPairingCode != nil {
			c.handlers.OnPairingCode(ev.Code)
		}
	case "authenticated":
		if c.handlers.OnAuthenticated != nil {
			c.handlers.OnAuthenticated()
		}
	case "ready":
		c.setState(StateConnected)
		if c.handlers.OnReady != nil && ev.Account != nil {
			c.handlers.OnReady(*ev.Account)
		}
	case "auth_failure":
		c.setState(StateDisconnected)
		if c.handlers.OnAuthFailure != nil {
			c.handlers.OnAuthFailure(ev.Error)
		}
	case "disconnected":
		c.setState(StateDisconnected)
		if c.handlers.OnDisconnected != nil {
			c.handlers.OnDisconnected(ev.Reason)
		}
	case "message":
		if c.handlers.OnMessage != nil && ev.Message != nil {
			c.handlers.OnMessage(*ev.Message)
		}
	case "ack":
		if c.handlers.OnAck != nil && ev.Ack != nil {
			c.handlers.OnAck(*ev.Ack)
		}
	}
}

func (c *BridgeClient) setState(s ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State reports the last known connection state.
func (c *BridgeClient) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *BridgeClient) request(ctx context.Context, cmd bridgeCommand) (bridgeEvent, error) {
	cmd.RequestID = fmt.Sprintf("%s-%d", c.sessionID, time.Now().UnixNano())
	ch := make(chan bridgeEvent, 1)

	c.mu.Lock()
	if c.stdin == nil {
		c.mu.Unlock()
		return bridgeEvent{}, fmt.Errorf("session %s not initialized", c.sessionID)
	}
	c.pending[cmd.RequestID] = ch
	stdin := c.stdin
	c.mu.Unlock()

	payload, err := json.Marshal(cmd)
	if err != nil {
		return bridgeEvent{}, fmt.Errorf("failed to encode bridge command: %w", err)
	}
	if _, err := stdin.Write(append(payload, '\n')); err != nil {
		return bridgeEvent{}, fmt.Errorf("failed to write bridge command: %w", err)
	}

	select {
	case ev := <-ch:
		if ev.Error != "" {
			return bridgeEvent{}, fmt.Errorf("bridge error: %s", ev.Error)
		}
		return ev, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, cmd.RequestID)
		c.mu.Unlock()
		return bridgeEvent{}, ctx.Err()
	}
}

// SendMessage sends a text message and returns the assigned external id.
func (c *BridgeClient) SendMessage(ctx context.Context, to, content string) (string, error) {
	ev, err := c.request(ctx, bridgeCommand{Cmd: "send", To: to, Content: content})
	if err != nil {
		return "", err
	}
	return ev.ID, nil
}

// DownloadMedia fetches a media payload's bytes and mime type.
func (c *BridgeClient) DownloadMedia(ctx context.Context, mediaID string) ([]byte, string, error) {
	ev, err := c.request(ctx, bridgeCommand{Cmd: "download_media", MediaID: mediaID})
	if err != nil {
		return nil, "", err
	}
	return ev.Media, ev.MimeType, nil
}

// Logout asks the bridge for a graceful sign-out.
func (c *BridgeClient) Logout(ctx context.Context) error {
	_, err := c.request(ctx, bridgeCommand{Cmd: "logout"})
	return err
}

// Destroy kills the bridge process. Safe to call repeatedly.
func (c *BridgeClient) Destroy(ctx context.Context) error {
	c.mu.Lock()
	cmd := c.cmd
	c.cmd = nil
	c.stdin = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil {
		return fmt.Errorf("failed to kill bridge for session %s: %w", c.sessionID, err)
	}
	_ = cmd.Wait()
	return nil
}
