package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"edurelay/internal/app"
	"edurelay/internal/config"
	"edurelay/pkg/types"
)

type relay struct {
	app  *app.Application
	base string
	ws   string
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// startRelay runs a full application on SQLite, the in-process broker and
// trusted query authentication.
func startRelay(t *testing.T) *relay {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = freePort(t)
	cfg.Database.SQLite.DatabasePath = filepath.Join(t.TempDir(), "relay.db")
	cfg.Auth.TrustedQuery = true
	cfg.RPC.Timeout = 2 * time.Second
	cfg.SMTP.Backoff = time.Millisecond
	cfg.Metrics.Enabled = false

	ctx := context.Background()
	a, err := app.NewApplication(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx)
	})

	return &relay{
		app:  a,
		base: "http://" + a.Addr(),
		ws:   "ws://" + a.Addr() + "/ws",
	}
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type client struct {
	t      *testing.T
	conn   *websocket.Conn
	id     string
	frames chan frame
}

func (r *relay) connect(t *testing.T, userID, role string) *client {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("%s?user_id=%s&role=%s", r.ws, userID, role), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	c := &client{t: t, conn: conn, id: userID, frames: make(chan frame, 64)}
	go c.readLoop()
	c.expect(types.EventReady)
	return c
}

// readLoop feeds frames to expect and expectNone until the connection fails.
func (c *client) readLoop() {
	defer close(c.frames)
	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			return
		}
		c.frames <- f
	}
}

func (c *client) send(eventType string, data any) {
	c.t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(types.InboundEvent{Type: eventType, Data: raw}))
}

// expect waits for a frame of eventType, skipping others.
func (c *client) expect(eventType string) frame {
	c.t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case f, ok := <-c.frames:
			require.True(c.t, ok, "connection of %s closed while waiting for %s", c.id, eventType)
			if f.Type == eventType {
				return f
			}
		case <-timeout:
			require.FailNow(c.t, "timed out", "waiting for %s on %s", eventType, c.id)
		}
	}
}

// expectNone fails if a frame of eventType arrives within wait.
func (c *client) expectNone(eventType string, wait time.Duration) {
	c.t.Helper()
	timeout := time.After(wait)
	for {
		select {
		case f, ok := <-c.frames:
			if !ok {
				return
			}
			require.NotEqual(c.t, eventType, f.Type, "unexpected %s on %s: %s", eventType, c.id, f.Data)
		case <-timeout:
			return
		}
	}
}

func (r *relay) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	return r.doJSON(t, http.MethodPost, path, body)
}

func (r *relay) doJSON(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(method, r.base+path+"?user_id=admin1&role=admin", bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}
