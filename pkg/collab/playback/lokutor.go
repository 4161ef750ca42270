// Package playback adapts an audio-out device and a streaming TTS
// vendor to orchestrator.Playback.
package playback

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// lokutorClient is the raw websocket client for Lokutor's streaming
// TTS service: dial-once/reuse-connection/reconnect-on-error, with no
// per-turn voice/locale selection.
type lokutorClient struct {
	apiKey string
	host   string

	mu   sync.Mutex
	conn *websocket.Conn
}

func newLokutorClient(apiKey string) *lokutorClient {
	return &lokutorClient{apiKey: apiKey, host: "api.lokutor.com"}
}

func (c *lokutorClient) getConn(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	u := url.URL{Scheme: "wss", Host: c.host, Path: "/ws", RawQuery: "api_key=" + c.apiKey}
	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to lokutor: %w", err)
	}
	c.conn = conn
	return conn, nil
}

func (c *lokutorClient) streamSynthesize(ctx context.Context, text string, onChunk func([]byte) error) error {
	conn, err := c.getConn(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	req := map[string]interface{}{
		"text":    text,
		"speed":   1.05,
		"steps":   5,
		"version": "versa-1.0",
	}
	if err := wsjson.Write(ctx, conn, req); err != nil {
		c.conn = nil
		conn.Close(websocket.StatusAbnormalClosure, "failed to write json")
		return fmt.Errorf("failed to send synthesis request: %w", err)
	}

	for {
		messageType, payload, err := conn.Read(ctx)
		if err != nil {
			c.conn = nil
			conn.Close(websocket.StatusAbnormalClosure, "failed to read")
			return fmt.Errorf("failed to read from lokutor: %w", err)
		}

		switch messageType {
		case websocket.MessageBinary:
			if err := onChunk(payload); err != nil {
				return err
			}
		case websocket.MessageText:
			msg := string(payload)
			if msg == "EOS" {
				return nil
			}
			if len(msg) >= 4 && msg[:4] == "ERR:" {
				return fmt.Errorf("lokutor error: %s", msg)
			}
		}
	}
}

func (c *lokutorClient) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		err := c.conn.Close(websocket.StatusNormalClosure, "")
		c.conn = nil
		return err
	}
	return nil
}
