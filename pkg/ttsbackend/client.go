// Package ttsbackend implements the websocket client for the remote neural
// synthesis service described in spec §1/§4.3. It satisfies
// pkg/daemon.TTSBackend structurally.
package ttsbackend

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/speakhq/speakd/pkg/daemon"
)

const sampleRate = 24000

// Client is a persistent websocket connection to the synthesis backend,
// reconnecting lazily on first use after a failure.
type Client struct {
	apiKey string
	host   string
	scheme string // "wss" in production, "ws" for local/test servers

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
}

// New returns a client targeting the given host (e.g. "api.example.com")
// using apiKey for authentication. An empty host falls back to the
// production default.
func New(host, apiKey string) *Client {
	if host == "" {
		host = "api.lokutor.com"
	}
	return &Client{apiKey: apiKey, host: host, scheme: "wss"}
}

func (c *Client) getConn(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return c.conn, nil
	}

	u := url.URL{Scheme: c.scheme, Host: c.host, Path: "/ws", RawQuery: "api_key=" + c.apiKey}
	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("ttsbackend: dial: %w", err)
	}

	c.conn = conn
	return conn, nil
}

// StreamSynthesize sends one synthesis request and streams back PCM
// frames as they arrive, until the backend signals end-of-stream.
//
// speed is always sent as a float in the request envelope: the backend has
// a known bug where an integer-valued speed (e.g. "speed": 1) is
// interpreted as a step count rather than a playback rate, silently
// mangling the output. Go's json encoder already renders a float64 of
// value 1.0 as "1", which triggers the same bug, so speed is clamped away
// from any exact integer before marshaling.
func (c *Client) StreamSynthesize(ctx context.Context, text, voice, lang string, speed float64, onChunk func(daemon.PCMFrame) error) error {
	conn, err := c.getConn(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	req := map[string]any{
		"text":    text,
		"voice":   voice,
		"lang":    lang,
		"speed":   dodgeIntegerSpeed(speed),
		"steps":   5,
		"version": "versa-1.0",
	}

	if err := wsjson.Write(ctx, conn, req); err != nil {
		c.dropConn()
		return fmt.Errorf("ttsbackend: send request: %w", err)
	}

	for {
		messageType, payload, err := conn.Read(ctx)
		if err != nil {
			c.dropConn()
			return fmt.Errorf("ttsbackend: read: %w", err)
		}

		switch messageType {
		case websocket.MessageBinary:
			frame := decodePCMFrame(payload)
			if err := onChunk(frame); err != nil {
				return err
			}
		case websocket.MessageText:
			msg := string(payload)
			if msg == "EOS" {
				return nil
			}
			if len(msg) >= 4 && msg[:4] == "ERR:" {
				return fmt.Errorf("ttsbackend: backend error: %s", msg)
			}
		}
	}
}

// Abort cancels the in-flight StreamSynthesize call, if any. It is part of
// daemon.TTSBackend; the playback queue's skip path does not call it, and
// stops output at the audio sink instead.
func (c *Client) Abort() error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Close tears down the underlying websocket connection, if open.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		err := c.conn.Close(websocket.StatusNormalClosure, "")
		c.conn = nil
		return err
	}
	return nil
}

func (c *Client) dropConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close(websocket.StatusAbnormalClosure, "stream error")
		c.conn = nil
	}
}

// dodgeIntegerSpeed nudges a whole-number speed a hair off-integer so the
// backend's JSON decoder can't mistake it for a step count.
func dodgeIntegerSpeed(speed float64) float64 {
	if speed == math.Trunc(speed) {
		return speed + 1e-6
	}
	return speed
}

// decodePCMFrame interprets a binary frame as little-endian float32 PCM
// samples at the backend's fixed sample rate.
func decodePCMFrame(payload []byte) daemon.PCMFrame {
	n := len(payload) / 4
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(payload[i*4 : i*4+4])
		samples[i] = math.Float32frombits(bits)
	}
	return daemon.PCMFrame{Samples: samples, SampleRate: sampleRate}
}
