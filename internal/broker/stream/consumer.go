// Package stream consumes the broker's execution report websocket.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"ordergate/internal/domain"
)

var streamLog = logrus.WithField("component", "fill-stream")

// Handler receives every decoded fill. It must be safe for concurrent use.
type Handler func(ctx context.Context, f domain.Fill)

type Authorizer interface {
	Authorization(ctx context.Context) (string, error)
}

// message is the wire envelope. Only "fill" messages carry data; the rest
// (heartbeats, acks) are skipped.
type message struct {
	Type string          `json:"type"`
	Fill json.RawMessage `json:"fill"`
}

type Config struct {
	URL         string
	ReadTimeout time.Duration
	BackoffMin  time.Duration
	BackoffMax  time.Duration
}

type Consumer struct {
	cfg     Config
	handler Handler
	auth    Authorizer
	dialer  *websocket.Dialer

	connects atomic.Int64
	received atomic.Int64
	rejected atomic.Int64
}

func NewConsumer(cfg Config, handler Handler, auth Authorizer) *Consumer {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 500 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = 30 * time.Second
	}
	return &Consumer{
		cfg:     cfg,
		handler: handler,
		auth:    auth,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Run reads fills until ctx is cancelled, reconnecting with capped
// exponential backoff.
func (c *Consumer) Run(ctx context.Context) {
	backoff := c.cfg.BackoffMin
	for ctx.Err() == nil {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, errSessionHealthy) {
			backoff = c.cfg.BackoffMin
		}
		streamLog.WithError(err).WithField("retry_in", backoff).Warn("fill stream disconnected")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, c.cfg.BackoffMax)
	}
}

var errSessionHealthy = errors.New("stream closed after receiving data")

func (c *Consumer) session(ctx context.Context) error {
	header := http.Header{}
	if c.auth != nil {
		token, err := c.auth.Authorization(ctx)
		if err != nil {
			return err
		}
		header.Set("Authorization", token)
	}
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return err
	}
	c.connects.Add(1)
	streamLog.WithField("url", c.cfg.URL).Info("fill stream connected")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
			_ = conn.Close()
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	got := false
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if got {
				return errors.Join(errSessionHealthy, err)
			}
			return err
		}
		got = true
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		c.dispatch(ctx, raw)
	}
}

func (c *Consumer) dispatch(ctx context.Context, raw []byte) {
	var msg message
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.rejected.Add(1)
		streamLog.WithError(err).Warn("undecodable stream message")
		return
	}
	if msg.Type != "fill" {
		return
	}
	var f domain.Fill
	if err := json.Unmarshal(msg.Fill, &f); err != nil {
		c.rejected.Add(1)
		streamLog.WithError(err).Warn("undecodable fill")
		return
	}
	c.received.Add(1)
	c.handler(ctx, f)
}

// Connects reports how many sessions have been established.
func (c *Consumer) Connects() int64 {
	return c.connects.Load()
}

func (c *Consumer) Received() int64 {
	return c.received.Load()
}

func (c *Consumer) Rejected() int64 {
	return c.rejected.Load()
}
