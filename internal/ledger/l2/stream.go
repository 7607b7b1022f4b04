package l2

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"bridge-core/internal/events"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Stream consumes the L2 push channel and hands decoded events to a handler.
type Stream struct {
	client *Client
	dialer *websocket.Dialer

	// MaxBackoff caps the reconnect delay.
	MaxBackoff time.Duration
}

// NewStream builds a push stream over client's session.
func NewStream(client *Client) *Stream {
	return &Stream{client: client, dialer: websocket.DefaultDialer, MaxBackoff: 30 * time.Second}
}

// URL returns the websocket endpoint derived from the ledger base URL.
func (s *Stream) URL() string {
	base := s.client.tr.BaseURL()
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/events"
}

// Run connects, reads frames until ctx ends and reconnects with back-off.
func (s *Stream) Run(ctx context.Context, handle func(events.Event)) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 500 * time.Millisecond
	exp.MaxInterval = s.MaxBackoff
	exp.MaxElapsedTime = 0

	for {
		connected, err := s.session(ctx, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			exp.Reset()
		}
		wait := exp.NextBackOff()
		log.Warn().Err(err).Dur("retry_in", wait).Msg("l2 event stream disconnected")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// session runs one connection. It reports whether the handshake succeeded.
func (s *Stream) session(ctx context.Context, handle func(events.Event)) (bool, error) {
	token, err := s.client.Token(ctx)
	if err != nil {
		return false, err
	}
	header := http.Header{}
	header.Set(HeaderSessionToken, token)
	header.Set(HeaderClientDevice, s.client.device)

	conn, resp, err := s.dialer.DialContext(ctx, s.URL(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			s.client.DropSession()
		}
		return false, fmt.Errorf("dial l2 events: %w", err)
	}

	var once sync.Once
	closeConn := func() {
		once.Do(func() {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		})
	}
	defer closeConn()

	stop := context.AfterFunc(ctx, closeConn)
	defer stop()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return true, errors.New("stream closed by server")
			}
			return true, fmt.Errorf("read l2 events: %w", err)
		}
		ev, err := events.Decode(msg)
		if err != nil {
			log.Warn().Err(err).Msg("l2 event decode failed")
			continue
		}
		handle(ev)
	}
}
