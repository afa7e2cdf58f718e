package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tOgg1/convsync/internal/logging"
	"github.com/tOgg1/convsync/internal/models"
)

const maxSocketMessageSize = 64 << 10

// Subscribe connects to the socket and keeps reconnecting until cancelled.
// A SocketConnected event is emitted after every successful dial so the
// caller can poll for anything missed while disconnected.
func (g *HTTPGateway) Subscribe() (<-chan models.SocketEvent, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan models.SocketEvent, g.subscribeBuffer)
	go g.subscribeLoop(ctx, out)
	return out, cancel
}

func (g *HTTPGateway) subscribeLoop(ctx context.Context, out chan<- models.SocketEvent) {
	defer close(out)
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}

		err := g.streamSocket(ctx, out)
		if ctx.Err() != nil {
			return
		}
		attempt++
		g.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("retry_in", g.reconnectInterval).
			Msg("socket disconnected")

		timer := time.NewTimer(g.reconnectInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (g *HTTPGateway) streamSocket(ctx context.Context, out chan<- models.SocketEvent) error {
	header := http.Header{}
	header.Set(RequestIDHeader, uuid.NewString())
	if g.token != "" {
		header.Set("Authorization", "Bearer "+g.token)
	}

	conn, resp, err := g.dialer.DialContext(ctx, g.socketURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: status %d: %w", logging.RedactURL(g.socketURL), resp.StatusCode, err)
		}
		return fmt.Errorf("dial %s: %w", logging.RedactURL(g.socketURL), err)
	}
	defer conn.Close()
	conn.SetReadLimit(maxSocketMessageSize)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	g.logger.Info().Str("url", logging.RedactURL(g.socketURL)).Msg("socket connected")
	connected := models.SocketEvent{Type: models.SocketConnected, ReceivedAt: time.Now().UTC()}
	if !emit(ctx, out, connected) {
		return ctx.Err()
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return errors.New("socket closed by server")
			}
			return fmt.Errorf("read socket: %w", err)
		}

		ev, err := DecodeSocketEvent(data, time.Now().UTC())
		if err != nil {
			g.logger.Warn().Err(err).Msg("skipping malformed socket event")
			continue
		}
		if !emit(ctx, out, ev) {
			return ctx.Err()
		}
	}
}

func emit(ctx context.Context, out chan<- models.SocketEvent, ev models.SocketEvent) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- ev:
		return true
	}
}
