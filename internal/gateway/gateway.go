// Package gateway talks to the chat backend: REST calls for snapshots and
// mutations, and a reconnecting websocket for push events.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tOgg1/convsync/internal/logging"
	"github.com/tOgg1/convsync/internal/models"
)

const (
	defaultRequestTimeout     = 10 * time.Second
	defaultReconnectInterval  = 2 * time.Second
	defaultSubscribeBuffer    = 256
	maxErrorBodyBytes         = 4 << 10
	maxConversationsBodyBytes = 16 << 20

	// RequestIDHeader carries a per-request id for correlating server logs.
	RequestIDHeader = "X-Request-ID"
)

// Gateway is the engine's view of the backend.
type Gateway interface {
	FetchConversations(ctx context.Context) ([]models.Conversation, error)
	MarkAllRead(ctx context.Context, conversationID string) error
	MarkUnread(ctx context.Context, conversationID string) error
	DeleteConversation(ctx context.Context, conversationID string) error

	// Subscribe starts a push stream. The channel is closed after the
	// returned cancel func is called.
	Subscribe() (<-chan models.SocketEvent, func())
}

// ErrMissingConversationID is returned for mutations without an id.
var ErrMissingConversationID = errors.New("conversation id is required")

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Temporary reports whether retrying could succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Config configures an HTTPGateway.
type Config struct {
	BaseURL   string
	SocketURL string
	Token     string

	RequestTimeout    time.Duration
	ReconnectInterval time.Duration
	SubscribeBuffer   int

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

// HTTPGateway implements Gateway over net/http and gorilla/websocket.
type HTTPGateway struct {
	baseURL   *url.URL
	socketURL string
	token     string

	requestTimeout    time.Duration
	reconnectInterval time.Duration
	subscribeBuffer   int

	client *http.Client
	dialer *websocket.Dialer
	logger zerolog.Logger
}

var _ Gateway = (*HTTPGateway)(nil)

// NewHTTPGateway validates cfg and builds a gateway. An empty SocketURL is
// derived from BaseURL.
func NewHTTPGateway(cfg Config) (*HTTPGateway, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https, got %q", cfg.BaseURL)
	}
	base.Path = strings.TrimSuffix(base.Path, "/")

	socketURL := strings.TrimSpace(cfg.SocketURL)
	if socketURL == "" {
		socketURL = deriveSocketURL(base)
	}

	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	reconnectInterval := cfg.ReconnectInterval
	if reconnectInterval <= 0 {
		reconnectInterval = defaultReconnectInterval
	}
	subscribeBuffer := cfg.SubscribeBuffer
	if subscribeBuffer <= 0 {
		subscribeBuffer = defaultSubscribeBuffer
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: requestTimeout,
		}
	}

	return &HTTPGateway{
		baseURL:           base,
		socketURL:         socketURL,
		token:             strings.TrimSpace(cfg.Token),
		requestTimeout:    requestTimeout,
		reconnectInterval: reconnectInterval,
		subscribeBuffer:   subscribeBuffer,
		client:            client,
		dialer:            dialer,
		logger:            logging.Component("gateway"),
	}, nil
}

func deriveSocketURL(base *url.URL) string {
	u := *base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	u.RawQuery = ""
	return u.String()
}

// FetchConversations returns the current snapshot. Malformed entries are
// skipped and logged.
func (g *HTTPGateway) FetchConversations(ctx context.Context) ([]models.Conversation, error) {
	var out []models.Conversation
	err := g.do(ctx, http.MethodGet, "/conversations", func(body io.Reader) error {
		payload, err := io.ReadAll(io.LimitReader(body, maxConversationsBodyBytes))
		if err != nil {
			return fmt.Errorf("read conversations: %w", err)
		}
		convs, skipped, err := DecodeConversations(payload)
		if err != nil {
			return err
		}
		for _, s := range skipped {
			g.logger.Warn().Int("index", s.Index).Err(s.Err).Msg("skipping malformed conversation")
		}
		out = convs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkAllRead marks every message in the conversation read.
func (g *HTTPGateway) MarkAllRead(ctx context.Context, conversationID string) error {
	return g.mutate(ctx, http.MethodPost, conversationID, "/read")
}

// MarkUnread flags the conversation unread.
func (g *HTTPGateway) MarkUnread(ctx context.Context, conversationID string) error {
	return g.mutate(ctx, http.MethodPost, conversationID, "/unread")
}

// DeleteConversation deletes the conversation. A 404 counts as success, so
// deleting twice is harmless.
func (g *HTTPGateway) DeleteConversation(ctx context.Context, conversationID string) error {
	err := g.mutate(ctx, http.MethodDelete, conversationID, "")
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
		g.logger.Debug().Str("conversation_id", conversationID).Msg("delete of missing conversation treated as success")
		return nil
	}
	return err
}

func (g *HTTPGateway) mutate(ctx context.Context, method, conversationID, suffix string) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return ErrMissingConversationID
	}
	path := "/conversations/" + url.PathEscape(conversationID) + suffix
	return g.do(ctx, method, path, nil)
}

// do performs one request. handle, when set, consumes a 2xx body.
func (g *HTTPGateway) do(ctx context.Context, method, path string, handle func(io.Reader) error) error {
	ctx, cancel := context.WithTimeout(ctx, g.requestTimeout)
	defer cancel()

	target := g.baseURL.String() + path
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set(RequestIDHeader, requestID)
	req.Header.Set("Accept", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	started := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	g.logger.Debug().
		Str("method", method).
		Str("url", logging.RedactURL(target)).
		Str("request_id", requestID).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(started)).
		Msg("request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}
	if handle == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return handle(resp.Body)
}
