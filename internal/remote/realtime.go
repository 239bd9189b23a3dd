package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Reconnect pacing for the realtime socket.
const (
	realtimeReconnectBase = 1 * time.Second
	realtimeReconnectCap  = 30 * time.Second
)

// Listener maintains a websocket subscription on the remote store's
// change channel. Each notification for the subscribed tenant invokes
// the notify callback; the engine debounces and throttles from there.
type Listener struct {
	wsURL   string
	session SessionSource
	logger  *slog.Logger

	// dialFunc is swapped by tests to avoid real sockets.
	dialFunc func(ctx context.Context, url string, opts *websocket.DialOptions) (*websocket.Conn, error)
}

// NewListener creates a realtime change listener. wsURL is the
// websocket endpoint (wss://.../realtime/v1).
func NewListener(wsURL string, session SessionSource, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}

	return &Listener{
		wsURL:   wsURL,
		session: session,
		logger:  logger,
		dialFunc: func(ctx context.Context, url string, opts *websocket.DialOptions) (*websocket.Conn, error) {
			conn, _, err := websocket.Dial(ctx, url, opts)
			return conn, err
		},
	}
}

// subscribeMsg is the channel-join frame sent after connecting.
type subscribeMsg struct {
	Event    string `json:"event"`
	TenantID string `json:"tenant_id"`
}

// Run blocks, maintaining the subscription for tenantID until ctx is
// canceled. Connection drops reconnect with exponential backoff; the
// backoff resets after any successfully received event.
func (l *Listener) Run(ctx context.Context, tenantID string, notify func(ChangeEvent)) error {
	backoff := realtimeReconnectBase

	for {
		err := l.listenOnce(ctx, tenantID, notify, func() { backoff = realtimeReconnectBase })
		if ctx.Err() != nil {
			return ctx.Err()
		}

		l.logger.Warn("realtime connection lost, reconnecting",
			slog.String("tenant_id", tenantID),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff = min(backoff*2, realtimeReconnectCap)
	}
}

// listenOnce dials, subscribes, and pumps events until the connection
// breaks. onEvent is called after each received frame so the caller can
// reset its reconnect backoff.
func (l *Listener) listenOnce(ctx context.Context, tenantID string, notify func(ChangeEvent), onEvent func()) error {
	token, err := l.session.Token(ctx)
	if err != nil {
		return fmt.Errorf("remote: realtime token: %w", err)
	}

	conn, err := l.dialFunc(ctx, l.wsURL+"?token="+token, nil)
	if err != nil {
		return fmt.Errorf("remote: dialing realtime endpoint: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	join := subscribeMsg{Event: "subscribe", TenantID: tenantID}
	if err := wsjson.Write(ctx, conn, join); err != nil {
		return fmt.Errorf("remote: subscribing to change channel: %w", err)
	}

	l.logger.Info("realtime channel subscribed", slog.String("tenant_id", tenantID))

	for {
		var event ChangeEvent
		if err := wsjson.Read(ctx, conn, &event); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}

			return fmt.Errorf("remote: reading change event: %w", err)
		}

		onEvent()

		if event.TenantID != "" && event.TenantID != tenantID {
			// Stale frame from a previous subscription, ignore.
			continue
		}

		notify(event)
	}
}
