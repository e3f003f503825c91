package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
)

const (
	feedReconnectMin = 2 * time.Second
	feedReconnectMax = time.Minute

	// feedBackoffMultiplier doubles the wait after each consecutive
	// dial failure; jitter is uniform in [0, backoff/jitterDivisor).
	feedBackoffMultiplier = 2
	jitterDivisor         = 4
)

// feedConn is the subset of *websocket.Conn the feed reads from,
// narrow so tests can fake a connection.
type feedConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Close(code websocket.StatusCode, reason string) error
}

type feedEvent struct {
	Path string `json:"path"`
}

// Feed subscribes to the server's record-change stream and reports the
// vault-relative path of every record that changed. Callers use it to
// invalidate the record cache; there is no payload beyond the path.
type Feed struct {
	url    string
	token  string
	logger *slog.Logger

	dial func(ctx context.Context) (feedConn, error)
}

func NewFeed(baseURL, token string, logger *slog.Logger) *Feed {
	f := &Feed{
		url:    feedURL(baseURL),
		token:  token,
		logger: logger,
	}
	f.dial = f.dialWebsocket

	return f
}

// feedURL rewrites the HTTP base into the websocket endpoint.
func feedURL(baseURL string) string {
	u := strings.TrimRight(baseURL, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)

	return u + "/api/v1/feed"
}

func (f *Feed) dialWebsocket(ctx context.Context) (feedConn, error) {
	conn, _, err := websocket.Dial(ctx, f.url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: http.Header{"Authorization": {"Bearer " + f.token}},
	})
	if err != nil {
		return nil, fmt.Errorf("dialing change feed: %w", err)
	}

	return conn, nil
}

// Run connects and delivers change paths to onChange until the context
// is cancelled. Connection loss is retried with exponential backoff and
// jitter; Run only returns the context error.
func (f *Feed) Run(ctx context.Context, onChange func(path string)) error {
	backoff := feedReconnectMin

	for {
		conn, err := f.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			f.logger.Warn("change feed dial failed",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)

			jitter := time.Duration(rand.Int64N(int64(backoff) / jitterDivisor)) //nolint:gosec // G404: reconnect jitter has no security impact

			timer := time.NewTimer(backoff + jitter)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}

			backoff = min(backoff*feedBackoffMultiplier, feedReconnectMax)

			continue
		}

		backoff = feedReconnectMin
		f.logger.Info("change feed connected")

		err = f.readLoop(ctx, conn, onChange)
		conn.Close(websocket.StatusNormalClosure, "bye")

		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("change feed lost, reconnecting",
			slog.String("error", err.Error()),
		)
	}
}

func (f *Feed) readLoop(ctx context.Context, conn feedConn, onChange func(path string)) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		if typ != websocket.MessageText {
			continue
		}

		var ev feedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			f.logger.Warn("malformed feed event",
				slog.String("error", err.Error()),
			)

			continue
		}

		if ev.Path == "" {
			continue
		}

		onChange(ev.Path)
	}
}
