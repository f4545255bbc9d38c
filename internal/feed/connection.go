package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"xrpl-buy-alerts/internal/ledger"
	"xrpl-buy-alerts/internal/metrics"
)

const (
	defaultReadTimeout      = 90 * time.Second
	defaultPingInterval     = 30 * time.Second
	defaultBuffer           = 64
	defaultHandshakeTimeout = 10 * time.Second

	reconnectMin = 2 * time.Second
	reconnectMax = 5 * time.Second
)

// Options tune a feed connection.
type Options struct {
	ReadTimeout      time.Duration
	PingInterval     time.Duration
	Buffer           int
	HandshakeTimeout time.Duration
	UserAgent        string
	Metrics          *metrics.Metrics
}

// Connection streams the validated transactions touching one issuer account.
type Connection struct {
	url    string
	asset  ledger.Asset
	opts   Options
	logger zerolog.Logger

	// reconnect delay bounds; fixed outside tests
	minDelay time.Duration
	maxDelay time.Duration
}

type subscribeRequest struct {
	Command  string   `json:"command"`
	Accounts []string `json:"accounts"`
}

type envelope struct {
	Type        string          `json:"type"`
	Transaction json.RawMessage `json:"transaction"`
	Meta        json.RawMessage `json:"meta"`
}

// New constructs a Connection for asset against the websocket endpoint url.
func New(url string, asset ledger.Asset, opts Options, logger zerolog.Logger) *Connection {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	return &Connection{
		url:      url,
		asset:    asset,
		opts:     opts,
		logger:   logger.With().Str("component", "feed").Str("asset", asset.Key()).Logger(),
		minDelay: reconnectMin,
		maxDelay: reconnectMax,
	}
}

// Transactions starts the receive loop and returns its output. The channel is closed once
// ctx is cancelled; transport faults only trigger a reconnect.
func (c *Connection) Transactions(ctx context.Context) <-chan ledger.Transaction {
	out := make(chan ledger.Transaction, c.opts.Buffer)
	go c.run(ctx, out)
	return out
}

func (c *Connection) run(ctx context.Context, out chan<- ledger.Transaction) {
	defer close(out)

	b := &backoff.Backoff{Min: c.minDelay, Max: c.maxDelay, Factor: 2, Jitter: true}
	for {
		if ctx.Err() != nil {
			return
		}

		err := c.session(ctx, out, b)
		if ctx.Err() != nil {
			c.logger.Debug().Msg("feed stopped")
			return
		}

		delay := b.Duration()
		c.opts.Metrics.FeedReconnect(c.asset.Key())
		c.logger.Warn().Err(err).Dur("retry_in", delay).Msg("feed disconnected, reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session runs one connect/subscribe/read cycle and returns why it ended.
func (c *Connection) session(ctx context.Context, out chan<- ledger.Transaction, b *backoff.Backoff) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}
	header := make(http.Header)
	if c.opts.UserAgent != "" {
		header.Set("User-Agent", c.opts.UserAgent)
	}

	conn, _, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return fmt.Errorf("dial feed: %w", err)
	}

	var once sync.Once
	closeConn := func() { once.Do(func() { _ = conn.Close() }) }
	defer closeConn()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessionCtx.Done()
		closeConn()
	}()

	var writeMu sync.Mutex
	write := func(msgType int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(c.opts.HandshakeTimeout))
		return conn.WriteMessage(msgType, data)
	}

	// control frames count as liveness; a quiet issuer must not look like a dead socket
	extend := func() error { return conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout)) }
	conn.SetPongHandler(func(string) error { return extend() })
	conn.SetPingHandler(func(data string) error {
		_ = extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.opts.HandshakeTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	req, err := json.Marshal(subscribeRequest{Command: "subscribe", Accounts: []string{c.asset.Issuer}})
	if err != nil {
		return fmt.Errorf("marshal subscribe: %w", err)
	}
	if err := write(websocket.TextMessage, req); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}
	b.Reset()
	c.logger.Info().Str("url", c.url).Msg("feed subscribed")

	go c.pingLoop(sessionCtx, write, cancel)

	for {
		_ = extend()
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read feed: %w", err)
		}

		tx, ok, err := c.decode(data)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		c.opts.Metrics.FeedTransaction(c.asset.Key())
		select {
		case out <- tx:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// decode returns ok=false for frames that are not transaction notifications or
// whose transaction body cannot be parsed. Only an unreadable envelope is an error.
func (c *Connection) decode(data []byte) (ledger.Transaction, bool, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ledger.Transaction{}, false, fmt.Errorf("decode envelope: %w", err)
	}
	if len(env.Transaction) == 0 || len(env.Meta) == 0 || isNull(env.Transaction) || isNull(env.Meta) {
		return ledger.Transaction{}, false, nil
	}

	var tx ledger.Transaction
	if err := json.Unmarshal(env.Transaction, &tx); err != nil {
		c.logger.Warn().Err(err).Msg("skip malformed transaction")
		return ledger.Transaction{}, false, nil
	}
	if err := json.Unmarshal(env.Meta, &tx.Meta); err != nil {
		c.logger.Warn().Err(err).Str("tx_hash", tx.Hash).Msg("skip malformed meta")
		return ledger.Transaction{}, false, nil
	}
	return tx, true, nil
}

func (c *Connection) pingLoop(ctx context.Context, write func(int, []byte) error, abort context.CancelFunc) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					c.logger.Warn().Err(err).Msg("feed ping failed")
				}
				abort()
				return
			}
		}
	}
}

func isNull(raw json.RawMessage) bool {
	return string(raw) == "null"
}
