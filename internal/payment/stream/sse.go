package stream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/smallbiznis/pixwatch/internal/clock"
	"github.com/smallbiznis/pixwatch/internal/payment/domain"
	"go.uber.org/zap"
)

const (
	DefaultRetryDelay    = 2 * time.Second
	DefaultMaxReconnects = 3

	maxEventSize = 1 << 20
)

type SSEConfig struct {
	BaseURL       string
	APIKey        string
	RetryDelay    time.Duration
	MaxReconnects int
}

// SSEDialer opens Server-Sent Events connections to GET {base}/payments/{id}/stream.
type SSEDialer struct {
	cfg    SSEConfig
	client *http.Client
	clock  clock.Clock
	log    *zap.Logger
}

func NewSSEDialer(cfg SSEConfig, client *http.Client, clk clock.Clock, log *zap.Logger) *SSEDialer {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.MaxReconnects < 0 {
		cfg.MaxReconnects = 0
	}
	if client == nil {
		client = &http.Client{}
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SSEDialer{cfg: cfg, client: client, clock: clk, log: log.Named("sse")}
}

// Dial starts the connection in the background and returns at once.
func (d *SSEDialer) Dial(chargeID domain.ChargeID, handler domain.StreamHandler) (domain.StreamConn, error) {
	if !chargeID.Valid() {
		return nil, domain.ErrInvalidChargeID
	}
	endpoint, err := url.JoinPath(d.cfg.BaseURL, "payments", url.PathEscape(chargeID.String()), "stream")
	if err != nil {
		return nil, fmt.Errorf("build stream url: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	conn := &sseConn{
		dialer:   d,
		endpoint: endpoint,
		handler:  handler,
		cancel:   cancel,
		retry:    d.cfg.RetryDelay,
		log:      d.log.With(zap.String("charge_id", chargeID.String())),
	}
	conn.state.Store(int32(domain.StateConnecting))
	go conn.run(ctx)
	return conn, nil
}

// fatalError marks failures that reconnecting cannot fix.
type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

type sseConn struct {
	dialer   *SSEDialer
	endpoint string
	handler  domain.StreamHandler
	cancel   context.CancelFunc
	log      *zap.Logger

	state atomic.Int32
	retry time.Duration
}

func (c *sseConn) ReadyState() domain.ReadyState {
	return domain.ReadyState(c.state.Load())
}

// Close cancels the request. It does not wait for the reader goroutine, so it
// is safe to call from inside a handler callback.
func (c *sseConn) Close() error {
	c.state.Store(int32(domain.StateClosed))
	c.cancel()
	return nil
}

func (c *sseConn) run(ctx context.Context) {
	reconnects := 0
	for {
		err := c.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("stream ended")
		}

		var fatal *fatalError
		if errors.As(err, &fatal) || reconnects >= c.dialer.cfg.MaxReconnects {
			c.state.Store(int32(domain.StateClosed))
			c.handler.OnError(domain.StateClosed, err)
			return
		}

		reconnects++
		c.state.Store(int32(domain.StateConnecting))
		c.log.Info("sse.reconnecting", zap.Int("attempt", reconnects), zap.Duration("delay", c.retry), zap.Error(err))
		c.handler.OnError(domain.StateConnecting, err)

		wake := make(chan struct{})
		timer := c.dialer.clock.AfterFunc(c.retry, func() { close(wake) })
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-wake:
		}
	}
}

func (c *sseConn) consume(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return &fatalError{err: err}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if key := c.dialer.cfg.APIKey; key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := c.dialer.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &fatalError{err: fmt.Errorf("stream endpoint returned %d", resp.StatusCode)}
	}
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "text/event-stream" {
		return &fatalError{err: fmt.Errorf("unexpected content type %q", resp.Header.Get("Content-Type"))}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	c.state.Store(int32(domain.StateOpen))
	c.handler.OnOpen()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 4096), maxEventSize)

	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if data.Len() > 0 {
				payload := bytes.TrimSuffix(data.Bytes(), []byte("\n"))
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.handler.OnMessage(append([]byte(nil), payload...))
				data.Reset()
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			data.WriteString(value)
			data.WriteByte('\n')
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
				c.retry = time.Duration(ms) * time.Millisecond
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return nil
}
