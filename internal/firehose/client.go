package firehose

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/listmirror/internal/metrics"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	DefaultReadLimit    = 2 << 20
	DefaultPingInterval = 30 * time.Second
	defaultDialTimeout  = 30 * time.Second
)

var (
	ErrClientStopped = errors.New("firehose client stopped")
	ErrInvalidInput  = errors.New("invalid input")
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "disconnected"
	}
}

// Sink receives decoded label events. Deliver is called from the read loop and
// should hand work off rather than block.
type Sink interface {
	Deliver(event LabelEvent)
}

type SinkFunc func(event LabelEvent)

func (f SinkFunc) Deliver(event LabelEvent) { f(event) }

type Options struct {
	URL          string
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// PingInterval is the heartbeat period; zero selects DefaultPingInterval and a
	// negative value disables the heartbeat.
	PingInterval time.Duration
	ReadLimit    int64
	DialTimeout  time.Duration
	UserAgent    string
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// Client keeps one subscription to a label stream open, reconnecting with
// exponential backoff until Stop is called.
type Client struct {
	url          string
	sink         Sink
	backoff      *Backoff
	pingInterval time.Duration
	readLimit    int64
	dialTimeout  time.Duration
	userAgent    string
	logger       *zap.Logger
	metrics      *metrics.Metrics

	mu      sync.Mutex
	state   State
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewClient(opts Options, sink Sink) (*Client, error) {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return nil, fmt.Errorf("%w: stream url is required", ErrInvalidInput)
	}
	if sink == nil {
		return nil, fmt.Errorf("%w: sink is required", ErrInvalidInput)
	}
	pingInterval := opts.PingInterval
	if pingInterval == 0 {
		pingInterval = DefaultPingInterval
	}
	readLimit := opts.ReadLimit
	if readLimit <= 0 {
		readLimit = DefaultReadLimit
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		url:          url,
		sink:         sink,
		backoff:      NewBackoff(opts.InitialDelay, opts.MaxDelay),
		pingInterval: pingInterval,
		readLimit:    readLimit,
		dialTimeout:  dialTimeout,
		userAgent:    strings.TrimSpace(opts.UserAgent),
		logger:       logger.With(zap.String("url", url)),
		metrics:      opts.Metrics,
	}, nil
}

// Start launches the connection loop. Calling it while the loop runs is a no-op;
// calling it after Stop returns ErrClientStopped.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrClientStopped
	}
	if c.cancel != nil {
		c.logger.Debug("firehose already connected or connecting")
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx, c.done)
	return nil
}

// Stop cancels any pending reconnect, closes the active socket and waits for the
// loop to exit. The client cannot be restarted.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.state = StateStopped
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	c.logger.Info("closing firehose connection")
	c.metrics.SetConnected(false)
	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempt is the number of consecutive failed connections since the last open.
func (c *Client) Attempt() int {
	return c.backoff.Attempt()
}

func (c *Client) setState(state State) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()
	c.metrics.SetConnected(state == StateConnected)
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if ctx.Err() != nil {
			return
		}
		c.setState(StateConnecting)
		err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		c.setState(StateDisconnected)
		c.logClosed(err)

		delay := c.backoff.Next()
		c.setState(StateReconnecting)
		c.metrics.Reconnecting()
		c.logger.Info("scheduling reconnect", zap.Duration("delay", delay), zap.Int("attempt", c.backoff.Attempt()))
		if err := waitWithContext(ctx, delay); err != nil {
			return
		}
	}
}

// session dials once and reads frames until the connection fails.
func (c *Client) session(ctx context.Context) error {
	c.logger.Info("connecting to firehose")
	dialCtx, cancelDial := context.WithTimeout(ctx, c.dialTimeout)
	var header http.Header
	if c.userAgent != "" {
		header = http.Header{"User-Agent": []string{c.userAgent}}
	}
	conn, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{HTTPHeader: header})
	cancelDial()
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(c.readLimit)

	c.backoff.Reset()
	c.setState(StateConnected)
	c.logger.Info("firehose connection established")

	sessionCtx, cancelSession := context.WithCancel(ctx)
	defer cancelSession()
	if c.pingInterval > 0 {
		go c.heartbeat(sessionCtx, conn, cancelSession)
	}

	for {
		messageType, data, err := conn.Read(sessionCtx)
		if err != nil {
			return err
		}
		c.handleFrame(messageType, data)
	}
}

func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancelPing := context.WithTimeout(ctx, c.pingInterval)
			err := conn.Ping(pingCtx)
			cancelPing()
			if err != nil && ctx.Err() == nil {
				c.logger.Warn("firehose heartbeat failed, recycling connection", zap.Error(err))
				cancel()
				return
			}
		}
	}
}

func (c *Client) handleFrame(messageType websocket.MessageType, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.metrics.DecodeFailed()
			c.logger.Error("panic while decoding frame", zap.Any("panic", r))
		}
	}()
	encoding := EncodingBinary
	if messageType == websocket.MessageText {
		encoding = EncodingText
	}
	c.metrics.FrameReceived(encoding.String())

	events, err := Decode(encoding, data)
	if err != nil {
		var streamErr *StreamError
		switch {
		case errors.Is(err, ErrNoLabels):
			c.logger.Debug("message does not contain label data", zap.String("reason", err.Error()))
		case errors.As(err, &streamErr):
			c.logger.Warn("labeler sent an error frame", zap.String("code", streamErr.Code), zap.String("message", streamErr.Message))
		default:
			c.metrics.DecodeFailed()
			c.logger.Warn("discarding undecodable frame", zap.Error(err), zap.Stringer("encoding", encoding), zap.Int("bytes", len(data)))
		}
		return
	}
	for _, event := range events {
		c.sink.Deliver(event)
	}
}

func (c *Client) logClosed(err error) {
	if status := websocket.CloseStatus(err); status != -1 {
		c.logger.Warn("firehose connection closed", zap.Int("code", int(status)), zap.Error(err))
		return
	}
	c.logger.Error("firehose connection error", zap.Error(err))
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
