// Package statusclient follows a job's status from the client side: a
// websocket subscription that reconnects with backoff and hands over to
// HTTP polling once push delivery is given up on.
package statusclient

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/joseph-ayodele/resume-pipeline/constants"
	"github.com/joseph-ayodele/resume-pipeline/internal/async"
)

type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
	StateFallback     State = "fallback"
)

// Event is a status frame received on the channel.
type Event struct {
	Type   string              `json:"type"`
	JobID  string              `json:"jobId"`
	Status constants.JobStatus `json:"status"`
	Error  string              `json:"error,omitempty"`
	At     time.Time           `json:"at"`
}

type Config struct {
	// BaseURL is the API root, e.g. http://localhost:8080.
	BaseURL      string
	OwnerID      string
	PingInterval time.Duration
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	PollInterval time.Duration
	Dialer       *websocket.Dialer
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return c
}

// Channel is one job's push subscription. All timers and the connection
// are owned by a single run goroutine; Close cancels it and waits.
type Channel struct {
	cfg     Config
	jobID   string
	onEvent func(Event)
	onState func(State)
	log     *slog.Logger

	mu    sync.Mutex
	state State

	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

type Option func(*Channel)

// OnState registers a callback for every state transition.
func OnState(fn func(State)) Option {
	return func(c *Channel) { c.onState = fn }
}

// Open starts the subscription for jobID and returns immediately.
// onEvent is called from the run goroutine for each status frame.
func Open(ctx context.Context, cfg Config, jobID string, onEvent func(Event), opts ...Option) (*Channel, error) {
	if jobID == "" {
		return nil, errors.New("statusclient: job id required")
	}
	cfg = cfg.withDefaults()
	if _, err := eventsURL(cfg.BaseURL, jobID); err != nil {
		return nil, err
	}
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	ctx, cancel := context.WithCancel(ctx)
	c := &Channel{
		cfg:     cfg,
		jobID:   jobID,
		onEvent: onEvent,
		log:     cfg.Logger.With("job_id", jobID),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.wg.Add(1)
	go c.run(ctx)
	return c, nil
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the channel reaches closed or fallback.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Close stops the subscription. No reconnect is attempted afterwards and
// every goroutine has exited when it returns.
func (c *Channel) Close() {
	c.cancel()
	c.wg.Wait()
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev == s {
		return
	}
	c.log.Debug("statusclient.state", "from", prev, "to", s)
	if c.onState != nil {
		c.onState(s)
	}
}

func (c *Channel) run(ctx context.Context) {
	defer c.wg.Done()
	defer close(c.done)

	target, _ := eventsURL(c.cfg.BaseURL, c.jobID)
	header := http.Header{}
	if c.cfg.OwnerID != "" {
		header.Set("X-User-ID", c.cfg.OwnerID)
	}

	attempt := 0
	c.setState(StateConnecting)
	for {
		conn, resp, err := c.cfg.Dialer.DialContext(ctx, target, header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		switch {
		case ctx.Err() != nil:
			if conn != nil {
				conn.Close()
			}
			c.setState(StateClosed)
			return
		case err != nil:
			// A rejected handshake will not succeed on retry.
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				c.log.Warn("statusclient.rejected", "status", resp.StatusCode)
				c.setState(StateFallback)
				return
			}
			c.log.Debug("statusclient.dial.failed", "attempt", attempt, "err", err)
		default:
			attempt = 0
			c.setState(StateConnected)
			if c.session(ctx, conn) {
				c.setState(StateClosed)
				return
			}
		}

		attempt++
		if attempt > c.cfg.MaxAttempts {
			c.log.Info("statusclient.fallback", "attempts", attempt-1)
			c.setState(StateFallback)
			return
		}
		c.setState(StateReconnecting)
		delay := async.Backoff(c.cfg.BaseDelay, c.cfg.MaxDelay, attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.setState(StateClosed)
			return
		case <-timer.C:
		}
	}
}

// session pumps one connection. It reports whether the channel is finished:
// a normal closure or cancellation. Anything else asks for a reconnect.
func (c *Channel) session(ctx context.Context, conn *websocket.Conn) bool {
	frames := make(chan []byte)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- data:
			case <-stop:
				return
			}
		}
	}()
	defer func() {
		close(stop)
		conn.Close()
		<-readerDone
	}()

	ping := time.NewTicker(c.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return true
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
				c.log.Debug("statusclient.ping.failed", "err", err)
			}
		case data := <-frames:
			var e Event
			if err := json.Unmarshal(data, &e); err != nil || e.Type != "status" {
				continue
			}
			c.onEvent(e)
		case err := <-readErr:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return true
			}
			c.log.Debug("statusclient.disconnected", "err", err)
			return false
		}
	}
}

func eventsURL(base, jobID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.New("statusclient: base url must be http(s) or ws(s)")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/jobs/" + url.PathEscape(jobID) + "/events"
	return u.String(), nil
}
