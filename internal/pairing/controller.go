// Package pairing owns the device pairing lifecycle: creating and joining
// sessions by code, persisting the session across restarts, and keeping the
// transport attached to the session's room.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftchat/drift-sync/internal/notify"
	"github.com/driftchat/drift-sync/internal/syncdoc"
	"github.com/driftchat/drift-sync/internal/transport"
)

// State is the controller's externally visible phase.
type State string

const (
	// StateIdle means no session: the device syncs with nobody.
	StateIdle State = "idle"
	// StateHosting means the device is in a room waiting for peers.
	StateHosting State = "hosting"
	// StateJoining means a join by code is in flight.
	StateJoining State = "joining"
	// StateRestoring means a saved session is being reattached after start.
	StateRestoring State = "restoring"
	// StateConnected means at least one other device is live in the room.
	StateConnected State = "connected"
)

const (
	defaultJoinTimeout    = 15 * time.Second
	defaultRestoreTimeout = 5 * time.Second
	maxRedialBackoff      = 30 * time.Second
)

// ErrJoinTimeout is returned when no device answers a pairing code in time.
var ErrJoinTimeout = errors.New("pairing: no device responded in time")

// Options configures the controller.
type Options struct {
	RelayURL string
	DataDir  string
	Doc      *syncdoc.Doc
	Notifier *notify.Notifier
	Log      *slog.Logger

	// Presence identity for this device. SessionID is generated per dial.
	DeviceLabel string
	Platform    string
	Hostname    string

	// Zero values use the package defaults. Tests shrink these.
	JoinTimeout    time.Duration
	RestoreTimeout time.Duration
	Heartbeat      time.Duration
	PeerTTL        time.Duration
}

// Status is a point-in-time snapshot for callers (HTTP API, logs).
type Status struct {
	State State                `json:"state"`
	Code  string               `json:"code,omitempty"`
	Peers []transport.Presence `json:"peers,omitempty"`
}

// Controller is the session state machine. All transitions happen under one
// mutex; the transport connection is replaced wholesale on every transition
// and on reconnects, with a generation counter invalidating stragglers.
type Controller struct {
	opts   Options
	log    *slog.Logger
	runCtx context.Context

	mu            sync.Mutex
	state         State
	code          string
	role          string
	conn          *transport.Conn
	gen           int
	connected     chan struct{}
	connectedOnce *sync.Once
	closed        bool

	wg sync.WaitGroup
}

func New(opts Options) (*Controller, error) {
	if opts.Doc == nil {
		return nil, errors.New("pairing: nil document")
	}
	if opts.DataDir == "" {
		return nil, errors.New("pairing: missing data dir")
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = defaultJoinTimeout
	}
	if opts.RestoreTimeout <= 0 {
		opts.RestoreTimeout = defaultRestoreTimeout
	}
	return &Controller{
		opts:   opts,
		log:    opts.Log,
		runCtx: context.Background(),
		state:  StateIdle,
	}, nil
}

// Start restores the saved session, if any. The restore races its timeout
// against the first peer in the background; Start itself returns promptly.
func (c *Controller) Start(ctx context.Context) error {
	if ctx != nil {
		c.runCtx = ctx
	}

	s, ok, err := loadSession(c.opts.DataDir)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if !ok {
		return nil
	}

	c.log.Info("restoring sync session", "code", s.Code, "role", s.Role)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.restore(s)
	}()
	return nil
}

func (c *Controller) restore(s Session) {
	gen, err := c.begin(c.runCtx, s.Code, s.Role, StateRestoring, true)
	if err != nil {
		// begin is tolerant during restore; an error here means the
		// controller shut down underneath us.
		return
	}
	if err := c.waitConnected(c.runCtx, gen, c.opts.RestoreTimeout); err != nil {
		if c.setStateIfCurrent(gen, StateRestoring, StateHosting) {
			c.log.Info("no peer answered the restore, staying in the room", "code", s.Code)
			if c.opts.Notifier != nil {
				c.opts.Notifier.Info("Waiting for your other devices to come online.")
			}
		}
		return
	}
	if c.opts.Notifier != nil {
		c.opts.Notifier.Success("Reconnected to your synced devices.")
	}
}

// Host creates a fresh session and returns its pairing code. Any existing
// session is left first.
func (c *Controller) Host(ctx context.Context) (string, error) {
	code := GenerateCode()
	if _, err := c.begin(ctx, code, "host", StateHosting, false); err != nil {
		return "", err
	}
	if err := saveSession(c.opts.DataDir, Session{Code: code, Role: "host"}); err != nil {
		return "", fmt.Errorf("save session: %w", err)
	}
	c.log.Info("hosting sync session", "code", code)
	if c.opts.Notifier != nil {
		c.opts.Notifier.Info("Pairing code created. Enter it on your other device.")
	}
	return code, nil
}

// Join attaches to an existing session by code. It blocks until a peer is
// seen or the join timeout fires; on timeout the session is abandoned.
func (c *Controller) Join(ctx context.Context, rawCode string) error {
	code, err := NormalizeCode(rawCode)
	if err != nil {
		return err
	}

	gen, err := c.begin(ctx, code, "guest", StateJoining, false)
	if err != nil {
		return err
	}
	if err := c.waitConnected(ctx, gen, c.opts.JoinTimeout); err != nil {
		c.abandon(gen)
		if c.opts.Notifier != nil {
			c.opts.Notifier.Error("No device responded to that pairing code.")
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return ErrJoinTimeout
	}

	if err := saveSession(c.opts.DataDir, Session{Code: code, Role: "guest"}); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	c.log.Info("joined sync session", "code", code)
	if c.opts.Notifier != nil {
		c.opts.Notifier.Success("Devices paired. Your chats now sync.")
	}
	return nil
}

// Leave ends the session on this device. Other devices keep theirs.
func (c *Controller) Leave() error {
	c.mu.Lock()
	hadSession := c.state != StateIdle
	c.gen++
	conn := c.conn
	c.conn = nil
	c.state = StateIdle
	c.code, c.role = "", ""
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if err := clearSession(c.opts.DataDir); err != nil {
		return err
	}
	if hadSession {
		c.log.Info("left sync session")
		if c.opts.Notifier != nil {
			c.opts.Notifier.Info("Sync session ended on this device.")
		}
	}
	return nil
}

// Status snapshots the current state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{State: c.state, Code: c.code}
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		st.Peers = conn.Peers()
	}
	return st
}

// Close tears everything down. The saved session file is kept so the next
// start restores it.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.gen++
	conn := c.conn
	c.conn = nil
	c.state = StateIdle
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.wg.Wait()
}

// begin replaces the current session with a new one. tolerant makes a
// failed initial dial non-fatal (the supervisor keeps retrying), which is
// what a restore wants and an interactive host/join does not.
func (c *Controller) begin(ctx context.Context, code, role string, st State, tolerant bool) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, errors.New("pairing: controller closed")
	}
	c.gen++
	gen := c.gen
	old := c.conn
	c.conn = nil
	c.state, c.code, c.role = st, code, role
	c.connected = make(chan struct{})
	c.connectedOnce = new(sync.Once)
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	if _, err := c.attach(ctx, gen, code); err != nil && !tolerant {
		c.abandon(gen)
		return 0, err
	}

	c.wg.Add(1)
	go c.supervise(gen, code)
	return gen, nil
}

// attach dials the room and installs the connection if the generation is
// still current.
func (c *Controller) attach(ctx context.Context, gen int, code string) (*transport.Conn, error) {
	conn, err := transport.Dial(ctx, transport.Options{
		RelayURL: c.opts.RelayURL,
		Room:     code,
		Doc:      c.opts.Doc,
		Notifier: c.opts.Notifier,
		Log:      c.log,
		Self: transport.Presence{
			SessionID: uuid.NewString(),
			Label:     c.opts.DeviceLabel,
			Platform:  c.opts.Platform,
			Hostname:  c.opts.Hostname,
		},
		Heartbeat: c.opts.Heartbeat,
		PeerTTL:   c.opts.PeerTTL,
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return nil, errors.New("pairing: session superseded")
	}
	c.conn = conn
	c.mu.Unlock()

	conn.SubscribePeers(func(peers []transport.Presence) {
		c.onPeers(gen, conn, len(peers))
	})
	if conn.Connected() {
		c.onPeers(gen, conn, 1)
	}
	return conn, nil
}

func (c *Controller) onPeers(gen int, conn *transport.Conn, n int) {
	c.mu.Lock()
	if gen != c.gen || c.conn != conn {
		c.mu.Unlock()
		return
	}
	if n > 0 {
		c.state = StateConnected
		once, ch := c.connectedOnce, c.connected
		c.mu.Unlock()
		once.Do(func() { close(ch) })
		return
	}
	if c.state == StateConnected {
		c.state = StateHosting
	}
	c.mu.Unlock()
}

func (c *Controller) waitConnected(ctx context.Context, gen int, timeout time.Duration) error {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return errors.New("pairing: session superseded")
	}
	connected := c.connected
	c.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-connected:
		return nil
	case <-timer.C:
		return ErrJoinTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// abandon drops the session iff gen is still current.
func (c *Controller) abandon(gen int) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.gen++
	conn := c.conn
	c.conn = nil
	c.state = StateIdle
	c.code, c.role = "", ""
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	_ = clearSession(c.opts.DataDir)
}

func (c *Controller) setStateIfCurrent(gen int, from, to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.state != from {
		return false
	}
	c.state = to
	return true
}

// supervise keeps the room attachment alive for one session generation,
// redialing with backoff whenever the transport drops.
func (c *Controller) supervise(gen int, code string) {
	defer c.wg.Done()

	for {
		c.mu.Lock()
		if gen != c.gen || c.closed {
			c.mu.Unlock()
			return
		}
		conn := c.conn
		c.mu.Unlock()

		if conn != nil {
			select {
			case <-conn.Done():
			case <-c.runCtx.Done():
				return
			}

			c.mu.Lock()
			if gen != c.gen || c.closed {
				c.mu.Unlock()
				return
			}
			if c.conn == conn {
				c.conn = nil
				if c.state == StateConnected {
					c.state = StateHosting
				}
			}
			c.mu.Unlock()
		}

		backoff := time.Second
		for {
			c.mu.Lock()
			if gen != c.gen || c.closed {
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()

			if _, err := c.attach(c.runCtx, gen, code); err == nil {
				c.log.Info("reattached to sync room", "code", code)
				break
			} else {
				c.log.Debug("room redial failed", "code", code, "error", err)
			}

			select {
			case <-time.After(backoff):
			case <-c.runCtx.Done():
				return
			}
			if backoff < maxRedialBackoff {
				backoff *= 2
			}
		}
	}
}
