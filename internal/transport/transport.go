// Package transport connects a document to the other devices in a pairing
// room. Frames travel through the relay, which forwards them verbatim, so
// the whole protocol lives on the client side: presence announcements, full
// state exchange on join, and incremental updates for every local change.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftchat/drift-sync/internal/notify"
	"github.com/driftchat/drift-sync/internal/syncdoc"
)

const (
	frameUpdate   = "update"
	frameState    = "state"
	frameStateReq = "state_request"
	framePresence = "presence"
	frameBye      = "bye"

	defaultHeartbeat = 15 * time.Second
	defaultPeerTTL   = 45 * time.Second

	writeWait    = 10 * time.Second
	maxFrameSize = 4 << 20
)

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Presence identifies one device session in a room. SessionID is unique per
// connection; Label is the human-readable device name shown in notices.
type Presence struct {
	SessionID string `json:"sessionId"`
	Label     string `json:"label"`
	Platform  string `json:"platform,omitempty"`
	Hostname  string `json:"hostname,omitempty"`
}

type peerState struct {
	info     Presence
	lastSeen time.Time
}

// Options configures Dial.
type Options struct {
	RelayURL string
	Room     string
	Doc      *syncdoc.Doc
	Self     Presence
	Notifier *notify.Notifier
	Log      *slog.Logger

	// Zero values use the package defaults. Tests shrink these.
	Heartbeat time.Duration
	PeerTTL   time.Duration
}

// Conn is one live attachment of the document to a room. It ends either via
// Close or when the websocket fails; Done is closed in both cases and the
// caller decides whether to redial.
type Conn struct {
	opts Options
	ws   *websocket.Conn
	log  *slog.Logger

	outbound   chan frame
	done       chan struct{}
	writerDone chan struct{}

	mu      sync.Mutex
	peers   map[string]peerState
	subs    map[int]func([]Presence)
	nextSub int
	closed  bool

	unsubDoc  func()
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// RoomURL converts a relay base URL and room code into the websocket
// endpoint for that room.
func RoomURL(relayURL, room string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(relayURL))
	if err != nil {
		return "", fmt.Errorf("invalid relay url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid relay url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/room/" + url.PathEscape(room)
	return u.String(), nil
}

// Dial joins the room and starts replicating. The returned connection has
// already announced itself and requested peer state.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	if opts.Doc == nil {
		return nil, errors.New("transport: nil document")
	}
	if strings.TrimSpace(opts.Room) == "" {
		return nil, errors.New("transport: missing room")
	}
	if opts.Self.SessionID == "" {
		return nil, errors.New("transport: missing session id")
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	if opts.PeerTTL <= 0 {
		opts.PeerTTL = defaultPeerTTL
	}

	endpoint, err := RoomURL(opts.RelayURL, opts.Room)
	if err != nil {
		return nil, err
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	ws.SetReadLimit(maxFrameSize)

	c := &Conn{
		opts:       opts,
		ws:         ws,
		log:        opts.Log.With("room", opts.Room),
		outbound:   make(chan frame, 256),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		peers:      make(map[string]peerState),
		subs:       make(map[int]func([]Presence)),
	}

	c.unsubDoc = opts.Doc.Subscribe(func(change syncdoc.Change) {
		if change.Origin != syncdoc.OriginLocal {
			return
		}
		c.send(frameUpdate, change.Update)
	})

	c.send(framePresence, opts.Self)
	c.send(frameStateReq, nil)

	c.wg.Add(2)
	go c.writeLoop()
	go c.readLoop()
	return c, nil
}

// Connected reports whether at least one other device is live in the room.
func (c *Conn) Connected() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.peers) > 0
}

// Peers returns the live peer presences, ordered by session id.
func (c *Conn) Peers() []Presence {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Presence, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, p.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// SubscribePeers registers fn to run after every peer set change, with the
// new peer list. Returns the unsubscribe func.
func (c *Conn) SubscribePeers(fn func([]Presence)) (unsubscribe func()) {
	if c == nil || fn == nil {
		return func() {}
	}
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Done is closed when the connection ends, whether by Close or by a
// transport failure.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close announces departure and tears the connection down. Idempotent.
func (c *Conn) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		if c.unsubDoc != nil {
			c.unsubDoc()
		}
		close(c.done)
		<-c.writerDone

		// Best effort: tell peers we are leaving so they do not wait for
		// the presence TTL to expire. The write loop has exited, so this
		// is the only writer.
		bye, _ := json.Marshal(Presence{SessionID: c.opts.Self.SessionID, Label: c.opts.Self.Label})
		raw, _ := json.Marshal(frame{Type: frameBye, Payload: bye})
		_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.ws.WriteMessage(websocket.TextMessage, raw)

		_ = c.ws.Close()
		c.wg.Wait()
	})
	return nil
}

func (c *Conn) send(typ string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			c.log.Error("encode frame failed", "type", typ, "error", err)
			return
		}
		raw = b
	}
	select {
	case c.outbound <- frame{Type: typ, Payload: raw}:
	case <-c.done:
	default:
		c.log.Warn("outbound buffer full, dropping frame", "type", typ)
	}
}

func (c *Conn) writeLoop() {
	defer c.wg.Done()
	defer close(c.writerDone)

	heartbeat := time.NewTicker(c.opts.Heartbeat)
	sweep := time.NewTicker(c.opts.PeerTTL / 3)
	defer heartbeat.Stop()
	defer sweep.Stop()

	for {
		select {
		case f := <-c.outbound:
			raw, err := json.Marshal(f)
			if err != nil {
				c.log.Error("encode frame failed", "type", f.Type, "error", err)
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.fail(fmt.Errorf("write: %w", err))
				return
			}
		case <-heartbeat.C:
			c.send(framePresence, c.opts.Self)
		case <-sweep.C:
			c.expirePeers()
		case <-c.done:
			return
		}
	}
}

func (c *Conn) readLoop() {
	defer c.wg.Done()

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(fmt.Errorf("read: %w", err))
			return
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.log.Warn("dropping malformed frame", "error", err)
			continue
		}
		c.handle(f)
	}
}

func (c *Conn) handle(f frame) {
	switch f.Type {
	case frameUpdate, frameState:
		var u syncdoc.Update
		if err := json.Unmarshal(f.Payload, &u); err != nil {
			c.log.Warn("dropping malformed update", "error", err)
			return
		}
		if applied := c.opts.Doc.ApplyUpdate(u); len(applied) > 0 {
			c.log.Debug("merged remote update", "entries", len(applied))
		}

	case frameStateReq:
		c.send(frameState, c.opts.Doc.EncodeState())
		// The requester is a newcomer; make sure it learns about us without
		// waiting for the next heartbeat.
		c.send(framePresence, c.opts.Self)

	case framePresence:
		var p Presence
		if err := json.Unmarshal(f.Payload, &p); err != nil || p.SessionID == "" {
			return
		}
		if p.SessionID == c.opts.Self.SessionID {
			return
		}
		c.touchPeer(p)

	case frameBye:
		var p Presence
		if err := json.Unmarshal(f.Payload, &p); err != nil || p.SessionID == "" {
			return
		}
		c.dropPeer(p.SessionID, "disconnected")

	default:
		c.log.Debug("ignoring unknown frame", "type", f.Type)
	}
}

func (c *Conn) touchPeer(p Presence) {
	c.mu.Lock()
	_, known := c.peers[p.SessionID]
	c.peers[p.SessionID] = peerState{info: p, lastSeen: time.Now()}
	c.mu.Unlock()

	if known {
		return
	}
	c.log.Info("peer connected", "session", p.SessionID, "label", p.Label)
	if c.opts.Notifier != nil {
		c.opts.Notifier.Success(fmt.Sprintf("%s connected.", labelOrFallback(p)))
	}
	// Late joiners announce themselves before requesting state; answering
	// their presence keeps both sides' peer lists symmetric.
	c.send(framePresence, c.opts.Self)
	c.notifyPeerSubs()
}

func (c *Conn) dropPeer(sessionID, reason string) {
	c.mu.Lock()
	p, known := c.peers[sessionID]
	if known {
		delete(c.peers, sessionID)
	}
	c.mu.Unlock()

	if !known {
		return
	}
	c.log.Info("peer "+reason, "session", sessionID, "label", p.info.Label)
	if c.opts.Notifier != nil {
		c.opts.Notifier.Info(fmt.Sprintf("%s disconnected.", labelOrFallback(p.info)))
	}
	c.notifyPeerSubs()
}

func (c *Conn) expirePeers() {
	cutoff := time.Now().Add(-c.opts.PeerTTL)
	c.mu.Lock()
	var stale []string
	for id, p := range c.peers {
		if p.lastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	c.mu.Unlock()

	for _, id := range stale {
		c.dropPeer(id, "timed out")
	}
}

func (c *Conn) notifyPeerSubs() {
	peers := c.Peers()
	c.mu.Lock()
	fns := make([]func([]Presence), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(peers)
	}
}

func (c *Conn) fail(err error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if !closed {
		c.log.Warn("connection lost", "error", err)
	}
	go c.Close()
}

func labelOrFallback(p Presence) string {
	if strings.TrimSpace(p.Label) != "" {
		return p.Label
	}
	return "A device"
}
