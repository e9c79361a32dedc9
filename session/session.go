// Package session drives one replica's connection to a document: it owns
// the sequence store, translates buffer snapshots into operations, frames
// them over the channel, queues them while offline and runs the reconnect
// state machine. One Session per open document.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"github.com/stelioszach03/realtime-crdt-markdown-editor/crdt"
	"github.com/stelioszach03/realtime-crdt-markdown-editor/diff"
	"github.com/stelioszach03/realtime-crdt-markdown-editor/protocol"
	"github.com/stelioszach03/realtime-crdt-markdown-editor/utils"
)

var (
	// ErrClosed is returned by every method once Close has been called.
	ErrClosed = errors.New("session: closed")
	// ErrChannel wraps transport failures surfaced through OnError; they
	// feed the reconnect machinery, never a crash.
	ErrChannel = errors.New("session: channel error")
	// ErrReconnectExhausted is surfaced when the bounded retry gives up.
	ErrReconnectExhausted = errors.New("session: reconnect attempts exhausted")
)

const (
	DefaultBackoffFloor = time.Second
	DefaultBackoffCap   = 30 * time.Second
	DefaultMaxAttempts  = 10

	defaultPingInterval = 25 * time.Second
	frameBufferSize     = 64
)

type Opt interface {
	Apply(*Session)
}

// BackoffOpt tunes the reconnect policy. Zero fields keep defaults.
type BackoffOpt struct {
	Floor       time.Duration
	Cap         time.Duration
	MaxAttempts int
}

func (o *BackoffOpt) Apply(s *Session) {
	if o.Floor > 0 {
		s.backoffFloor = o.Floor
	}
	if o.Cap > 0 {
		s.backoffCap = o.Cap
	}
	if o.MaxAttempts > 0 {
		s.maxAttempts = o.MaxAttempts
	}
}

// DialerOpt swaps the transport, which is how tests plug in a fake.
type DialerOpt struct {
	Dialer Dialer
}

func (o *DialerOpt) Apply(s *Session) {
	if o.Dialer != nil {
		s.dialer = o.Dialer
	}
}

// TokenOpt attaches an opaque auth token to the connect URL.
type TokenOpt struct {
	Token string
}

func (o *TokenOpt) Apply(s *Session) { s.token = o.Token }

// SiteOpt pins the site id instead of generating one.
type SiteOpt struct {
	Site string
}

func (o *SiteOpt) Apply(s *Session) { s.site = o.Site }

// JournalOpt persists the offline queue at the given path so unsent edits
// survive a restart.
type JournalOpt struct {
	Path string
}

func (o *JournalOpt) Apply(s *Session) { s.journalPath = o.Path }

type PingOpt struct {
	Interval time.Duration
}

func (o *PingOpt) Apply(s *Session) {
	if o.Interval > 0 {
		s.pingInterval = o.Interval
	}
}

// CallbacksOpt registers the observer hooks. They are invoked from session
// goroutines; keep them quick and do not call back into the Session from
// OnState or OnError.
type CallbacksOpt struct {
	OnChange   func(text string)
	OnPresence func(roster []protocol.Presence)
	OnState    func(state State)
	OnError    func(err error)
}

func (o *CallbacksOpt) Apply(s *Session) {
	s.onChange = o.OnChange
	s.onPresence = o.OnPresence
	s.onState = o.OnState
	s.onError = o.OnError
}

// Session is the per-document sync actor. A single goroutine owns the
// sequence store and the offline queue; public methods post into it, so
// Session is safe for concurrent use.
type Session struct {
	log      utils.Logger
	endpoint string
	docID    string
	username string
	site     string
	token    string

	dialer       Dialer
	backoffFloor time.Duration
	backoffCap   time.Duration
	maxAttempts  int
	pingInterval time.Duration
	journalPath  string

	onChange   func(string)
	onPresence func([]protocol.Presence)
	onState    func(State)
	onError    func(error)

	seq      *crdt.Sequence
	queue    *OfflineQueue
	presence *protocol.PresenceSet

	state         atomic.Int32
	attempts      atomic.Int32
	lastConnected atomic.Int64

	cmds   chan func()
	frames chan []byte
	conns  chan Conn
	drops  chan Conn

	conn Conn // actor-owned, nil while offline

	connMu    sync.Mutex
	connector *connectorHandle

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type connectorHandle struct {
	cancel context.CancelFunc
}

// New builds a session for one document. The site id defaults to
// "<username>_<8 hex chars>", the scheme the rest of the system expects.
// The actor starts immediately so edits can be made before Connect.
func New(log utils.Logger, endpoint, docID, username string, opts ...Opt) (*Session, error) {
	if username == "" {
		username = "guest"
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		log:          log,
		docID:        docID,
		username:     username,
		dialer:       &WebsocketDialer{},
		backoffFloor: DefaultBackoffFloor,
		backoffCap:   DefaultBackoffCap,
		maxAttempts:  DefaultMaxAttempts,
		pingInterval: defaultPingInterval,
		presence:     protocol.NewPresenceSet(),
		cmds:         make(chan func()),
		frames:       make(chan []byte, frameBufferSize),
		conns:        make(chan Conn),
		drops:        make(chan Conn, 1),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, o := range opts {
		o.Apply(s)
	}
	if s.site == "" {
		s.site = fmt.Sprintf("%s_%s", username, strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	}
	s.seq = crdt.NewSequence(s.site)

	var err error
	if s.journalPath != "" {
		s.queue, err = NewJournaledQueue(s.journalPath)
		if err != nil {
			cancel()
			return nil, err
		}
	} else {
		s.queue = NewOfflineQueue()
	}

	s.endpoint, err = buildEndpoint(endpoint, docID, s.site, username, s.token)
	if err != nil {
		cancel()
		s.queue.Close()
		return nil, err
	}

	s.state.Store(int32(StateDisconnected))
	s.wg.Add(1)
	go s.run()
	return s, nil
}

func buildEndpoint(raw, docID, site, username, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("session: bad endpoint %q: %w", raw, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("session: bad endpoint scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/" + url.PathEscape(docID)
	q := u.Query()
	q.Set("site_id", site)
	q.Set("username", username)
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect starts keeping a connection up. Idempotent while a connector is
// already running; call again after Disconnect or after the retry bound was
// exhausted to try anew.
func (s *Session) Connect() error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.connector != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(s.ctx)
	handle := &connectorHandle{cancel: cancel}
	s.connector = handle
	s.wg.Add(1)
	go s.keepConnected(ctx, handle)
	return nil
}

// Disconnect is the manual path: it stops the connector and suppresses any
// automatic reconnection until Connect is called again.
func (s *Session) Disconnect() {
	s.connMu.Lock()
	handle := s.connector
	s.connector = nil
	s.connMu.Unlock()
	if handle != nil {
		handle.cancel()
	}
	_ = s.do(func() {
		if s.conn != nil {
			s.conn.Close()
			s.conn = nil
		}
		s.setState(StateDisconnected)
	})
}

// Close shuts the session down for good and releases the queue journal.
func (s *Session) Close() error {
	s.cancel()
	s.wg.Wait()
	return s.queue.Close()
}

func (s *Session) SiteID() string   { return s.site }
func (s *Session) Document() string { return s.docID }
func (s *Session) State() State     { return State(s.state.Load()) }

func (s *Session) ReconnectAttempts() int { return int(s.attempts.Load()) }

func (s *Session) LastConnected() time.Time {
	n := s.lastConnected.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (s *Session) QueueLen() int { return s.queue.Len() }

// Peers lists the other participants as last seen by the presence relay.
func (s *Session) Peers() []protocol.Presence { return s.presence.Snapshot() }

// Text returns the current document content.
func (s *Session) Text() string {
	var text string
	_ = s.do(func() { text = s.seq.Text() })
	return text
}

// SetText diffs the new buffer content against the replica and broadcasts
// the resulting operations, queueing them while offline.
func (s *Session) SetText(text string) error {
	var inner error
	err := s.do(func() {
		var ops []crdt.Op
		ops, inner = diff.Translate(s.seq, text)
		for _, op := range ops {
			s.sendOrQueue(op)
		}
	})
	if err != nil {
		return err
	}
	return inner
}

// Insert applies a single-character local insert at a visible index.
func (s *Session) Insert(index int, r rune) error {
	var inner error
	err := s.do(func() {
		var op crdt.Op
		op, inner = s.seq.LocalInsert(index, r)
		if inner == nil {
			s.sendOrQueue(op)
		}
	})
	if err != nil {
		return err
	}
	return inner
}

// Delete applies a single-character local delete at a visible index.
func (s *Session) Delete(index int) error {
	var inner error
	err := s.do(func() {
		var op crdt.Op
		op, inner = s.seq.LocalDelete(index)
		if inner == nil {
			s.sendOrQueue(op)
		}
	})
	if err != nil {
		return err
	}
	return inner
}

// UpdatePresence broadcasts the local cursor/selection. Presence is
// ephemeral: while offline the update is simply dropped, never queued.
func (s *Session) UpdatePresence(cursor int, selStart, selEnd *int) error {
	return s.do(func() {
		if s.conn == nil {
			return
		}
		s.transmitFrame(protocol.CursorFrame(protocol.Presence{
			Site:     s.site,
			Username: s.username,
			Cursor:   cursor,
			SelStart: selStart,
			SelEnd:   selEnd,
		}))
	})
}

// do runs fn on the actor goroutine and waits for it.
func (s *Session) do(fn func()) error {
	done := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(done) }:
	case <-s.ctx.Done():
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-s.ctx.Done():
		return ErrClosed
	}
}

func (s *Session) run() {
	defer s.wg.Done()
	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-s.ctx.Done():
			if s.conn != nil {
				s.conn.Close()
				s.conn = nil
			}
			return

		case fn := <-s.cmds:
			fn()

		case conn := <-s.conns:
			if s.conn != nil {
				s.conn.Close()
			}
			s.conn = conn
			s.lastConnected.Store(time.Now().UnixNano())
			s.setState(StateConnected)
			s.flushQueue()
			s.transmitFrame(protocol.RequestStateFrame())

		case dead := <-s.drops:
			// A stale notice for an already replaced connection is ignored.
			if s.conn == dead {
				s.conn.Close()
				s.conn = nil
			}

		case data := <-s.frames:
			s.handleFrame(data)

		case <-ping.C:
			if s.conn != nil {
				s.transmitFrame(protocol.PingFrame())
			}
		}
	}
}

// flushQueue retransmits queued ops in FIFO order. The queue is only
// cleared after the initial_state merge confirms the server caught up, so
// a connection lost mid-flush just means a harmless idempotent replay.
func (s *Session) flushQueue() {
	for _, op := range s.queue.Ops() {
		if !s.transmitFrame(protocol.OperationFrame(op)) {
			return
		}
	}
}

func (s *Session) sendOrQueue(op crdt.Op) {
	if s.conn != nil && s.transmitFrame(protocol.OperationFrame(op)) {
		return
	}
	if err := s.queue.Push(op); err != nil {
		s.log.Error("session: queue push failed", "doc", s.docID, "err", err)
	}
}

func (s *Session) transmitFrame(f protocol.Frame) bool {
	if s.conn == nil {
		return false
	}
	data, err := protocol.Encode(f)
	if err != nil {
		s.log.Error("session: encode failed", "doc", s.docID, "err", err)
		return false
	}
	if err := s.conn.WriteMessage(data); err != nil {
		s.log.Warn("session: write failed", "doc", s.docID, "err", err)
		s.surface(fmt.Errorf("%w: %v", ErrChannel, err))
		s.conn.Close()
		s.conn = nil
		return false
	}
	return true
}

func (s *Session) handleFrame(data []byte) {
	f, err := protocol.Decode(data)
	if err != nil {
		// Dropped, surfaced, never fatal.
		s.log.Warn("session: dropping malformed frame", "doc", s.docID, "err", err)
		s.surface(err)
		return
	}

	switch f.Type {
	case protocol.FrameOperation:
		if err := s.seq.Apply(*f.Op); err != nil {
			s.log.Warn("session: operation rejected", "doc", s.docID, "err", err)
			s.surface(err)
			return
		}
		s.notifyChange()

	case protocol.FrameCursor, protocol.FramePresence, protocol.FrameUserJoined:
		if f.Site != s.site {
			s.presence.Update(f.PresenceInfo())
			s.notifyPresence()
		}

	case protocol.FrameUserLeft:
		s.presence.Remove(f.Site)
		s.notifyPresence()

	case protocol.FrameInitialState:
		s.handleInitialState(f)

	case protocol.FrameError:
		s.surface(fmt.Errorf("session: server error: %s", f.Message))

	case protocol.FramePing:
		s.transmitFrame(protocol.PongFrame())

	case protocol.FramePong:
		// Transport read deadline is already refreshed by any traffic.

	case protocol.FrameRequestState:
		// Server-side frame, nothing for a client to do.
	}
}

func (s *Session) handleInitialState(f protocol.Frame) {
	snap, err := f.StateSnapshot()
	if err != nil {
		s.log.Warn("session: bad initial state", "doc", s.docID, "err", err)
		s.surface(err)
		return
	}
	ops, err := s.seq.MergeSnapshot(snap)
	if err != nil {
		s.log.Warn("session: state merge failed", "doc", s.docID, "err", err)
		s.surface(err)
		return
	}
	for _, op := range ops {
		// Only our own synthesized ops go back out: tombstones the server
		// missed. The rest came from the server state itself.
		if op.Origin == s.site {
			s.transmitFrame(protocol.OperationFrame(op))
		}
	}
	if err := s.queue.Clear(); err != nil {
		s.log.Error("session: queue clear failed", "doc", s.docID, "err", err)
	}
	if f.Checksum != 0 && s.seq.Checksum() != f.Checksum {
		s.log.Debug("session: checksum differs after merge",
			"doc", s.docID, "merged_ops", len(ops))
	}
	s.presence.Reset(f.Roster)
	s.notifyChange()
	s.notifyPresence()
}

// keepConnected dials in a loop with jittered exponential backoff, hands
// live connections to the actor and pumps inbound frames until the channel
// dies. A bounded streak of failed dials gives up into StateDisconnected.
func (s *Session) keepConnected(ctx context.Context, handle *connectorHandle) {
	defer s.wg.Done()
	defer func() {
		s.clearConnector(handle)
		handle.cancel()
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.backoffFloor
	bo.MaxInterval = s.backoffCap
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.25
	bo.MaxElapsedTime = 0
	bo.Reset()

	attempts := 0
	for ctx.Err() == nil {
		s.setState(StateConnecting)
		conn, err := s.dialer.Dial(ctx, s.endpoint)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempts++
			s.attempts.Store(int32(attempts))
			s.log.Warn("session: connect failed",
				"doc", s.docID, "attempt", attempts, "err", err)
			if s.maxAttempts > 0 && attempts >= s.maxAttempts {
				s.log.Error("session: reconnect attempts exhausted", "doc", s.docID)
				// Clear before the state flips so a caller seeing
				// StateDisconnected can Connect again right away.
				s.clearConnector(handle)
				s.setState(StateDisconnected)
				s.surface(ErrReconnectExhausted)
				return
			}
			s.setState(StateReconnecting)
			delay := bo.NextBackOff()
			if delay == backoff.Stop || delay > s.backoffCap {
				delay = s.backoffCap
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			continue
		}

		attempts = 0
		s.attempts.Store(0)
		bo.Reset()
		s.log.Info("session: connected", "doc", s.docID, "site", s.site)

		select {
		case s.conns <- conn:
		case <-ctx.Done():
			conn.Close()
			return
		}

		err = s.readLoop(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("session: connection lost", "doc", s.docID, "err", err)
		s.surface(fmt.Errorf("%w: %v", ErrChannel, err))
		s.setState(StateError)
		select {
		case s.drops <- conn:
		default:
		}
	}
}

func (s *Session) clearConnector(handle *connectorHandle) {
	s.connMu.Lock()
	if s.connector == handle {
		s.connector = nil
	}
	s.connMu.Unlock()
}

func (s *Session) readLoop(ctx context.Context, conn Conn) error {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		select {
		case s.frames <- data:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old == st {
		return
	}
	s.log.Debug("session: state change",
		"doc", s.docID, "from", old.String(), "to", st.String())
	if s.onState != nil {
		s.onState(st)
	}
}

func (s *Session) surface(err error) {
	if s.onError != nil {
		s.onError(err)
	}
}

func (s *Session) notifyChange() {
	if s.onChange != nil {
		s.onChange(s.seq.Text())
	}
}

func (s *Session) notifyPresence() {
	if s.onPresence != nil {
		s.onPresence(s.presence.Snapshot())
	}
}
