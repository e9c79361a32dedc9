package session_test

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stelioszach03/realtime-crdt-markdown-editor/crdt"
	"github.com/stelioszach03/realtime-crdt-markdown-editor/protocol"
	"github.com/stelioszach03/realtime-crdt-markdown-editor/session"
	"github.com/stelioszach03/realtime-crdt-markdown-editor/utils"
)

const (
	waitTime = 3 * time.Second
	tick     = 5 * time.Millisecond
)

type dialResult struct {
	conn session.Conn
	err  error
}

// scriptDialer serves pre-loaded dial outcomes and records attempt times.
type scriptDialer struct {
	script chan dialResult

	mu    sync.Mutex
	times []time.Time
}

func newScriptDialer() *scriptDialer {
	return &scriptDialer{script: make(chan dialResult, 16)}
}

func (d *scriptDialer) Dial(ctx context.Context, rawURL string) (session.Conn, error) {
	d.mu.Lock()
	d.times = append(d.times, time.Now())
	d.mu.Unlock()
	select {
	case r := <-d.script:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *scriptDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.times)
}

func (d *scriptDialer) gaps() []time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []time.Duration
	for i := 1; i < len(d.times); i++ {
		out = append(out, d.times[i].Sub(d.times[i-1]))
	}
	return out
}

// fakeConn is an in-memory connection with buffered frame channels.
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case c.out <- data:
		return nil
	case <-c.closed:
		return io.ErrClosedPipe
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) deliver(t *testing.T, f protocol.Frame) {
	t.Helper()
	data, err := protocol.Encode(f)
	require.NoError(t, err)
	select {
	case c.in <- data:
	case <-time.After(waitTime):
		t.Fatal("session read loop not draining")
	}
}

func recvFrame(t *testing.T, c *fakeConn) protocol.Frame {
	t.Helper()
	select {
	case data := <-c.out:
		f, err := protocol.Decode(data)
		require.NoError(t, err)
		return f
	case <-time.After(waitTime):
		t.Fatal("timed out waiting for an outbound frame")
		return protocol.Frame{}
	}
}

func stateFrame(t *testing.T, server *crdt.Sequence, docID string, roster []protocol.Presence) protocol.Frame {
	t.Helper()
	snap, err := server.Snapshot()
	require.NoError(t, err)
	f, err := protocol.InitialStateFrame(docID, server.Site(), snap, server.Text(), server.Checksum(), roster)
	require.NoError(t, err)
	return f
}

func quickOpts(d *scriptDialer) []session.Opt {
	return []session.Opt{
		&session.DialerOpt{Dialer: d},
		&session.SiteOpt{Site: "alice_11111111"},
		&session.BackoffOpt{Floor: 5 * time.Millisecond, Cap: 20 * time.Millisecond},
		&session.PingOpt{Interval: time.Hour},
	}
}

func TestOfflineFirstEditing(t *testing.T) {
	s, err := session.New(utils.NewNopLogger(), "ws://localhost:8000", "doc-1", "alice",
		&session.SiteOpt{Site: "alice_11111111"})
	require.NoError(t, err)
	defer s.Close()

	require.Equal(t, session.StateDisconnected, s.State())
	require.NoError(t, s.SetText("# Notes\n"))
	require.Equal(t, "# Notes\n", s.Text())
	require.Equal(t, 8, s.QueueLen())

	require.NoError(t, s.Insert(8, '!'))
	require.NoError(t, s.Delete(0))
	require.Equal(t, " Notes\n!", s.Text())
	require.Equal(t, 10, s.QueueLen())
	require.True(t, s.LastConnected().IsZero())
}

func TestQueueFlushOnConnect(t *testing.T) {
	dialer := newScriptDialer()
	conn := newFakeConn()
	dialer.script <- dialResult{conn: conn}

	s, err := session.New(utils.NewNopLogger(), "ws://localhost:8000", "doc-1", "alice", quickOpts(dialer)...)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SetText("hello"))
	require.Equal(t, 5, s.QueueLen())

	require.NoError(t, s.Connect())

	// Queued ops drain in the order they were made, then state is requested.
	server := crdt.NewSequence("server")
	for i := 0; i < 5; i++ {
		f := recvFrame(t, conn)
		require.Equal(t, protocol.FrameOperation, f.Type)
		require.Equal(t, crdt.OpInsert, f.Op.Type)
		require.NoError(t, server.Apply(*f.Op))
	}
	require.Equal(t, "hello", server.Text())
	require.Equal(t, protocol.FrameRequestState, recvFrame(t, conn).Type)

	// The queue survives until the state reply confirms the server caught up.
	require.Equal(t, 5, s.QueueLen())

	conn.deliver(t, stateFrame(t, server, "doc-1", nil))
	require.Eventually(t, func() bool { return s.QueueLen() == 0 }, waitTime, tick)
	require.Equal(t, session.StateConnected, s.State())
	require.Equal(t, "hello", s.Text())
	require.False(t, s.LastConnected().IsZero())
}

func TestRemoteOperationsApply(t *testing.T) {
	dialer := newScriptDialer()
	conn := newFakeConn()
	dialer.script <- dialResult{conn: conn}

	var mu sync.Mutex
	var lastText string
	opts := append(quickOpts(dialer), &session.CallbacksOpt{
		OnChange: func(text string) { mu.Lock(); lastText = text; mu.Unlock() },
	})
	s, err := session.New(utils.NewNopLogger(), "ws://localhost:8000", "doc-1", "alice", opts...)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Connect())
	require.Equal(t, protocol.FrameRequestState, recvFrame(t, conn).Type)

	server := crdt.NewSequence("server")
	_, err = server.LocalInsert(0, 'h')
	require.NoError(t, err)
	_, err = server.LocalInsert(1, 'i')
	require.NoError(t, err)

	conn.deliver(t, stateFrame(t, server, "doc-1", nil))
	require.Eventually(t, func() bool { return s.Text() == "hi" }, waitTime, tick)

	op, err := server.LocalInsert(2, '!')
	require.NoError(t, err)
	conn.deliver(t, protocol.OperationFrame(op))
	require.Eventually(t, func() bool { return s.Text() == "hi!" }, waitTime, tick)

	mu.Lock()
	require.Equal(t, "hi!", lastText)
	mu.Unlock()
}

func TestMergeRebroadcastsLocalTombstones(t *testing.T) {
	dialer := newScriptDialer()
	conn := newFakeConn()
	dialer.script <- dialResult{conn: conn}

	s, err := session.New(utils.NewNopLogger(), "ws://localhost:8000", "doc-1", "alice", quickOpts(dialer)...)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SetText("ab"))
	require.NoError(t, s.Connect())

	server := crdt.NewSequence("server")
	for i := 0; i < 2; i++ {
		require.NoError(t, server.Apply(*recvFrame(t, conn).Op))
	}
	require.Equal(t, protocol.FrameRequestState, recvFrame(t, conn).Type)

	// Delete transmits right away but "gets lost": read off the wire here and
	// never applied to the server replica.
	require.NoError(t, s.Delete(0))
	lost := recvFrame(t, conn)
	require.Equal(t, crdt.OpDelete, lost.Op.Type)
	require.Equal(t, "b", s.Text())

	conn.deliver(t, stateFrame(t, server, "doc-1", nil))

	// The merge finds the element locally tombstoned but still visible on the
	// server and re-sends the delete tagged with our own site.
	again := recvFrame(t, conn)
	require.Equal(t, protocol.FrameOperation, again.Type)
	require.Equal(t, crdt.OpDelete, again.Op.Type)
	require.Equal(t, "alice_11111111", again.Op.Origin)

	require.NoError(t, server.Apply(*again.Op))
	require.Equal(t, "b", server.Text())
	require.Equal(t, "b", s.Text())
}

func TestReconnectGivesUpAfterBound(t *testing.T) {
	dialer := newScriptDialer()
	for i := 0; i < 4; i++ {
		dialer.script <- dialResult{err: errors.New("connection refused")}
	}

	var mu sync.Mutex
	var errs []error
	var states []session.State

	s, err := session.New(utils.NewNopLogger(), "ws://localhost:8000", "doc-1", "alice",
		&session.DialerOpt{Dialer: dialer},
		&session.BackoffOpt{Floor: 5 * time.Millisecond, Cap: 20 * time.Millisecond, MaxAttempts: 4},
		&session.PingOpt{Interval: time.Hour},
		&session.CallbacksOpt{
			OnError: func(err error) { mu.Lock(); errs = append(errs, err); mu.Unlock() },
			OnState: func(st session.State) { mu.Lock(); states = append(states, st); mu.Unlock() },
		},
	)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Connect())
	require.Eventually(t, func() bool {
		return s.State() == session.StateDisconnected && dialer.dials() == 4
	}, waitTime, tick)

	require.Equal(t, 4, s.ReconnectAttempts())

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, states, session.StateConnecting)
	require.Contains(t, states, session.StateReconnecting)
	exhausted := false
	for _, e := range errs {
		if errors.Is(e, session.ErrReconnectExhausted) {
			exhausted = true
		}
	}
	require.True(t, exhausted, "expected ErrReconnectExhausted to be surfaced")

	// Backoff is capped at 20ms plus jitter; anything near the test timeout
	// means the cap was ignored.
	for _, gap := range dialer.gaps() {
		require.Less(t, gap, 500*time.Millisecond)
	}
}

func TestConnectAgainAfterExhaustion(t *testing.T) {
	dialer := newScriptDialer()
	dialer.script <- dialResult{err: errors.New("refused")}
	dialer.script <- dialResult{err: errors.New("refused")}

	s, err := session.New(utils.NewNopLogger(), "ws://localhost:8000", "doc-1", "alice",
		&session.DialerOpt{Dialer: dialer},
		&session.BackoffOpt{Floor: 5 * time.Millisecond, Cap: 20 * time.Millisecond, MaxAttempts: 2},
		&session.PingOpt{Interval: time.Hour},
	)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Connect())
	require.Eventually(t, func() bool {
		return s.State() == session.StateDisconnected && dialer.dials() == 2
	}, waitTime, tick)

	conn := newFakeConn()
	dialer.script <- dialResult{conn: conn}
	require.NoError(t, s.Connect())
	require.Equal(t, protocol.FrameRequestState, recvFrame(t, conn).Type)
	require.Eventually(t, func() bool { return s.State() == session.StateConnected }, waitTime, tick)
	require.Equal(t, 0, s.ReconnectAttempts())
}

func TestManualDisconnectStopsRetry(t *testing.T) {
	dialer := newScriptDialer()
	conn := newFakeConn()
	dialer.script <- dialResult{conn: conn}

	s, err := session.New(utils.NewNopLogger(), "ws://localhost:8000", "doc-1", "alice", quickOpts(dialer)...)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Connect())
	require.Equal(t, protocol.FrameRequestState, recvFrame(t, conn).Type)
	require.Eventually(t, func() bool { return s.State() == session.StateConnected }, waitTime, tick)

	s.Disconnect()
	require.Equal(t, session.StateDisconnected, s.State())
	require.True(t, conn.isClosed())

	// No automatic redial after a manual disconnect.
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, dialer.dials())

	// Edits keep queueing while parked offline.
	require.NoError(t, s.SetText("x"))
	require.Equal(t, 1, s.QueueLen())
}

func TestJournaledQueueSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc-1.queue")

	s1, err := session.New(utils.NewNopLogger(), "ws://localhost:8000", "doc-1", "alice",
		&session.SiteOpt{Site: "alice_11111111"},
		&session.JournalOpt{Path: path})
	require.NoError(t, err)
	require.NoError(t, s1.SetText("hi"))
	require.Equal(t, 2, s1.QueueLen())
	require.NoError(t, s1.Close())

	dialer := newScriptDialer()
	conn := newFakeConn()
	dialer.script <- dialResult{conn: conn}
	opts := append(quickOpts(dialer), &session.JournalOpt{Path: path})
	s2, err := session.New(utils.NewNopLogger(), "ws://localhost:8000", "doc-1", "alice", opts...)
	require.NoError(t, err)
	defer s2.Close()

	// The journal restores the unsent ops even though the replica itself
	// starts empty; content comes back through the state merge.
	require.Equal(t, 2, s2.QueueLen())
	require.Equal(t, "", s2.Text())

	require.NoError(t, s2.Connect())
	server := crdt.NewSequence("server")
	for i := 0; i < 2; i++ {
		f := recvFrame(t, conn)
		require.Equal(t, protocol.FrameOperation, f.Type)
		require.NoError(t, server.Apply(*f.Op))
	}
	require.Equal(t, "hi", server.Text())
	require.Equal(t, protocol.FrameRequestState, recvFrame(t, conn).Type)

	conn.deliver(t, stateFrame(t, server, "doc-1", nil))
	require.Eventually(t, func() bool {
		return s2.Text() == "hi" && s2.QueueLen() == 0
	}, waitTime, tick)
}

func TestPresenceTracking(t *testing.T) {
	dialer := newScriptDialer()
	conn := newFakeConn()
	dialer.script <- dialResult{conn: conn}

	var mu sync.Mutex
	var rosterCalls int
	opts := append(quickOpts(dialer), &session.CallbacksOpt{
		OnPresence: func([]protocol.Presence) { mu.Lock(); rosterCalls++; mu.Unlock() },
	})
	s, err := session.New(utils.NewNopLogger(), "ws://localhost:8000", "doc-1", "alice", opts...)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Connect())
	require.Equal(t, protocol.FrameRequestState, recvFrame(t, conn).Type)

	// Our own relayed cursor frame must not land in the peer roster.
	conn.deliver(t, protocol.CursorFrame(protocol.Presence{Site: "alice_11111111", Username: "alice", Cursor: 1}))
	conn.deliver(t, protocol.UserJoinedFrame("bob_22222222", "bob"))
	conn.deliver(t, protocol.CursorFrame(protocol.Presence{Site: "bob_22222222", Username: "bob", Cursor: 2}))

	require.Eventually(t, func() bool {
		peers := s.Peers()
		return len(peers) == 1 && peers[0].Site == "bob_22222222" && peers[0].Cursor == 2
	}, waitTime, tick)

	conn.deliver(t, protocol.UserLeftFrame("bob_22222222", "bob"))
	require.Eventually(t, func() bool { return len(s.Peers()) == 0 }, waitTime, tick)

	mu.Lock()
	require.GreaterOrEqual(t, rosterCalls, 2)
	mu.Unlock()
}

func TestPresenceBroadcastOnlineOnly(t *testing.T) {
	dialer := newScriptDialer()
	conn := newFakeConn()
	dialer.script <- dialResult{conn: conn}

	s, err := session.New(utils.NewNopLogger(), "ws://localhost:8000", "doc-1", "alice", quickOpts(dialer)...)
	require.NoError(t, err)
	defer s.Close()

	// Offline presence updates are dropped, never queued.
	require.NoError(t, s.UpdatePresence(3, nil, nil))
	require.Equal(t, 0, s.QueueLen())

	require.NoError(t, s.Connect())
	require.Equal(t, protocol.FrameRequestState, recvFrame(t, conn).Type)

	selStart, selEnd := 1, 4
	require.NoError(t, s.UpdatePresence(4, &selStart, &selEnd))
	f := recvFrame(t, conn)
	require.Equal(t, protocol.FrameCursor, f.Type)
	require.Equal(t, "alice_11111111", f.Site)
	require.Equal(t, "alice", f.Username)
	require.Equal(t, 4, f.Cursor)
	require.NotNil(t, f.SelStart)
	require.Equal(t, 1, *f.SelStart)
}

func TestServerPingAnswered(t *testing.T) {
	dialer := newScriptDialer()
	conn := newFakeConn()
	dialer.script <- dialResult{conn: conn}

	s, err := session.New(utils.NewNopLogger(), "ws://localhost:8000", "doc-1", "alice", quickOpts(dialer)...)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Connect())
	require.Equal(t, protocol.FrameRequestState, recvFrame(t, conn).Type)

	conn.deliver(t, protocol.PingFrame())
	require.Equal(t, protocol.FramePong, recvFrame(t, conn).Type)
}

func TestMalformedInboundFrameIsDropped(t *testing.T) {
	dialer := newScriptDialer()
	conn := newFakeConn()
	dialer.script <- dialResult{conn: conn}

	var mu sync.Mutex
	var errs []error
	opts := append(quickOpts(dialer), &session.CallbacksOpt{
		OnError: func(err error) { mu.Lock(); errs = append(errs, err); mu.Unlock() },
	})
	s, err := session.New(utils.NewNopLogger(), "ws://localhost:8000", "doc-1", "alice", opts...)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Connect())
	require.Equal(t, protocol.FrameRequestState, recvFrame(t, conn).Type)

	conn.in <- []byte(`{"type":"operation"}`)
	conn.in <- []byte(`not json at all`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errs) == 2
	}, waitTime, tick)
	mu.Lock()
	for _, e := range errs {
		require.ErrorIs(t, e, protocol.ErrMalformedFrame)
	}
	mu.Unlock()

	// The session shrugs it off and keeps working.
	conn.deliver(t, protocol.PingFrame())
	require.Equal(t, protocol.FramePong, recvFrame(t, conn).Type)
	require.Equal(t, session.StateConnected, s.State())
}

func TestClosedSessionErrors(t *testing.T) {
	s, err := session.New(utils.NewNopLogger(), "ws://localhost:8000", "doc-1", "alice")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	require.ErrorIs(t, s.SetText("x"), session.ErrClosed)
	require.ErrorIs(t, s.Insert(0, 'x'), session.ErrClosed)
	require.ErrorIs(t, s.Connect(), session.ErrClosed)
	require.Equal(t, "", s.Text())
}

func TestEndpointValidation(t *testing.T) {
	_, err := session.New(utils.NewNopLogger(), "ftp://example.com", "doc-1", "alice")
	require.Error(t, err)

	s, err := session.New(utils.NewNopLogger(), "https://editor.example.com/api", "doc-1", "alice")
	require.NoError(t, err)
	require.NoError(t, s.Close())
}
