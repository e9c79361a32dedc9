package hub

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/stelioszach03/realtime-crdt-markdown-editor/crdt"
	"github.com/stelioszach03/realtime-crdt-markdown-editor/docstore"
	"github.com/stelioszach03/realtime-crdt-markdown-editor/protocol"
	"github.com/stelioszach03/realtime-crdt-markdown-editor/utils"
)

// Room is the per-document actor. One goroutine owns the server replica,
// the client set and the presence roster; everything reaches it through
// channels. When the last client leaves the room checkpoints, parks its
// snapshot in the warm cache and unregisters itself.
type Room struct {
	hub   *Hub
	docID string
	log   utils.Logger

	seq     *crdt.Sequence
	roster  *protocol.PresenceSet
	clients map[*client]struct{}
	ccount  atomic.Int32

	joins   chan joinReq
	leaves  chan *client
	frames  chan inbound
	relayed chan []byte
	quit    chan struct{}
	done    chan struct{}

	saveTimer *time.Timer
	dirty     bool
	unsub     func()
}

type joinReq struct {
	c     *client
	reply chan error
}

type inbound struct {
	c    *client
	data []byte
}

func newRoom(h *Hub, docID string, seq *crdt.Sequence) *Room {
	return &Room{
		hub:     h,
		docID:   docID,
		log:     h.log,
		seq:     seq,
		roster:  protocol.NewPresenceSet(),
		clients: make(map[*client]struct{}),
		joins:   make(chan joinReq),
		leaves:  make(chan *client),
		frames:  make(chan inbound, 64),
		relayed: make(chan []byte, 64),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (r *Room) start(ctx context.Context) {
	if r.hub.bus != nil {
		unsub, err := r.hub.bus.Subscribe(ctx, r.docID, r.enqueueRelay)
		if err != nil {
			r.log.Warn("hub: relay subscribe failed", "doc", r.docID, "err", err)
		} else {
			r.unsub = unsub
		}
	}
	go r.run(ctx)
}

func (r *Room) join(c *client) error {
	req := joinReq{c: c, reply: make(chan error, 1)}
	select {
	case r.joins <- req:
	case <-r.done:
		return errRoomDraining
	}
	select {
	case err := <-req.reply:
		return err
	case <-r.done:
		return errRoomDraining
	}
}

func (r *Room) leave(c *client) {
	select {
	case r.leaves <- c:
	case <-r.done:
	}
}

// enqueueRelay is called from the bus goroutine; a full buffer drops the
// frame rather than stalling the bus.
func (r *Room) enqueueRelay(data []byte) {
	select {
	case <-r.done:
		return
	default:
	}
	select {
	case r.relayed <- data:
	default:
		framesDroppedTotal.Inc()
	}
}

func (r *Room) run(ctx context.Context) {
	defer r.hub.wg.Done()
	defer close(r.done)

	// A joiner that upgraded but died before its join request lands would
	// otherwise leave an empty room goroutine behind forever.
	born := time.After(time.Minute)

	for {
		select {
		case req := <-r.joins:
			req.reply <- r.addClient(req.c)

		case c := <-r.leaves:
			r.removeClient(c)
			if len(r.clients) == 0 {
				r.drain(ctx)
				return
			}

		case in := <-r.frames:
			r.handleFrame(in)
			if len(r.clients) == 0 {
				r.drain(ctx)
				return
			}

		case data := <-r.relayed:
			// Relay traffic keeps an empty room warm rather than draining
			// it; only losing the last client here tears the room down.
			had := len(r.clients) > 0
			r.handleRelay(data)
			if had && len(r.clients) == 0 {
				r.drain(ctx)
				return
			}

		case <-r.timerC():
			r.saveTimer = nil
			r.checkpoint(ctx)

		case <-born:
			born = nil
			if len(r.clients) == 0 {
				r.drain(ctx)
				return
			}

		case <-r.quit:
			r.drain(ctx)
			return
		}
	}
}

func (r *Room) timerC() <-chan time.Time {
	if r.saveTimer == nil {
		return nil
	}
	return r.saveTimer.C
}

// scheduleSave arms the debounce: the checkpoint fires after a quiet period
// with no further operations.
func (r *Room) scheduleSave() {
	r.dirty = true
	d := r.hub.opts.SaveDebounce
	if r.saveTimer == nil {
		r.saveTimer = time.NewTimer(d)
		return
	}
	if !r.saveTimer.Stop() {
		select {
		case <-r.saveTimer.C:
		default:
		}
	}
	r.saveTimer.Reset(d)
}

func (r *Room) checkpoint(ctx context.Context) {
	if !r.dirty {
		return
	}
	start := time.Now()
	snap, err := r.seq.Snapshot()
	if err != nil {
		r.log.Error("hub: snapshot failed", "doc", r.docID, "err", err)
		return
	}
	meta := docstore.Meta{
		Title:    docTitle(r.seq.Text()),
		Checksum: r.seq.Checksum(),
	}
	if err := r.hub.store.Save(ctx, r.docID, snap, meta); err != nil {
		// dirty stays set, the next debounce retries.
		r.log.Error("hub: checkpoint failed", "doc", r.docID, "err", err)
		return
	}
	r.dirty = false
	savesTotal.Inc()
	saveDuration.Observe(time.Since(start).Seconds())
	r.log.Debug("hub: checkpointed", "doc", r.docID, "bytes", len(snap))
}

func (r *Room) drain(ctx context.Context) {
	if r.unsub != nil {
		r.unsub()
	}
	r.checkpoint(ctx)
	if snap, err := r.seq.Snapshot(); err == nil {
		r.hub.cacheSnapshot(r.docID, snap)
	}
	r.hub.dropRoom(r)
	for c := range r.clients {
		c.shut()
	}
}

func (r *Room) addClient(c *client) error {
	if len(r.clients) >= r.hub.opts.MaxConnsPerDoc {
		return ErrRoomFull
	}
	r.clients[c] = struct{}{}
	r.ccount.Store(int32(len(r.clients)))
	r.sendInitialState(c)
	r.roster.Update(protocol.Presence{Site: c.site, Username: c.username})
	if data, err := protocol.Encode(protocol.UserJoinedFrame(c.site, c.username)); err == nil {
		r.broadcast(data, c)
		r.hub.publish(r.docID, data)
	}
	r.log.Info("hub: client joined", "doc", r.docID, "site", c.site, "clients", len(r.clients))
	return nil
}

func (r *Room) removeClient(c *client) {
	if _, ok := r.clients[c]; !ok {
		return
	}
	delete(r.clients, c)
	r.ccount.Store(int32(len(r.clients)))
	r.roster.Remove(c.site)
	c.shut()
	if data, err := protocol.Encode(protocol.UserLeftFrame(c.site, c.username)); err == nil {
		r.broadcast(data, nil)
		r.hub.publish(r.docID, data)
	}
	r.log.Info("hub: client left", "doc", r.docID, "site", c.site, "clients", len(r.clients))
}

// sendInitialState ships the full document to one client: serialized state,
// text, checksum and the roster of everyone else.
func (r *Room) sendInitialState(c *client) {
	snap, err := r.seq.Snapshot()
	if err != nil {
		r.log.Error("hub: snapshot failed", "doc", r.docID, "err", err)
		return
	}
	roster := make([]protocol.Presence, 0, r.roster.Len())
	for _, p := range r.roster.Snapshot() {
		if p.Site != c.site {
			roster = append(roster, p)
		}
	}
	f, err := protocol.InitialStateFrame(r.docID, c.site, snap, r.seq.Text(), r.seq.Checksum(), roster)
	if err != nil {
		r.log.Error("hub: state frame failed", "doc", r.docID, "err", err)
		return
	}
	data, err := protocol.Encode(f)
	if err != nil {
		r.log.Error("hub: state frame failed", "doc", r.docID, "err", err)
		return
	}
	if !c.trySend(data) {
		framesDroppedTotal.Inc()
	}
}

func (r *Room) handleFrame(in inbound) {
	f, err := protocol.Decode(in.data)
	if err != nil {
		r.log.Warn("hub: malformed frame", "doc", r.docID, "site", in.c.site, "err", err)
		if data, eerr := protocol.Encode(protocol.ErrorFrame("malformed frame")); eerr == nil {
			in.c.trySend(data)
		}
		return
	}

	switch f.Type {
	case protocol.FrameOperation:
		op := *f.Op
		if op.Origin == "" {
			op.Origin = in.c.site
		}
		if err := r.seq.Apply(op); err != nil {
			r.log.Warn("hub: operation rejected", "doc", r.docID, "site", in.c.site, "err", err)
			if data, eerr := protocol.Encode(protocol.ErrorFrame("operation rejected")); eerr == nil {
				in.c.trySend(data)
			}
			return
		}
		operationsTotal.WithLabelValues(op.Type.String()).Inc()
		r.scheduleSave()
		r.broadcast(in.data, in.c)
		r.hub.publish(r.docID, in.data)

	case protocol.FrameCursor, protocol.FramePresence:
		// Identity comes from the connection, not the payload.
		p := f.PresenceInfo()
		p.Site = in.c.site
		p.Username = in.c.username
		r.roster.Update(p)
		out := protocol.CursorFrame(p)
		out.Type = f.Type
		if data, err := protocol.Encode(out); err == nil {
			r.broadcast(data, in.c)
			r.hub.publish(r.docID, data)
		}

	case protocol.FrameRequestState:
		r.sendInitialState(in.c)

	case protocol.FramePing:
		if data, err := protocol.Encode(protocol.PongFrame()); err == nil {
			in.c.trySend(data)
		}

	case protocol.FramePong:

	default:
		// initial_state, user_joined, user_left and error are server-owned.
		r.log.Debug("hub: ignoring frame", "doc", r.docID, "type", string(f.Type), "site", in.c.site)
	}
}

// handleRelay applies an operation another server instance published on the
// bus and forwards it to the local clients. Never re-published.
func (r *Room) handleRelay(data []byte) {
	f, err := protocol.Decode(data)
	if err != nil {
		r.log.Warn("hub: malformed relay frame", "doc", r.docID, "err", err)
		return
	}
	switch f.Type {
	case protocol.FrameOperation:
		if err := r.seq.Apply(*f.Op); err != nil {
			r.log.Warn("hub: relay operation rejected", "doc", r.docID, "err", err)
			return
		}
		operationsTotal.WithLabelValues(f.Op.Type.String()).Inc()
		r.scheduleSave()
		r.broadcast(data, nil)
	case protocol.FrameCursor, protocol.FramePresence, protocol.FrameUserJoined:
		r.roster.Update(f.PresenceInfo())
		r.broadcast(data, nil)
	case protocol.FrameUserLeft:
		r.roster.Remove(f.Site)
		r.broadcast(data, nil)
	default:
	}
}

// broadcast queues data to every client except one. Clients whose buffer is
// full are dropped: a stuck reader must not stall the room.
func (r *Room) broadcast(data []byte, except *client) {
	var slow []*client
	for c := range r.clients {
		if c == except {
			continue
		}
		if !c.trySend(data) {
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		r.log.Warn("hub: dropping slow client", "doc", r.docID, "site", c.site)
		framesDroppedTotal.Inc()
		r.removeClient(c)
	}
}

// docTitle derives a display title from the first content line, markdown
// heading markers stripped.
func docTitle(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "#"))
		if line == "" {
			continue
		}
		r := []rune(line)
		if len(r) > 80 {
			return string(r[:80])
		}
		return line
	}
	return ""
}
