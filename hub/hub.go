// Package hub is the server side of the editor: it owns one Room per open
// document, fans operations out to the room's clients, checkpoints documents
// into a docstore and optionally relays operations between server instances
// over a message bus.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/gorilla/mux"

	"github.com/stelioszach03/realtime-crdt-markdown-editor/crdt"
	"github.com/stelioszach03/realtime-crdt-markdown-editor/docstore"
	"github.com/stelioszach03/realtime-crdt-markdown-editor/utils"
)

var (
	// ErrRoomFull rejects a join past the per-document connection limit.
	ErrRoomFull = errors.New("hub: document at capacity")
	// ErrServerFull rejects a connection past the server-wide limit.
	ErrServerFull = errors.New("hub: server at capacity")

	errRoomDraining = errors.New("hub: room draining")
)

type Options struct {
	Instance       string        // this server's identity on the bus and in stats
	MaxConns       int           // server-wide connection cap
	MaxConnsPerDoc int           // per-document connection cap
	SaveDebounce   time.Duration // quiet period before a checkpoint
	CacheDocs      int           // drained documents kept warm
	CacheMaxBytes  int           // snapshots above this skip the cache

	// Authorize vets the token query parameter before the upgrade. Nil
	// admits everyone.
	Authorize func(token, docID string) error
}

func (o *Options) SetDefaults() {
	if o.Instance == "" {
		o.Instance = uuid.NewString()
	}
	if o.MaxConns == 0 {
		o.MaxConns = 500
	}
	if o.MaxConnsPerDoc == 0 {
		o.MaxConnsPerDoc = 50
	}
	if o.SaveDebounce == 0 {
		o.SaveDebounce = 3 * time.Second
	}
	if o.CacheDocs == 0 {
		o.CacheDocs = 20
	}
	if o.CacheMaxBytes == 0 {
		o.CacheMaxBytes = 1 << 20
	}
}

type Hub struct {
	log   utils.Logger
	store docstore.Store
	bus   Bus
	inst  string
	site  string

	opts  Options
	rooms *xsync.MapOf[string, *Room]
	idle  *lru.Cache[string, []byte]

	conns  atomic.Int64
	closed atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a hub over the given store. bus may be nil for single-instance
// deployments.
func New(log utils.Logger, store docstore.Store, bus Bus, opts Options) (*Hub, error) {
	opts.SetDefaults()
	idle, err := lru.New[string, []byte](opts.CacheDocs)
	if err != nil {
		return nil, fmt.Errorf("hub: cache: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		log:    log,
		store:  store,
		bus:    bus,
		inst:   opts.Instance,
		site:   "server_" + strings.ReplaceAll(opts.Instance, "-", "")[:8],
		opts:   opts,
		rooms:  xsync.NewMapOf[string, *Room](),
		idle:   idle,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (h *Hub) Instance() string { return h.inst }

// Handler routes the public surface: the document websocket, health, stats
// and Prometheus metrics.
func (h *Hub) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws/{doc}", h.serveWS)
	r.HandleFunc("/healthz", h.serveHealth).Methods(http.MethodGet)
	r.HandleFunc("/stats", h.serveStats).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

func (h *Hub) serveHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (h *Hub) serveStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.Stats())
}

type RoomStats struct {
	DocID   string `json:"document_id"`
	Clients int    `json:"clients"`
}

type Stats struct {
	Instance    string      `json:"instance"`
	Connections int64       `json:"connections"`
	Documents   int         `json:"documents"`
	CachedDocs  int         `json:"cached_documents"`
	Rooms       []RoomStats `json:"rooms"`
}

func (h *Hub) Stats() Stats {
	st := Stats{
		Instance:    h.inst,
		Connections: h.conns.Load(),
		CachedDocs:  h.idle.Len(),
		Rooms:       []RoomStats{},
	}
	h.rooms.Range(func(docID string, r *Room) bool {
		st.Rooms = append(st.Rooms, RoomStats{DocID: docID, Clients: int(r.ccount.Load())})
		return true
	})
	st.Documents = len(st.Rooms)
	slices.SortFunc(st.Rooms, func(a, b RoomStats) int {
		return strings.Compare(a.DocID, b.DocID)
	})
	return st
}

// acquireRoom returns the live room for a document, starting one from the
// warm cache or the store if needed.
func (h *Hub) acquireRoom(ctx context.Context, docID string) (*Room, error) {
	if h.closed.Load() {
		return nil, errors.New("hub: shutting down")
	}
	if r, ok := h.rooms.Load(docID); ok {
		return r, nil
	}
	seq, err := h.restore(ctx, docID)
	if err != nil {
		return nil, err
	}
	r := newRoom(h, docID, seq)
	if actual, loaded := h.rooms.LoadOrStore(docID, r); loaded {
		return actual, nil
	}
	h.wg.Add(1)
	r.start(h.ctx)
	openDocsGauge.Inc()
	h.log.Info("hub: document opened", "doc", docID, "len", seq.VisibleLength())
	return r, nil
}

func (h *Hub) restore(ctx context.Context, docID string) (*crdt.Sequence, error) {
	if snap, ok := h.idle.Get(docID); ok {
		h.idle.Remove(docID)
		seq, err := crdt.LoadSnapshot(snap)
		if err == nil {
			return seq, nil
		}
		h.log.Warn("hub: cached snapshot unusable, reloading", "doc", docID, "err", err)
	}
	snap, _, err := h.store.Load(ctx, docID)
	if errors.Is(err, docstore.ErrNotFound) {
		return crdt.NewSequence(h.site), nil
	}
	if err != nil {
		return nil, err
	}
	// A corrupt stored document refuses to open; silently starting empty
	// would overwrite it on the next checkpoint.
	return crdt.LoadSnapshot(snap)
}

func (h *Hub) dropRoom(r *Room) {
	h.rooms.Delete(r.docID)
	openDocsGauge.Dec()
	h.log.Info("hub: document closed", "doc", r.docID)
}

func (h *Hub) cacheSnapshot(docID string, snap []byte) {
	if len(snap) > h.opts.CacheMaxBytes {
		return
	}
	h.idle.Add(docID, snap)
}

func (h *Hub) publish(docID string, data []byte) {
	if h.bus == nil {
		return
	}
	if err := h.bus.Publish(h.ctx, docID, data); err != nil {
		h.log.Warn("hub: relay publish failed", "doc", docID, "err", err)
	}
}

// Shutdown drains every room, which checkpoints every open document, and
// waits for the room goroutines within the given context.
func (h *Hub) Shutdown(ctx context.Context) error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.log.Info("hub: shutting down")
	h.rooms.Range(func(_ string, r *Room) bool {
		close(r.quit)
		return true
	})
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		h.cancel()
		return ctx.Err()
	}
	h.cancel()
	return nil
}
