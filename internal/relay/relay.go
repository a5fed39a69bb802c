// Package relay wires together the Update Store, Broadcast Hub, Session
// Handler and Compaction Engine behind an HTTP server — the server half
// of spec.md §2's component list.
package relay

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tomas789/syncline/internal/broadcast"
	"github.com/tomas789/syncline/internal/compaction"
	"github.com/tomas789/syncline/internal/session"
	"github.com/tomas789/syncline/internal/store"
)

// Config holds everything a Relay needs that a human might plausibly
// want to change — spec.md §6's server flags.
type Config struct {
	DBPath              string
	CompactionThreshold func() int
	CompactionInterval  time.Duration
}

// Relay owns the store, hub, compaction engine and HTTP server for one
// running `syncline-server` process.
type Relay struct {
	store      *store.Store
	hub        *broadcast.Hub
	compaction *compaction.Engine
	log        zerolog.Logger
	upgrader   websocket.Upgrader
	router     *mux.Router
}

func New(cfg Config, log zerolog.Logger) (*Relay, error) {
	s, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	hub := broadcast.New()
	comp := compaction.New(s, cfg.CompactionThreshold, cfg.CompactionInterval, log)

	r := &Relay{
		store:      s,
		hub:        hub,
		compaction: comp,
		log:        log.With().Str("component", "relay").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	r.router = mux.NewRouter()
	r.router.HandleFunc("/sync", r.handleSync)
	r.router.HandleFunc("/healthz", r.handleHealth).Methods(http.MethodGet)
	return r, nil
}

// Router exposes the mux.Router so cmd/server can wrap it (e.g. with
// logging middleware) before binding a listener.
func (r *Relay) Router() *mux.Router { return r.router }

// Close releases the underlying store. Does not stop an in-flight
// Compaction Run loop — callers cancel that via the context they passed
// to RunCompaction.
func (r *Relay) Close() error { return r.store.Close() }

// RunCompaction runs the compaction scan loop until ctx is cancelled.
// Intended to be launched in its own goroutine alongside ListenAndServe.
func (r *Relay) RunCompaction(ctx context.Context) {
	r.compaction.Run(ctx)
}

func (r *Relay) handleHealth(w http.ResponseWriter, req *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (r *Relay) handleSync(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	sess := session.New(conn, r.store, r.hub, r.log)
	if err := sess.Run(req.Context()); err != nil {
		r.log.Debug().Err(err).Msg("session ended")
	}
}
