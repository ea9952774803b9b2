// Package api exposes a call manager over HTTP: JSON endpoints for the call
// operations, an SSE stream of incoming calls and status changes, and the
// websocket push endpoint other peers follow.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/util"
)

var log = logging.Logger("api")

const (
	recentIncoming = 32
	sseKeepAlive   = 15 * time.Second
)

// Options configures a Server.
type Options struct {
	// Push, when set, is served at /api/push.
	Push http.Handler
	// Debug enables /api/call/debug.
	Debug bool
}

// Server routes HTTP requests to a call manager.
type Server struct {
	mgr *call.Manager
	opt Options
	mux *http.ServeMux

	recent *util.RingBuffer[call.IncomingCall]

	mu   sync.Mutex
	subs map[chan call.IncomingCall]struct{}
}

// New builds the routes for mgr.
func New(mgr *call.Manager, opt Options) *Server {
	s := &Server{
		mgr:    mgr,
		opt:    opt,
		mux:    http.NewServeMux(),
		recent: util.NewRingBuffer[call.IncomingCall](recentIncoming),
		subs:   make(map[chan call.IncomingCall]struct{}),
	}
	mgr.OnIncoming(s.onIncoming)
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Infof("http api listening on %s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) onIncoming(ic *call.IncomingCall) {
	s.recent.Upsert(*ic, func(o call.IncomingCall) bool { return o.ID == ic.ID })
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- *ic:
		default:
			// drop on slow subscriber
		}
	}
}

func (s *Server) subscribeIncoming() (chan call.IncomingCall, func()) {
	ch := make(chan call.IncomingCall, 8)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
	}
}

func (s *Server) forgetIncoming(id string) {
	s.recent.Remove(func(ic call.IncomingCall) bool { return ic.ID == id })
}

type idRequest struct {
	ID string `json:"id"`
}

func (s *Server) routes() {
	mux := s.mux

	// GET /api/call/self
	handleGet(mux, "/api/call/self", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"id": s.mgr.SelfID()})
	})

	if s.opt.Debug {
		// GET /api/call/debug: every session with its negotiation and media state.
		handleGet(mux, "/api/call/debug", func(w http.ResponseWriter, r *http.Request) {
			sessions := s.mgr.AllSessions()
			statuses := make([]call.Status, 0, len(sessions))
			for _, sess := range sessions {
				statuses = append(statuses, sess.Status())
			}
			writeJSON(w, map[string]any{
				"session_count": len(statuses),
				"sessions":      statuses,
				"timing":        s.mgr.Timing(),
			})
		})
	}

	// GET /api/call/incoming: calls still waiting for an answer, oldest first.
	handleGet(mux, "/api/call/incoming", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.recent.Snapshot())
	})

	// GET /api/call/status?id=
	handleGet(mux, "/api/call/status", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.URL.Query().Get("id"))
		if id == "" {
			http.Error(w, "missing id", http.StatusBadRequest)
			return
		}
		sess, ok := s.mgr.GetSession(id)
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		writeJSON(w, sess.Status())
	})

	// POST /api/call/start
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		RemotePeer string `json:"remote_peer"`
	}) {
		remote, err := util.ValidateIdentity(req.RemotePeer)
		if err != nil {
			http.Error(w, "remote_peer: "+err.Error(), http.StatusBadRequest)
			return
		}
		sess, err := s.mgr.StartCall(r.Context(), remote)
		if err != nil {
			httpError(w, "start call", err)
			return
		}
		writeJSON(w, sess.Status())
	})

	// POST /api/call/accept
	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, req idRequest) {
		if req.ID == "" {
			http.Error(w, "missing id", http.StatusBadRequest)
			return
		}
		sess, err := s.mgr.AcceptCall(r.Context(), req.ID)
		if err != nil {
			httpError(w, "accept call", err)
			return
		}
		s.forgetIncoming(req.ID)
		writeJSON(w, sess.Status())
	})

	// POST /api/call/decline
	handlePost(mux, "/api/call/decline", func(w http.ResponseWriter, r *http.Request, req idRequest) {
		if req.ID == "" {
			http.Error(w, "missing id", http.StatusBadRequest)
			return
		}
		if err := s.mgr.DeclineCall(r.Context(), req.ID); err != nil {
			httpError(w, "decline call", err)
			return
		}
		s.forgetIncoming(req.ID)
		writeJSON(w, map[string]string{"status": "declined", "id": req.ID})
	})

	// POST /api/call/hangup
	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, req idRequest) {
		sess, ok := s.session(w, req.ID)
		if !ok {
			return
		}
		if err := sess.Hangup(); err != nil {
			httpError(w, "hangup", err)
			return
		}
		writeJSON(w, sess.Status())
	})

	// POST /api/call/resume: acknowledge stalled media and ask for a keyframe.
	handlePost(mux, "/api/call/resume", func(w http.ResponseWriter, r *http.Request, req idRequest) {
		sess, ok := s.session(w, req.ID)
		if !ok {
			return
		}
		if err := sess.Resume(); err != nil {
			httpError(w, "resume", err)
			return
		}
		writeJSON(w, sess.Status())
	})

	// GET /api/call/events: SSE stream of incoming calls and status changes of every session.
	handleGet(mux, "/api/call/events", s.serveEvents)

	if s.opt.Push != nil {
		mux.Handle("/api/push", s.opt.Push)
	}
}

func (s *Server) session(w http.ResponseWriter, id string) (*call.Session, bool) {
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return nil, false
	}
	sess, ok := s.mgr.GetSession(id)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return nil, false
	}
	return sess, true
}

func (s *Server) serveEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	sseHeaders(w)

	inCh, cancelIn := s.subscribeIncoming()
	defer cancelIn()
	stCh, cancelSt := s.mgr.SubscribeStatus()
	defer cancelSt()

	_ = writeSSE(w, "connected", map[string]string{"self": s.mgr.SelfID()})
	flusher.Flush()

	ping := time.NewTicker(sseKeepAlive)
	defer ping.Stop()

	ctx := r.Context()
	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case ic := <-inCh:
			err = writeSSE(w, "incoming", ic)
		case up := <-stCh:
			err = writeSSE(w, "status", up.Status)
		case <-ping.C:
			_, err = w.Write([]byte(": ping\n\n"))
		}
		if err != nil {
			log.Debugf("sse client gone: %v", err)
			return
		}
		flusher.Flush()
	}
}
