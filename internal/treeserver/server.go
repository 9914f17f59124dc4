// Package treeserver exposes a treestore.Client over websockets, speaking the
// frames wsstore understands. It backs the `dalbridge serve` command and the
// websocket tests.
package treeserver

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	gorilla "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nodeart/dalbridge/internal/codec"
	"github.com/nodeart/dalbridge/internal/rpc"
	"github.com/nodeart/dalbridge/pkg/constants"
	"github.com/nodeart/dalbridge/pkg/treestore"
)

type Option func(s *Server)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

type Server struct {
	store    treestore.Client
	upgrader gorilla.Upgrader
	router   *mux.Router
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[*session]struct{}
}

func New(store treestore.Client, opts ...Option) *Server {
	s := &Server{
		store: store,
		upgrader: gorilla.Upgrader{
			Subprotocols:      codec.Subprotocols(),
			EnableCompression: true,
			CheckOrigin:       func(*http.Request) bool { return true },
		},
		logger:   zerolog.Nop(),
		sessions: make(map[*session]struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	s.router = mux.NewRouter()
	s.router.HandleFunc("/rpc", s.handleRPC)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("upgrade failed")
		return
	}

	sess := &session{
		server:  s,
		conn:    conn,
		codec:   codec.ForSubprotocol(conn.Subprotocol()),
		watches: make(map[string]treestore.Handle),
		logger:  s.logger.With().Str("remote", r.RemoteAddr).Logger(),
	}
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	sess.logger.Debug().Str("codec", sess.codec.Subprotocol()).Msg("session opened")
	sess.serve(r.Context())

	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

// Sessions is the number of connected clients.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// DropSessions closes every client connection without a close handshake, as a
// network failure would.
func (s *Server) DropSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.sessions {
		_ = sess.conn.Close()
	}
}

type session struct {
	server *Server
	conn   *gorilla.Conn
	codec  codec.Codec
	logger zerolog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	watches map[string]treestore.Handle
}

func (sess *session) serve(ctx context.Context) {
	defer sess.release()

	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			if !gorilla.IsCloseError(err, constants.CloseMessageCode) {
				sess.logger.Debug().Err(err).Msg("session ended")
			}
			return
		}

		var req rpc.Request
		if err := sess.codec.Unmarshal(data, &req); err != nil {
			sess.reply(rpc.Response{Error: &rpc.Error{Code: rpc.CodeBadRequest, Message: err.Error()}})
			continue
		}

		result, err := sess.handle(ctx, &req)
		res := rpc.Response{ID: req.ID, Result: result}
		if err != nil {
			res.Result = nil
			res.Error = rpc.ErrorFrom(err)
		}
		sess.reply(res)
	}
}

func (sess *session) handle(ctx context.Context, req *rpc.Request) (*rpc.Result, error) {
	store := sess.server.store

	switch req.Method {
	case rpc.Push:
		key, err := store.Push(ctx, req.Path, req.Value)
		if err != nil {
			return nil, err
		}
		return &rpc.Result{Key: key}, nil
	case rpc.Set:
		return nil, store.Set(ctx, req.Path, req.Value)
	case rpc.Get:
		snap, err := store.Get(ctx, req.Path)
		if err != nil {
			return nil, err
		}
		return &rpc.Result{Snapshot: &snap}, nil
	case rpc.Remove:
		return nil, store.Remove(ctx, req.Path)
	case rpc.Watch:
		return sess.watch(ctx, req)
	case rpc.Unwatch:
		sess.mu.Lock()
		h, ok := sess.watches[req.WatchID]
		delete(sess.watches, req.WatchID)
		sess.mu.Unlock()
		if !ok {
			return nil, &rpc.Error{Code: rpc.CodeUnknownWatch, Message: "unknown watch " + req.WatchID}
		}
		h.Cancel()
		return &rpc.Result{WatchID: req.WatchID}, nil
	}
	return nil, &rpc.Error{Code: rpc.CodeBadRequest, Message: "unknown method " + string(req.Method)}
}

func (sess *session) watch(ctx context.Context, req *rpc.Request) (*rpc.Result, error) {
	if req.WatchID == "" {
		return nil, &rpc.Error{Code: rpc.CodeBadRequest, Message: "watch requires watch_id"}
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if _, ok := sess.watches[req.WatchID]; ok {
		return nil, &rpc.Error{Code: rpc.CodeBadRequest, Message: "watch id in use " + req.WatchID}
	}

	id := req.WatchID
	h, err := sess.server.store.Watch(ctx, req.Path, func(ev treestore.Event) {
		n := &rpc.Notification{WatchID: id, Snapshot: ev.Snapshot}
		if ev.Err != nil {
			n.Error = rpc.ErrorFrom(ev.Err)
		}
		sess.reply(rpc.Response{Notification: n})
	})
	if err != nil {
		return nil, err
	}
	sess.watches[id] = h
	return &rpc.Result{WatchID: id}, nil
}

func (sess *session) reply(res rpc.Response) {
	data, err := sess.codec.Marshal(res)
	if err != nil {
		sess.logger.Error().Err(err).Msg("encode response")
		return
	}
	messageType := gorilla.TextMessage
	if sess.codec.Binary() {
		messageType = gorilla.BinaryMessage
	}

	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	if err := sess.conn.WriteMessage(messageType, data); err != nil && !errors.Is(err, gorilla.ErrCloseSent) {
		sess.logger.Debug().Err(err).Msg("write failed")
	}
}

func (sess *session) release() {
	sess.mu.Lock()
	watches := sess.watches
	sess.watches = make(map[string]treestore.Handle)
	sess.mu.Unlock()

	for _, h := range watches {
		h.Cancel()
	}
	_ = sess.conn.Close()
}
