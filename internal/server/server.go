// Package server accepts client connections and dispatches their request
// frames: cheap auth operations answered inline on the read loop, store
// operations offloaded to the worker pool so one blocking call never stalls
// the other pipelined requests on the same connection.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/dayline-lab/dayline/internal/store"
	"github.com/dayline-lab/dayline/internal/users"
	"github.com/dayline-lab/dayline/internal/worker"
)

type Server struct {
	addr    string
	store   *store.Store
	users   *users.Directory
	pool    *worker.Pool
	metrics *Metrics

	mu     sync.Mutex
	ln     net.Listener
	conns  map[*conn]struct{}
	closed bool

	wg sync.WaitGroup
}

// New wires the server to its collaborators. The pool is owned by the
// caller; the server only submits to it.
func New(addr string, st *store.Store, dir *users.Directory, pool *worker.Pool, metrics *Metrics) *Server {
	return &Server{
		addr:    addr,
		store:   st,
		users:   dir,
		pool:    pool,
		metrics: metrics,
		conns:   make(map[*conn]struct{}),
	}
}

// Addr returns the bound listen address once Run has started the listener.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Run listens and serves until ctx is cancelled, then closes the listener
// and every open connection.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	slog.Info("Starting TCP server...", "address", ln.Addr().String())

	go func() {
		<-ctx.Done()
		slog.Info("Stopping TCP server...")
		s.shutdown()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				break
			}
			slog.Warn("Accept failed", "error", err)
			continue
		}

		c := newConn(s, nc)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			nc.Close()
			break
		}
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.metrics.ActiveConnections.Inc()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.serve()
		}()
	}

	s.wg.Wait()
	return nil
}

func (s *Server) shutdown() {
	s.mu.Lock()
	s.closed = true
	ln := s.ln
	open := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		open = append(open, c)
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, c := range open {
		c.close()
	}
}

func (s *Server) removeConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}
