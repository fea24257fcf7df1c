// Package proxy exposes the replicated cluster over the Redis wire protocol:
// it accepts client connections, frames their requests and dispatches the
// command surface.
package proxy

import (
	"errors"
	"net"
	"sync"

	"github.com/rsms/go-log"

	"github.com/rsms/rcluster/cluster"
)

type Server struct {
	Logger *log.Logger

	// Password, when non-empty, gates every command except AUTH per
	// connection.
	Password string

	cluster *cluster.Cluster

	mu sync.Mutex
	ln net.Listener
}

func NewServer(c *cluster.Cluster, password string) *Server {
	return &Server{Password: password, cluster: c}
}

// Cluster returns the engine this server fronts.
func (s *Server) Cluster() *cluster.Cluster { return s.cluster }

// ListenAndServe listens on addr and serves until Close is called.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if s.Logger != nil {
		s.Logger.Info("listening on %s", addr)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln, one goroutine per client.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if s.Logger != nil {
			s.Logger.Info("accepted connection from %s", nc.RemoteAddr())
		}
		go s.serveConn(nc)
	}
}

// Close stops the listener. In-flight connections run to completion.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

func (s *Server) serveConn(nc net.Conn) {
	connectedClients.Inc()
	defer connectedClients.Dec()
	defer nc.Close()
	c := newConn(s, nc)
	c.serve()
	if s.Logger != nil {
		s.Logger.Info("connection with %s is closed", nc.RemoteAddr())
	}
}
