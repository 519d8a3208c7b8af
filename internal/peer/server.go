package peer

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/bcnet/internal/protocol/control"
	"github.com/danmuck/bcnet/internal/protocol/frame"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Observer receives the outcome of every request the server answers.
type Observer interface {
	ObserveRequest(kind control.Kind, status uint8, elapsed time.Duration)
}

type Option func(*Server)

func WithObserver(o Observer) Option {
	return func(s *Server) {
		s.obs = o
	}
}

// Server answers control requests against a Table.
type Server struct {
	table  *Table
	limits frame.Limits
	obs    Observer

	connsMu  sync.Mutex
	conns    map[net.Conn]struct{}
	sessions atomic.Int64
}

func NewServer(table *Table, limits frame.Limits, opts ...Option) *Server {
	s := &Server{
		table:  table,
		limits: limits,
		conns:  make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Table() *Table {
	return s.table
}

// Sessions returns the number of streams currently served.
func (s *Server) Sessions() int64 {
	return s.sessions.Load()
}

// Serve accepts streams from ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go func() {
			_ = s.ServeConn(ctx, nc)
		}()
	}
}

// ServeConn answers requests on one stream until it closes or ctx ends.
func (s *Server) ServeConn(ctx context.Context, nc net.Conn) error {
	s.trackConn(nc)
	defer s.untrackConn(nc)
	defer nc.Close()

	id := uuid.NewString()
	remote := nc.RemoteAddr().String()
	active := s.sessions.Add(1)
	log.Info().Msgf("peer.session connected session=%s remote=%q active=%d", id, remote, active)
	defer func() {
		remaining := s.sessions.Add(-1)
		log.Info().Msgf("peer.session disconnected session=%s remote=%q active=%d", id, remote, remaining)
	}()

	stop := context.AfterFunc(ctx, func() { _ = nc.Close() })
	defer stop()

	for {
		req, err := frame.ReadFrame(nc, s.limits)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			log.Warn().Msgf("peer.ServeConn session=%s read err=%v", id, err)
			return err
		}
		kind := control.Kind(req.Header.Channel)
		if !kind.Valid() || req.IsResponse() {
			log.Warn().Msgf("peer.ServeConn session=%s drop channel=%d flags=%#x", id, req.Header.Channel, req.Header.Flags)
			continue
		}
		status, payload := s.Handle(kind, req.Payload)
		log.Debug().Msgf("peer.ServeConn session=%s channel=%s req=%x status=%d resp=%x", id, kind, req.Payload, status, payload)
		resp := frame.Frame{
			Header:  frame.Header{Channel: uint8(kind), Flags: frame.FlagIsResponse, Status: status},
			Payload: payload,
		}
		if err := frame.WriteFrame(nc, resp, s.limits); err != nil {
			log.Warn().Msgf("peer.ServeConn session=%s write err=%v", id, err)
			return err
		}
	}
}

// Handle answers one request and returns the response status and payload.
func (s *Server) Handle(kind control.Kind, req []byte) (uint8, []byte) {
	start := time.Now()
	status, payload := s.handle(kind, req)
	if s.obs != nil {
		s.obs.ObserveRequest(kind, status, time.Since(start))
	}
	return status, payload
}

func (s *Server) handle(kind control.Kind, req []byte) (uint8, []byte) {
	switch kind {
	case control.KindNew:
		typeID, addr, err := control.DecodeNewRequest(req)
		if err != nil {
			return StatusBadRequest, nil
		}
		id, status := s.table.Create(typeID, addr)
		if status != StatusOK {
			return status, nil
		}
		return StatusOK, control.EncodeNewResponse(id)
	case control.KindValidate:
		id, err := control.DecodeIdentRequest(req)
		if err != nil {
			return StatusBadRequest, nil
		}
		return s.table.Validate(id), nil
	case control.KindSleep:
		id, state, set, err := control.DecodeSleepRequest(req)
		if err != nil {
			return StatusBadRequest, nil
		}
		var status uint8
		if set {
			state, status = s.table.SetSleep(id, state)
		} else {
			state, status = s.table.Sleep(id)
		}
		if status != StatusOK {
			return status, nil
		}
		return StatusOK, control.EncodeSleepResponse(state)
	case control.KindEnd:
		id, err := control.DecodeIdentRequest(req)
		if err != nil {
			return StatusBadRequest, nil
		}
		return s.table.End(id), nil
	case control.KindEcho:
		out := make([]byte, len(req))
		copy(out, req)
		return StatusOK, out
	default:
		// settings and get-types have no wire exchange
		return StatusUnsupported, nil
	}
}

func (s *Server) trackConn(nc net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[nc] = struct{}{}
}

func (s *Server) untrackConn(nc net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, nc)
}

func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for nc := range s.conns {
		_ = nc.Close()
	}
}
