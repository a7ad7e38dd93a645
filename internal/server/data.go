package server

import (
	"errors"
	"log"
	"net"

	"smartscope/server/internal/protocol"
)

// startDataSession launches the data goroutine on the pre-bound data
// listener. Called from the control goroutine when the client sends
// DATA_PORT; the listener itself was bound at session start so the port
// could be advertised in the reply.
func (s *Server) startDataSession() {
	done := make(chan struct{})
	s.mu.Lock()
	s.data.done = done
	s.mu.Unlock()
	s.dataActive.Store(true)
	go s.runDataSession(done)
}

// runDataSession accepts one client on the data listener and pushes
// acquisitions at it until the socket dies or the session is torn down.
func (s *Server) runDataSession(done chan struct{}) {
	defer close(done)

	s.mu.Lock()
	ln := s.data.listener
	s.mu.Unlock()
	if ln == nil {
		log.Printf("[Server] data session started without a listener")
		return
	}

	conn, err := ln.Accept()
	if err != nil {
		if !errors.Is(err, net.ErrClosed) {
			log.Printf("[Server] accept data client: %v", err)
			s.Stop()
		}
		return
	}
	log.Printf("[Server] data client connected from %s", conn.RemoteAddr())

	s.mu.Lock()
	s.data.conn = conn
	s.mu.Unlock()

	if tc, ok := conn.(*net.TCPConn); ok {
		size, err := setSendBuffer(tc, protocol.DataSocketBufferSize)
		if err != nil {
			log.Printf("[Server] failed to size data send buffer: %v", err)
		} else {
			log.Printf("[Server] data socket send buffer set to %d bytes", size)
		}
	}

	metricSessions.WithLabelValues("data").Inc()
	s.events.SessionOpened("data", conn.RemoteAddr().String())
	defer s.events.SessionClosed("data", conn.RemoteAddr().String())

	for s.connected.Load() {
		data, err := s.scope.GetAcquisition(protocol.BufSize)
		if err != nil {
			log.Printf("[Server] acquisition failed on data path: %v", err)
			s.Destroy()
			return
		}
		if len(data) == 0 {
			continue
		}
		if err := writeAll(conn, data); err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Printf("[Server] send on data socket: %v", err)
				s.Stop()
			}
			return
		}
		metricDataBytes.Add(float64(len(data)))
	}
	log.Printf("[Server] data session ending, control connection gone")
	s.Stop()
}
