// Package server implements the network-facing interface of a USB-attached
// SmartScope: one TCP control connection carrying framed commands, an
// optional second TCP connection streaming raw acquisitions, and mDNS
// advertising while the scope is unclaimed.
package server

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"smartscope/server/internal/advertise"
	"smartscope/server/internal/scope"
)

const (
	// stateTick is the manager's polling interval for requested states.
	stateTick = 100 * time.Millisecond

	// startupWait bounds how long the manager waits for the control
	// session to bind its listeners.
	startupWait = 5 * time.Second

	// joinTimeout bounds each wait for a session goroutine to exit
	// during teardown.
	joinTimeout = 5 * time.Second

	// DefaultName is the advertised instance name. The bracket suffix is
	// conventionally filled with the scope serial by the operator.
	DefaultName = "SmartScope []"

	// DefaultServiceType is the DNS-SD service type clients browse for.
	DefaultServiceType = "_sss._tcp"

	fallbackSerial = "0254301KA16"
	serialLen      = 11
)

// session bundles the handles of one listener/connection/goroutine trio.
// The cells are written by the manager goroutine and by the session
// goroutines (the control goroutine also fills in the data session's
// listener and done channel), always under the server mutex.
type session struct {
	listener net.Listener
	conn     net.Conn
	done     chan struct{}
}

// Options configures a Server. Zero values select the defaults; a nil
// Advertiser disables advertising.
type Options struct {
	Name        string
	ServiceType string
	Advertiser  advertise.Advertiser
	Events      *Events

	// OnStateChange is invoked from the manager goroutine after every
	// state transition.
	OnStateChange func(*Server)
}

// Server is the interface server for one scope device. Create it with
// New, drive it with Start/Stop/Destroy, and observe it with GetState or
// the state-change callback. All three requests are non-blocking: they
// record the desired state and the manager goroutine performs the
// transition on its next tick.
type Server struct {
	scope       scope.Driver
	adv         advertise.Advertiser
	events      *Events
	name        string
	serviceType string
	onState     func(*Server)

	state     atomic.Int32
	requested atomic.Int32

	connected        atomic.Bool
	disconnectCalled atomic.Bool
	dataActive       atomic.Bool

	mu       sync.Mutex
	ctrl     session
	data     session
	port     int
	portData int

	managerDone chan struct{}
}

// New creates the server and starts its manager goroutine. The server
// comes up Uninitialized and settles in Stopped; call Start to go live.
func New(drv scope.Driver, opts Options) *Server {
	if opts.Name == "" {
		opts.Name = DefaultName
	}
	if opts.ServiceType == "" {
		opts.ServiceType = DefaultServiceType
	}
	if opts.Advertiser == nil {
		opts.Advertiser = advertise.Noop{}
	}

	s := &Server{
		scope:       drv,
		adv:         opts.Advertiser,
		events:      opts.Events,
		name:        opts.Name,
		serviceType: opts.ServiceType,
		onState:     opts.OnStateChange,
		managerDone: make(chan struct{}),
	}
	s.state.Store(int32(StateUninitialized))
	s.requested.Store(int32(StateStopped))
	go s.manageState()
	return s
}

// Start requests the Started state.
func (s *Server) Start() { s.requested.Store(int32(StateStarted)) }

// Stop requests the Stopped state.
func (s *Server) Stop() { s.requested.Store(int32(StateStopped)) }

// Destroy requests the terminal Destroyed state.
func (s *Server) Destroy() { s.requested.Store(int32(StateDestroyed)) }

// GetState returns the last state published by the manager goroutine.
// Readers may observe a value that is about to change.
func (s *Server) GetState() State { return State(s.state.Load()) }

// Port returns the control listener port of the current session, zero
// when no session has bound yet.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// DataPort returns the data listener port of the current session.
func (s *Server) DataPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.portData
}

// Connected reports whether a control client is attached.
func (s *Server) Connected() bool { return s.connected.Load() }

// DataSessionActive reports whether the dedicated data socket path has
// been claimed by the client.
func (s *Server) DataSessionActive() bool { return s.dataActive.Load() }

// Close drives the server to Destroyed and waits for the manager
// goroutine to exit. Safe to call multiple times.
func (s *Server) Close() {
	for s.GetState() != StateDestroyed {
		s.Destroy()
		select {
		case <-s.managerDone:
		case <-time.After(stateTick):
		}
	}
	<-s.managerDone
}

// manageState is the single authority over state transitions. It polls
// the requested state and performs Stopped/Started/Destroyed transitions
// until the server is destroyed.
func (s *Server) manageState() {
	defer close(s.managerDone)

	for s.GetState() != StateDestroyed {
		time.Sleep(stateTick)

		cur := s.GetState()
		if cur == StateStarting || cur == StateStopping || cur == StateDestroying {
			panic("server: state transitioning outside of the manager goroutine")
		}

		next := State(s.requested.Load())
		if next == cur {
			continue
		}

		switch next {
		case StateStarted:
			log.Printf("[Server] === starting ===")
			s.setState(StateStarting)
			ready := s.startControlSession()
			select {
			case <-ready:
			case <-time.After(startupWait):
				log.Printf("[Server] control session not ready after %v", startupWait)
			}
			s.setState(StateStarted)
			log.Printf("[Server] === started ===")
		case StateStopped:
			log.Printf("[Server] === stopping ===")
			s.setState(StateStopping)
			s.disconnect()
			s.setState(StateStopped)
			log.Printf("[Server] === stopped ===")
		case StateDestroyed:
			log.Printf("[Server] === destroying ===")
			s.setState(StateDestroying)
			s.disconnect()
			s.setState(StateDestroyed)
			log.Printf("[Server] === destroyed ===")
		default:
			panic(fmt.Sprintf("server: illegal target state requested: %s", next))
		}
	}
}

// setState publishes a transition. Called only from the manager
// goroutine; everyone else writes the requested state instead.
func (s *Server) setState(st State) {
	s.state.Store(int32(st))
	metricState.Set(float64(st))
	s.events.PublishState(st)
	if s.onState != nil {
		s.onState(s)
	}
}

// disconnect tears down both sessions. Idempotent per connection cycle:
// the control session re-arms it when it starts.
func (s *Server) disconnect() {
	if s.disconnectCalled.Load() {
		if s.connected.Load() {
			log.Printf("[Server] disconnect already ran but a client is still connected")
		}
		return
	}
	s.disconnectCalled.Store(true)
	s.connected.Store(false)

	s.adv.Unregister()
	log.Printf("[Server] closing control goroutine/socket")
	s.cleanSession("control", &s.ctrl)
	log.Printf("[Server] closing data goroutine/socket")
	s.cleanSession("data", &s.data)
	s.dataActive.Store(false)
	s.events.CleanupSession()
}

// cleanSession closes the listener and accepted socket, which unblocks
// any Accept/Read/Write the session goroutine is parked in, then waits
// for the goroutine to exit. Socket close is the only cancellation
// channel into a session; if the goroutine is wedged elsewhere (a scope
// call that never returns) the second wait expires and we log and move
// on.
func (s *Server) cleanSession(name string, sess *session) {
	s.mu.Lock()
	ln, conn, done := sess.listener, sess.conn, sess.done
	sess.listener, sess.conn, sess.done = nil, nil, nil
	s.mu.Unlock()

	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Printf("[Server] failed to close %s listener: %v", name, err)
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Printf("[Server] failed to close %s socket: %v", name, err)
		}
	}
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(joinTimeout):
		log.Printf("[Server] %s goroutine did not exit within %v, waiting once more", name, joinTimeout)
		select {
		case <-done:
		case <-time.After(joinTimeout):
			log.Printf("[Server] %s goroutine still running after second %v wait", name, joinTimeout)
		}
	}
}

// txtRecords builds the advertised TXT metadata.
func (s *Server) txtRecords() map[string]string {
	txt := make(map[string]string)
	if serial, err := s.scope.GetSerial(); err == nil && serial != "" {
		txt["serial"] = serial
	}
	if fw, err := s.scope.GetPicFirmwareVersion(); err == nil {
		txt["fw"] = fmt.Sprintf("%d", fw)
	}
	return txt
}
