package server

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	"smartscope/server/internal/protocol"
	"smartscope/server/internal/scope"
)

// startControlSession arms a fresh session pair and launches the control
// goroutine. The returned channel is closed once the session has bound
// its listeners (or failed trying), which is when Port/DataPort become
// meaningful.
func (s *Server) startControlSession() <-chan struct{} {
	ready := make(chan struct{})
	var readyOnce sync.Once
	signal := func() { readyOnce.Do(func() { close(ready) }) }

	done := make(chan struct{})
	s.mu.Lock()
	s.ctrl = session{done: done}
	s.data = session{}
	s.port, s.portData = 0, 0
	s.mu.Unlock()

	go func() {
		defer close(done)
		err := s.runControlSession(signal)
		signal()
		switch {
		case err == nil:
		case errors.Is(err, scope.ErrIO):
			log.Printf("[Server] scope failure on control path: %v", err)
			s.Destroy()
		default:
			log.Printf("[Server] control session ended: %v", err)
			s.Stop()
		}
	}()
	return ready
}

// runControlSession binds both listeners, advertises, accepts exactly
// one client and services its command stream until the socket dies or a
// DISCONNECT arrives.
func (s *Server) runControlSession(signalReady func()) error {
	s.disconnectCalled.Store(false)

	ctrlLn, ctrlPort, err := listenTCP4("0")
	if err != nil {
		return fmt.Errorf("bind control listener: %w", err)
	}
	dataLn, dataPort, err := listenTCP4("0")
	if err != nil {
		ctrlLn.Close()
		return fmt.Errorf("bind data listener: %w", err)
	}

	s.mu.Lock()
	s.ctrl.listener = ctrlLn
	s.data.listener = dataLn
	s.port = ctrlPort
	s.portData = dataPort
	s.mu.Unlock()

	log.Printf("[Server] listening for control on port %d, data on port %d", ctrlPort, dataPort)
	signalReady()

	if err := s.adv.Register(s.name, s.serviceType, ctrlPort, s.txtRecords()); err != nil {
		return fmt.Errorf("advertise: %w", err)
	}

	conn, err := ctrlLn.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		return fmt.Errorf("accept control client: %w", err)
	}
	log.Printf("[Server] control client connected from %s", conn.RemoteAddr())
	s.adv.Unregister()

	s.connected.Store(true)
	s.mu.Lock()
	s.ctrl.conn = conn
	s.mu.Unlock()
	metricSessions.WithLabelValues("control").Inc()
	s.events.SessionOpened("control", conn.RemoteAddr().String())
	s.events.RegisterSession(conn.RemoteAddr().String())
	defer s.events.SessionClosed("control", conn.RemoteAddr().String())

	r := protocol.NewReassembler()
	for s.connected.Load() {
		n, err := conn.Read(r.Tail())
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return errors.New("client closed control connection")
			}
			return fmt.Errorf("recv on control socket: %w", err)
		}
		r.Advance(n)
		s.events.RefreshSession()

		for {
			req, err := r.Next()
			if err != nil {
				return err
			}
			if req == nil {
				break
			}
			stop, err := s.dispatch(conn, req)
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
		}
		r.Compact()
	}
	return nil
}

// dispatch executes one request and writes the reply, if the command
// produces one. It returns stop=true when the session should end
// without escalating.
func (s *Server) dispatch(conn net.Conn, req *protocol.Message) (bool, error) {
	metricFrames.WithLabelValues(req.Cmd.String()).Inc()

	var payload []byte
	switch req.Cmd {
	case protocol.CmdSerial:
		serial, err := s.scope.GetSerial()
		if err != nil {
			return false, fmt.Errorf("read serial: %w", err)
		}
		if serial == "" {
			log.Printf("[Server] scope reported empty serial, using fallback")
			serial = fallbackSerial
		}
		buf := make([]byte, serialLen)
		copy(buf, serial)
		payload = buf

	case protocol.CmdPicFwVersion:
		fw, err := s.scope.GetPicFirmwareVersion()
		if err != nil {
			return false, fmt.Errorf("read pic firmware version: %w", err)
		}
		payload = binary.LittleEndian.AppendUint32(nil, fw)

	case protocol.CmdFlush:
		if err := s.scope.FlushDataPipe(); err != nil {
			return false, fmt.Errorf("flush data pipe: %w", err)
		}

	case protocol.CmdFlashFpga:
		if err := s.scope.FlashFpga(req.Data); err != nil {
			return false, fmt.Errorf("flash fpga: %w", err)
		}
		payload = []byte{0xFF}

	case protocol.CmdDisconnect:
		log.Printf("[Server] client requested disconnect")
		if err := s.scope.FlushDataPipe(); err != nil {
			return false, fmt.Errorf("flush on disconnect: %w", err)
		}
		s.Stop()
		return true, nil

	case protocol.CmdData:
		if s.dataActive.Load() {
			return false, errors.New("DATA on control socket while data session is active")
		}
		if len(req.Data) < 2 {
			return false, errors.New("DATA request missing length field")
		}
		n := int(binary.LittleEndian.Uint16(req.Data))
		data, err := s.scope.GetData(n)
		if err != nil {
			return false, fmt.Errorf("read scope data: %w", err)
		}
		payload = data

	case protocol.CmdDataPort:
		if !s.dataActive.Load() {
			s.startDataSession()
		}
		s.mu.Lock()
		port := s.portData
		s.mu.Unlock()
		payload = binary.LittleEndian.AppendUint16(nil, uint16(port))

	case protocol.CmdAcquisition:
		if s.dataActive.Load() {
			return false, errors.New("ACQUISITION on control socket while data session is active")
		}
		for len(payload) == 0 {
			data, err := s.scope.GetAcquisition(protocol.BufSize - protocol.HeaderSize)
			if err != nil {
				return false, fmt.Errorf("read acquisition: %w", err)
			}
			payload = data
		}

	case protocol.CmdSet:
		cm, err := protocol.ParseControllerMessage(req.Data)
		if err != nil {
			return false, fmt.Errorf("parse SET: %w", err)
		}
		if len(cm.Data) < int(cm.Len) {
			return false, errors.New("SET payload shorter than declared length")
		}
		if err := s.scope.SetControllerRegister(cm.Ctrl, cm.Addr, cm.Data[:cm.Len]); err != nil {
			return false, fmt.Errorf("write controller register: %w", err)
		}

	case protocol.CmdGet:
		cm, err := protocol.ParseControllerMessage(req.Data)
		if err != nil {
			return false, fmt.Errorf("parse GET: %w", err)
		}
		data, err := s.scope.GetControllerRegister(cm.Ctrl, cm.Addr, int(cm.Len))
		if err != nil {
			return false, fmt.Errorf("read controller register: %w", err)
		}
		reply := protocol.ControllerMessage{Ctrl: cm.Ctrl, Addr: cm.Addr, Len: uint16(len(data)), Data: data}
		payload = reply.Encode()

	default:
		return false, fmt.Errorf("unsupported command %s", req.Cmd)
	}

	if len(payload) == 0 {
		return false, nil
	}
	frame := protocol.EncodeReply(req.Cmd, payload)
	if err := writeAll(conn, frame); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return true, nil
		}
		return false, fmt.Errorf("send reply for %s: %w", req.Cmd, err)
	}
	metricReplyBytes.Add(float64(len(frame)))
	return false, nil
}
