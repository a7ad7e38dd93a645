package server

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartscope/server/internal/protocol"
	"smartscope/server/internal/scope"
)

const (
	waitFor = 5 * time.Second
	tick    = 20 * time.Millisecond
)

// fakeAdvertiser records registration activity for assertions.
type fakeAdvertiser struct {
	mu         sync.Mutex
	registered bool
	regCount   int
	unregCount int
	name       string
	port       int
	txt        map[string]string
}

func (f *fakeAdvertiser) Register(name, serviceType string, port int, txt map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = true
	f.regCount++
	f.name = name
	f.port = port
	f.txt = txt
	return nil
}

func (f *fakeAdvertiser) Unregister() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registered {
		f.unregCount++
	}
	f.registered = false
}

func (f *fakeAdvertiser) isRegistered() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registered
}

func newTestServer(t *testing.T, sim *scope.Simulator) (*Server, *fakeAdvertiser) {
	t.Helper()
	adv := &fakeAdvertiser{}
	s := New(sim, Options{Advertiser: adv})
	t.Cleanup(s.Close)
	return s, adv
}

func waitState(t *testing.T, s *Server, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.GetState() == want },
		waitFor, tick, "server did not reach %s, stuck in %s", want, s.GetState())
}

func startAndDial(t *testing.T, s *Server) net.Conn {
	t.Helper()
	s.Start()
	waitState(t, s, StateStarted)
	require.Eventually(t, func() bool { return s.Port() != 0 }, waitFor, tick)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", s.Port()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return s.Connected() }, waitFor, tick)
	return conn
}

func sendRequest(t *testing.T, conn net.Conn, cmd protocol.Command, payload []byte) {
	t.Helper()
	_, err := conn.Write(protocol.EncodeRequest(cmd, payload))
	require.NoError(t, err)
}

func readReply(t *testing.T, conn net.Conn) (protocol.Command, []byte) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	hdr := make([]byte, protocol.HeaderSize)
	_, err := io.ReadFull(conn, hdr)
	require.NoError(t, err)
	length := int(binary.LittleEndian.Uint16(hdr[0:2]))
	payload := make([]byte, length)
	_, err = io.ReadFull(conn, payload)
	require.NoError(t, err)
	return protocol.Command(hdr[2]), payload
}

func TestSerialRoundTrip(t *testing.T) {
	sim := scope.NewSimulator("A26310115K0", 0x0107)
	s, _ := newTestServer(t, sim)
	conn := startAndDial(t, s)

	sendRequest(t, conn, protocol.CmdSerial, nil)
	cmd, payload := readReply(t, conn)
	assert.Equal(t, protocol.CmdSerial, cmd)
	require.Len(t, payload, serialLen)
	assert.Equal(t, "A26310115K0", string(payload))

	sendRequest(t, conn, protocol.CmdPicFwVersion, nil)
	cmd, payload = readReply(t, conn)
	assert.Equal(t, protocol.CmdPicFwVersion, cmd)
	require.Len(t, payload, 4)
	assert.Equal(t, uint32(0x0107), binary.LittleEndian.Uint32(payload))
}

func TestSerialFallbackWhenEmpty(t *testing.T) {
	sim := scope.NewSimulator("", 1)
	s, _ := newTestServer(t, sim)
	conn := startAndDial(t, s)

	sendRequest(t, conn, protocol.CmdSerial, nil)
	cmd, payload := readReply(t, conn)
	assert.Equal(t, protocol.CmdSerial, cmd)
	assert.Equal(t, fallbackSerial, string(payload))
}

func TestEmptyRepliesSuppressed(t *testing.T) {
	sim := scope.NewSimulator("A26310115K0", 1)
	s, _ := newTestServer(t, sim)
	conn := startAndDial(t, s)

	// FLUSH and SET produce no reply; the next frame on the wire must be
	// the SERIAL response.
	sendRequest(t, conn, protocol.CmdFlush, nil)
	set := &protocol.ControllerMessage{Ctrl: 3, Addr: 0x0A10, Len: 1, Data: []byte{0x42}}
	sendRequest(t, conn, protocol.CmdSet, set.Encode())
	sendRequest(t, conn, protocol.CmdSerial, nil)

	cmd, _ := readReply(t, conn)
	assert.Equal(t, protocol.CmdSerial, cmd)
}

func TestDataPortHandoff(t *testing.T) {
	sim := scope.NewSimulator("A26310115K0", 1)
	s, _ := newTestServer(t, sim)
	conn := startAndDial(t, s)

	sendRequest(t, conn, protocol.CmdDataPort, nil)
	cmd, payload := readReply(t, conn)
	assert.Equal(t, protocol.CmdDataPort, cmd)
	require.Len(t, payload, 2)
	port := int(binary.LittleEndian.Uint16(payload))
	assert.Equal(t, s.DataPort(), port)

	dataConn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer dataConn.Close()
	require.Eventually(t, func() bool { return s.DataSessionActive() }, waitFor, tick)

	require.NoError(t, dataConn.SetReadDeadline(time.Now().Add(waitFor)))
	buf := make([]byte, 4096)
	_, err = io.ReadFull(dataConn, buf)
	require.NoError(t, err)
}

func TestDataOnControlRejectedDuringDataSession(t *testing.T) {
	sim := scope.NewSimulator("A26310115K0", 1)
	s, _ := newTestServer(t, sim)
	conn := startAndDial(t, s)

	sendRequest(t, conn, protocol.CmdDataPort, nil)
	_, payload := readReply(t, conn)
	port := int(binary.LittleEndian.Uint16(payload))
	dataConn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer dataConn.Close()
	require.Eventually(t, func() bool { return s.DataSessionActive() }, waitFor, tick)

	sendRequest(t, conn, protocol.CmdData, []byte{0x00, 0x01})

	// The violation tears the session down: no reply, the socket closes
	// and the server settles in Stopped.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err)
	waitState(t, s, StateStopped)
}

func TestDataOnControlWithoutDataSession(t *testing.T) {
	sim := scope.NewSimulator("A26310115K0", 1)
	s, _ := newTestServer(t, sim)
	conn := startAndDial(t, s)

	sendRequest(t, conn, protocol.CmdData, []byte{0x00, 0x04}) // 1024 bytes
	cmd, payload := readReply(t, conn)
	assert.Equal(t, protocol.CmdData, cmd)
	assert.Len(t, payload, 1024)
}

func TestDisconnectAndRestart(t *testing.T) {
	sim := scope.NewSimulator("A26310115K0", 1)
	s, _ := newTestServer(t, sim)
	conn := startAndDial(t, s)

	sendRequest(t, conn, protocol.CmdDisconnect, nil)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, err := conn.Read(make([]byte, 1))
	require.Error(t, err, "disconnect must close the socket without a reply")
	waitState(t, s, StateStopped)

	// The server is restartable after a clean disconnect.
	conn2 := startAndDial(t, s)
	sendRequest(t, conn2, protocol.CmdSerial, nil)
	cmd, _ := readReply(t, conn2)
	assert.Equal(t, protocol.CmdSerial, cmd)
}

func TestScopeFailureDestroysServer(t *testing.T) {
	sim := scope.NewSimulator("A26310115K0", 1)
	s, _ := newTestServer(t, sim)
	conn := startAndDial(t, s)

	sim.Fail(fmt.Errorf("usb transfer: %w", scope.ErrIO))
	sendRequest(t, conn, protocol.CmdAcquisition, nil)

	waitState(t, s, StateDestroyed)

	// Destroyed is absorbing; a Start request must not revive it.
	s.Start()
	time.Sleep(3 * stateTick)
	assert.Equal(t, StateDestroyed, s.GetState())
}

func TestSetFragmentedAcrossWrites(t *testing.T) {
	sim := scope.NewSimulator("A26310115K0", 1)
	s, _ := newTestServer(t, sim)
	conn := startAndDial(t, s)

	set := &protocol.ControllerMessage{Ctrl: 5, Addr: 0x0200, Len: 2, Data: []byte{0xDE, 0xAD}}
	frame := protocol.EncodeRequest(protocol.CmdSet, set.Encode())

	for _, chunk := range [][]byte{frame[:2], frame[2:6], frame[6:]} {
		_, err := conn.Write(chunk)
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)
	}

	get := &protocol.ControllerMessage{Ctrl: 5, Addr: 0x0200, Len: 2}
	sendRequest(t, conn, protocol.CmdGet, get.Encode())
	cmd, payload := readReply(t, conn)
	assert.Equal(t, protocol.CmdGet, cmd)
	require.Len(t, payload, protocol.ControllerHeaderSize+2)
	assert.Equal(t, []byte{0xDE, 0xAD}, payload[protocol.ControllerHeaderSize:])
}

func TestCoalescedRequests(t *testing.T) {
	sim := scope.NewSimulator("A26310115K0", 1)
	s, _ := newTestServer(t, sim)
	conn := startAndDial(t, s)

	batch := append(protocol.EncodeRequest(protocol.CmdSerial, nil),
		protocol.EncodeRequest(protocol.CmdPicFwVersion, nil)...)
	_, err := conn.Write(batch)
	require.NoError(t, err)

	cmd, _ := readReply(t, conn)
	assert.Equal(t, protocol.CmdSerial, cmd)
	cmd, _ = readReply(t, conn)
	assert.Equal(t, protocol.CmdPicFwVersion, cmd)
}

func TestAdvertiseWindow(t *testing.T) {
	sim := scope.NewSimulator("A26310115K0", 1)
	s, adv := newTestServer(t, sim)

	s.Start()
	waitState(t, s, StateStarted)
	require.Eventually(t, adv.isRegistered, waitFor, tick)
	adv.mu.Lock()
	assert.Equal(t, DefaultName, adv.name)
	assert.Equal(t, s.Port(), adv.port)
	assert.Equal(t, "A26310115K0", adv.txt["serial"])
	adv.mu.Unlock()

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", s.Port()))
	require.NoError(t, err)
	defer conn.Close()

	// Advertising stops as soon as a client claims the scope.
	require.Eventually(t, func() bool { return !adv.isRegistered() }, waitFor, tick)
}

func TestMalformedFrameClosesSession(t *testing.T) {
	sim := scope.NewSimulator("A26310115K0", 1)
	s, _ := newTestServer(t, sim)
	conn := startAndDial(t, s)

	// Declared length below the header size can never frame a request.
	_, err := conn.Write([]byte{0x01, 0x00, byte(protocol.CmdSerial)})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err)
	waitState(t, s, StateStopped)
}

func TestClientEOFStopsServer(t *testing.T) {
	sim := scope.NewSimulator("A26310115K0", 1)
	s, _ := newTestServer(t, sim)
	conn := startAndDial(t, s)

	require.NoError(t, conn.Close())
	waitState(t, s, StateStopped)
}

func TestStopWhileIdle(t *testing.T) {
	sim := scope.NewSimulator("A26310115K0", 1)
	s, adv := newTestServer(t, sim)

	s.Start()
	waitState(t, s, StateStarted)
	require.Eventually(t, adv.isRegistered, waitFor, tick)

	// Stopping with no client attached must unregister and settle.
	s.Stop()
	waitState(t, s, StateStopped)
	assert.False(t, adv.isRegistered())
	assert.False(t, s.Connected())
}
