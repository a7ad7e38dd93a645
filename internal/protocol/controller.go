package protocol

import (
	"encoding/binary"
	"fmt"
)

// ControllerHeaderSize is the fixed prefix of a ControllerMessage:
// uint8 ctrl + uint16 addr + uint16 len.
const ControllerHeaderSize = 5

// ControllerMessage is the nested payload of SET and GET commands,
// addressing a register bank on the scope.
type ControllerMessage struct {
	Ctrl byte
	Addr uint16
	Len  uint16
	Data []byte
}

// ParseControllerMessage decodes the controller header and hands back any
// trailing bytes as Data. SET requires Len data bytes to be present; GET
// requests carry none. Data aliases the input.
func ParseControllerMessage(p []byte) (*ControllerMessage, error) {
	if len(p) < ControllerHeaderSize {
		return nil, fmt.Errorf("controller message too short: %d bytes", len(p))
	}
	return &ControllerMessage{
		Ctrl: p[0],
		Addr: binary.LittleEndian.Uint16(p[1:3]),
		Len:  binary.LittleEndian.Uint16(p[3:5]),
		Data: p[ControllerHeaderSize:],
	}, nil
}

// AppendHeader appends the 5-byte controller header to dst.
func (m *ControllerMessage) AppendHeader(dst []byte) []byte {
	var hdr [ControllerHeaderSize]byte
	hdr[0] = m.Ctrl
	binary.LittleEndian.PutUint16(hdr[1:3], m.Addr)
	binary.LittleEndian.PutUint16(hdr[3:5], m.Len)
	return append(dst, hdr[:]...)
}

// Encode serializes header plus data, for building SET/GET payloads.
func (m *ControllerMessage) Encode() []byte {
	out := m.AppendHeader(make([]byte, 0, ControllerHeaderSize+len(m.Data)))
	return append(out, m.Data...)
}
