// Package wire implements the NEO binary packet format: a fixed header
// (msg-id, opcode, length) followed by an opcode-specific body, plus the
// opcode registry, checksum and compression helpers used to build and
// parse bodies (spec §6).
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// HeaderSize is the fixed size in bytes of msg-id(4) | code(2) | length(4).
const HeaderSize = 4 + 2 + 4

// answerBit distinguishes an answer packet (1) from a request/notification (0).
const answerBit = uint16(1) << 15

// MaxBodySize bounds a single packet body to guard against a corrupt or
// hostile length field driving an unbounded allocation.
const MaxBodySize = 64 << 20

// Code identifies a packet's opcode. The high bit (answerBit) marks answers.
type Code uint16

// IsAnswer reports whether code is an answer packet.
func (c Code) IsAnswer() bool { return c&answerBit != 0 }

// AsAnswer returns the answer-flagged variant of a request code.
func (c Code) AsAnswer() Code { return c | Code(answerBit) }

// Packet is one decoded frame: header fields plus its raw body bytes.
// Body is further decoded by the opcode-specific Marshal/Unmarshal
// functions in messages.go and messages_ext.go.
type Packet struct {
	MsgID uint32
	Code  Code
	Body  []byte
}

// Encode writes the packet's wire representation to w.
func (p *Packet) Encode(w io.Writer) error {
	if len(p.Body) > MaxBodySize {
		return fmt.Errorf("wire: body too large (%d bytes)", len(p.Body))
	}
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], p.MsgID)
	binary.BigEndian.PutUint16(hdr[4:6], uint16(p.Code))
	binary.BigEndian.PutUint32(hdr[6:10], uint32(len(p.Body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	if len(p.Body) > 0 {
		if _, err := w.Write(p.Body); err != nil {
			return fmt.Errorf("wire: write body: %w", err)
		}
	}
	return nil
}

// ReadPacket reads one full frame from r, blocking until the header and
// body are available or an error (including io.EOF on a clean close) occurs.
func ReadPacket(r io.Reader) (*Packet, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	msgID := binary.BigEndian.Uint32(hdr[0:4])
	code := Code(binary.BigEndian.Uint16(hdr[4:6]))
	length := binary.BigEndian.Uint32(hdr[6:10])
	if length > MaxBodySize {
		return nil, fmt.Errorf("wire: body length %d exceeds max %d", length, MaxBodySize)
	}
	body := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, fmt.Errorf("wire: read body: %w", err)
		}
	}
	return &Packet{MsgID: msgID, Code: code, Body: body}, nil
}
