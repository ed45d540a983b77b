// Package wire implements the xenstore wire codec: a 16-byte header
// followed by a NUL-separated body, as described in
// other_examples' unikraft-kraftkit xenstore client and in the
// upstream xenstore-rs wire.rs this protocol is drawn from.
package wire

import (
	"encoding/binary"
	"fmt"
)

// MsgType identifies the kind of request or reply carried by a frame.
type MsgType uint32

const (
	Debug               MsgType = 0
	Directory           MsgType = 1
	Read                MsgType = 2
	GetPerms            MsgType = 3
	Watch               MsgType = 4
	Unwatch             MsgType = 5
	TransactionStart    MsgType = 6
	TransactionEnd      MsgType = 7
	Introduce           MsgType = 8
	Release             MsgType = 9
	GetDomainPath       MsgType = 10
	Write               MsgType = 11
	Mkdir               MsgType = 12
	Rm                  MsgType = 13
	SetPerms            MsgType = 14
	WatchEvent          MsgType = 15
	ErrorMsg            MsgType = 16
	IsDomainIntroduced  MsgType = 17
	Resume              MsgType = 18
	SetTarget           MsgType = 19
	Restrict            MsgType = 20
	ResetWatches        MsgType = 21
	Invalid             MsgType = 0xffff
)

func (t MsgType) String() string {
	switch t {
	case Debug:
		return "DEBUG"
	case Directory:
		return "DIRECTORY"
	case Read:
		return "READ"
	case GetPerms:
		return "GET_PERMS"
	case Watch:
		return "WATCH"
	case Unwatch:
		return "UNWATCH"
	case TransactionStart:
		return "TRANSACTION_START"
	case TransactionEnd:
		return "TRANSACTION_END"
	case Introduce:
		return "INTRODUCE"
	case Release:
		return "RELEASE"
	case GetDomainPath:
		return "GET_DOMAIN_PATH"
	case Write:
		return "WRITE"
	case Mkdir:
		return "MKDIR"
	case Rm:
		return "RM"
	case SetPerms:
		return "SET_PERMS"
	case WatchEvent:
		return "WATCH_EVENT"
	case ErrorMsg:
		return "ERROR"
	case IsDomainIntroduced:
		return "IS_DOMAIN_INTRODUCED"
	case Resume:
		return "RESUME"
	case SetTarget:
		return "SET_TARGET"
	case Restrict:
		return "RESTRICT"
	case ResetWatches:
		return "RESET_WATCHES"
	default:
		return fmt.Sprintf("MSG(%d)", uint32(t))
	}
}

// Miscellaneous protocol limits.
const (
	HeaderSize  = 16
	BodyMax     = 4096
	AbsPathMax  = 3072
	RelPathMax  = 2048
)

type ReqID = uint32
type TxID = uint32
type DomainID = uint32

// RootTransaction is the reserved implicit, non-transactional view.
const RootTransaction TxID = 0

// Header is the fixed-size frame prefix, little-endian on the wire.
type Header struct {
	MsgType MsgType
	ReqID   ReqID
	TxID    TxID
	BodyLen uint32
}

// EncodeHeader serializes h into exactly HeaderSize bytes.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.MsgType))
	binary.LittleEndian.PutUint32(buf[4:8], h.ReqID)
	binary.LittleEndian.PutUint32(buf[8:12], h.TxID)
	binary.LittleEndian.PutUint32(buf[12:16], h.BodyLen)
	return buf
}

// DecodeHeader parses a HeaderSize-byte buffer into a Header. Callers must
// ensure len(buf) >= HeaderSize.
func DecodeHeader(buf []byte) Header {
	return Header{
		MsgType: MsgType(binary.LittleEndian.Uint32(buf[0:4])),
		ReqID:   binary.LittleEndian.Uint32(buf[4:8]),
		TxID:    binary.LittleEndian.Uint32(buf[8:12]),
		BodyLen: binary.LittleEndian.Uint32(buf[12:16]),
	}
}

// EncodeBody joins fields with a single trailing NUL each, per field.
// Empty fields are emitted as a bare NUL so position is preserved.
func EncodeBody(fields ...[]byte) []byte {
	body := make([]byte, 0, BodyMax)
	for _, f := range fields {
		body = append(body, f...)
		body = append(body, 0)
	}
	return body
}

// EncodeBodyStrings is a convenience wrapper over EncodeBody for string
// fields, the common case for path/value/token arguments.
func EncodeBodyStrings(fields ...string) []byte {
	b := make([][]byte, len(fields))
	for i, f := range fields {
		b[i] = []byte(f)
	}
	return EncodeBody(b...)
}

// DecodeBody splits raw body bytes on NUL, dropping empty segments so that
// both a trailing NUL and its absence decode identically (R1 in the spec's
// testable properties).
func DecodeBody(raw []byte) []string {
	var fields []string
	start := 0
	for i, b := range raw {
		if b == 0 {
			if i > start {
				fields = append(fields, string(raw[start:i]))
			}
			start = i + 1
		}
	}
	if start < len(raw) {
		fields = append(fields, string(raw[start:]))
	}
	return fields
}

// DecodeFrame attempts to pull one complete (Header, body) frame from buf.
// It returns ok=false when fewer than HeaderSize+body_len bytes are
// buffered ("need more"), and an error when the declared body length
// exceeds BodyMax.
func DecodeFrame(buf []byte) (h Header, body []byte, consumed int, ok bool, err error) {
	if len(buf) < HeaderSize {
		return Header{}, nil, 0, false, nil
	}
	h = DecodeHeader(buf)
	if h.BodyLen > BodyMax {
		return Header{}, nil, 0, false, fmt.Errorf("body length %d exceeds max %d", h.BodyLen, BodyMax)
	}
	total := HeaderSize + int(h.BodyLen)
	if len(buf) < total {
		return Header{}, nil, 0, false, nil
	}
	body = make([]byte, h.BodyLen)
	copy(body, buf[HeaderSize:total])
	return h, body, total, true, nil
}

// EncodeFrame produces the full wire representation of a header plus its
// (already NUL-joined) body, setting BodyLen from the actual body length.
func EncodeFrame(h Header, body []byte) []byte {
	h.BodyLen = uint32(len(body))
	out := make([]byte, 0, HeaderSize+len(body))
	out = append(out, EncodeHeader(h)...)
	out = append(out, body...)
	return out
}
