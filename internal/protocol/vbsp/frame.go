package vbsp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderLen is the size of the common header carried by every agent frame.
const HeaderLen = 23

// Protocol version spoken by the controller.
const Version uint8 = 0

// Message types.
const (
	TypeSingle    uint8 = 0x01
	TypeScheduled uint8 = 0x02
	TypeTrigger   uint8 = 0x03
)

// Directions.
const (
	DirRequest uint8 = 0x00
	DirReply   uint8 = 0x01
)

// Operation codes.
const (
	OpUnspecified  uint8 = 0x00
	OpSuccess      uint8 = 0x01
	OpFail         uint8 = 0x02
	OpNotSupported uint8 = 0x03
	OpAdd          uint8 = 0x04
	OpRemove       uint8 = 0x05
)

// Action codes.
const (
	ActHello          uint8 = 0x01
	ActRRCMeasurement uint8 = 0x05
)

var (
	ErrShortHeader    = errors.New("vbsp: short common header")
	ErrLengthTooSmall = errors.New("vbsp: length smaller than common header")
	ErrFrameTooLarge  = errors.New("vbsp: frame too large")
)

// Header is the common header shared by requests and replies.
type Header struct {
	Length   uint32
	Type     uint8
	Version  uint8
	ENBID    uint32
	CellID   uint16
	ModuleID uint32
	Seq      uint32
	Action   uint8
	Dir      uint8
	Op       uint8
}

// Frame is one complete agent message: header plus action-specific body.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains frame decode memory use.
type Limits struct {
	MaxFrameBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxFrameBytes: 64 * 1024}
}

// PutHeader writes h into the first HeaderLen bytes of buf.
func PutHeader(buf []byte, h Header) {
	_ = buf[HeaderLen-1]
	binary.BigEndian.PutUint32(buf[0:4], h.Length)
	buf[4] = h.Type
	buf[5] = h.Version
	binary.BigEndian.PutUint32(buf[6:10], h.ENBID)
	binary.BigEndian.PutUint16(buf[10:12], h.CellID)
	binary.BigEndian.PutUint32(buf[12:16], h.ModuleID)
	binary.BigEndian.PutUint32(buf[16:20], h.Seq)
	buf[20] = h.Action
	buf[21] = h.Dir
	buf[22] = h.Op
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	PutHeader(buf, h)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(b))
	}
	return Header{
		Length:   binary.BigEndian.Uint32(b[0:4]),
		Type:     b[4],
		Version:  b[5],
		ENBID:    binary.BigEndian.Uint32(b[6:10]),
		CellID:   binary.BigEndian.Uint16(b[10:12]),
		ModuleID: binary.BigEndian.Uint32(b[12:16]),
		Seq:      binary.BigEndian.Uint32(b[16:20]),
		Action:   b[20],
		Dir:      b[21],
		Op:       b[22],
	}, nil
}

// ReadFrame reads one frame. A stream closed on a frame boundary yields io.EOF.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [HeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if h.Length < HeaderLen {
		return Frame{}, ErrLengthTooSmall
	}
	if limits.MaxFrameBytes > 0 && h.Length > limits.MaxFrameBytes {
		return Frame{}, ErrFrameTooLarge
	}

	payload := make([]byte, h.Length-HeaderLen)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Header: h, Payload: payload}, nil
}

// WriteFrame writes f with its length field recomputed from the payload.
func WriteFrame(w io.Writer, f Frame) error {
	h := f.Header
	h.Length = uint32(HeaderLen + len(f.Payload))
	buf := make([]byte, int(h.Length))
	PutHeader(buf, h)
	copy(buf[HeaderLen:], f.Payload)
	_, err := w.Write(buf)
	return err
}
