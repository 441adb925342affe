package rrc

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/danmuck/measctl/internal/protocol/vbsp"
)

const (
	// RequestLen is the total wire size of one measurement request.
	RequestLen = vbsp.HeaderLen + 11

	responseHeaderLen = 4
	entryLen          = 1 + 2 + 2 + 2
)

var ErrMalformedFrame = errors.New("rrc: malformed frame")

// Measurement is one measurement configuration sent to the agent.
type Measurement struct {
	EARFCN   uint16 `json:"earfcn" toml:"earfcn"`
	Interval uint16 `json:"interval" toml:"interval"`
	MaxCells uint16 `json:"max_cells" toml:"max_cells"`
	MaxMeas  uint16 `json:"max_meas" toml:"max_meas"`
}

// Request is the decoded form of a measurement request frame.
type Request struct {
	vbsp.Header
	MeasID uint8
	RNTI   uint16
	Measurement
}

// Entry is one measurement report row.
type Entry struct {
	MeasID uint8  `json:"meas_id"`
	PCI    uint16 `json:"pci"`
	RSRP   uint16 `json:"rsrp"`
	RSRQ   uint16 `json:"rsrq"`
}

// Response is a measurement report body as sent by the agent.
type Response struct {
	Entries []Entry
}

// EncodeRequest writes the fixed request layout. The length field is always
// RequestLen regardless of r.Length.
func EncodeRequest(r Request) []byte {
	buf := make([]byte, RequestLen)
	h := r.Header
	h.Length = RequestLen
	vbsp.PutHeader(buf, h)
	body := buf[vbsp.HeaderLen:]
	body[0] = r.MeasID
	binary.BigEndian.PutUint16(body[1:3], r.RNTI)
	binary.BigEndian.PutUint16(body[3:5], r.EARFCN)
	binary.BigEndian.PutUint16(body[5:7], r.Interval)
	binary.BigEndian.PutUint16(body[7:9], r.MaxCells)
	binary.BigEndian.PutUint16(body[9:11], r.MaxMeas)
	return buf
}

func DecodeRequest(b []byte) (Request, error) {
	if len(b) != RequestLen {
		return Request{}, fmt.Errorf("%w: request is %d bytes, want %d", ErrMalformedFrame, len(b), RequestLen)
	}
	h, err := vbsp.DecodeHeader(b)
	if err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if h.Length != RequestLen {
		return Request{}, fmt.Errorf("%w: length field %d", ErrMalformedFrame, h.Length)
	}
	body := b[vbsp.HeaderLen:]
	return Request{
		Header: h,
		MeasID: body[0],
		RNTI:   binary.BigEndian.Uint16(body[1:3]),
		Measurement: Measurement{
			EARFCN:   binary.BigEndian.Uint16(body[3:5]),
			Interval: binary.BigEndian.Uint16(body[5:7]),
			MaxCells: binary.BigEndian.Uint16(body[7:9]),
			MaxMeas:  binary.BigEndian.Uint16(body[9:11]),
		},
	}, nil
}

// DecodeResponse parses a report body. The declared count must match the
// remaining bytes exactly; partial results are never returned.
func DecodeResponse(b []byte) (Response, error) {
	if len(b) < responseHeaderLen {
		return Response{}, fmt.Errorf("%w: %d bytes, need count header", ErrMalformedFrame, len(b))
	}
	count := uint64(binary.BigEndian.Uint32(b[0:4]))
	rest := uint64(len(b) - responseHeaderLen)
	if need := count * entryLen; need != rest {
		return Response{}, fmt.Errorf("%w: count=%d needs %d bytes, have %d", ErrMalformedFrame, count, need, rest)
	}

	entries := make([]Entry, 0, count)
	for off := responseHeaderLen; off < len(b); off += entryLen {
		entries = append(entries, Entry{
			MeasID: b[off],
			PCI:    binary.BigEndian.Uint16(b[off+1 : off+3]),
			RSRP:   binary.BigEndian.Uint16(b[off+3 : off+5]),
			RSRQ:   binary.BigEndian.Uint16(b[off+5 : off+7]),
		})
	}
	return Response{Entries: entries}, nil
}

// EncodeResponse builds a report body. Only agent-side tooling needs it.
func EncodeResponse(r Response) []byte {
	buf := make([]byte, responseHeaderLen+entryLen*len(r.Entries))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(r.Entries)))
	off := responseHeaderLen
	for _, e := range r.Entries {
		buf[off] = e.MeasID
		binary.BigEndian.PutUint16(buf[off+1:off+3], e.PCI)
		binary.BigEndian.PutUint16(buf[off+3:off+5], e.RSRP)
		binary.BigEndian.PutUint16(buf[off+5:off+7], e.RSRQ)
		off += entryLen
	}
	return buf
}
