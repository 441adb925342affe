package rrc

import (
	"errors"
	"fmt"

	"github.com/danmuck/measctl/internal/protocol/vbsp"
)

// MaxMeasurements bounds a measurement list so ids fit the 8-bit field.
const MaxMeasurements = 255

var ErrTooManyMeasurements = errors.New("rrc: too many measurements")

// SequenceSource hands out connection-scoped sequence numbers.
type SequenceSource interface {
	NextSeq() uint32
}

// BuildParams carries the per-tick identifiers shared by every request.
type BuildParams struct {
	ModuleID uint32
	ENBID    uint32
	CellID   uint16
	RNTI     uint16
	Seq      SequenceSource
}

// BuildRequests produces one request per measurement. The measurement id is
// the position in configs, not a function of its content.
func BuildRequests(p BuildParams, configs []Measurement) ([]Request, error) {
	if err := CheckMeasurementCount(len(configs)); err != nil {
		return nil, err
	}
	out := make([]Request, 0, len(configs))
	for i, cfg := range configs {
		var seq uint32
		if p.Seq != nil {
			seq = p.Seq.NextSeq()
		}
		out = append(out, Request{
			Header: vbsp.Header{
				Length:   RequestLen,
				Type:     vbsp.TypeTrigger,
				Version:  vbsp.Version,
				ENBID:    p.ENBID,
				CellID:   p.CellID,
				ModuleID: p.ModuleID,
				Seq:      seq,
				Action:   vbsp.ActRRCMeasurement,
				Dir:      vbsp.DirRequest,
				Op:       vbsp.OpAdd,
			},
			MeasID:      uint8(i),
			RNTI:        p.RNTI,
			Measurement: cfg,
		})
	}
	return out, nil
}

func CheckMeasurementCount(n int) error {
	if n > MaxMeasurements {
		return fmt.Errorf("%w: %d > %d", ErrTooManyMeasurements, n, MaxMeasurements)
	}
	return nil
}
