// Package wire encodes detection lists in protobuf wire format, matching
// api/detect.proto, for the remote detect endpoint.
package wire

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ivlev/animaldetect/internal/faults"
	"github.com/ivlev/animaldetect/internal/geometry"
)

const ContentType = "application/x-protobuf"

// DetectResponse field numbers.
const fieldDetections protowire.Number = 1

// Detection field numbers.
const (
	fieldX1 protowire.Number = iota + 1
	fieldY1
	fieldX2
	fieldY2
	fieldConfidence
	fieldClassID
	fieldLabel
	fieldExtra1
	fieldExtra2
)

// MarshalDetections encodes dets as a DetectResponse message.
func MarshalDetections(dets []geometry.Classified) []byte {
	var out []byte
	for _, d := range dets {
		msg := marshalDetection(d)
		out = protowire.AppendTag(out, fieldDetections, protowire.BytesType)
		out = protowire.AppendBytes(out, msg)
	}
	return out
}

func marshalDetection(d geometry.Classified) []byte {
	var b []byte
	for _, f := range []struct {
		num protowire.Number
		v   float32
	}{
		{fieldX1, d.X1}, {fieldY1, d.Y1}, {fieldX2, d.X2}, {fieldY2, d.Y2}, {fieldConfidence, d.Prob},
	} {
		b = protowire.AppendTag(b, f.num, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(f.v))
	}
	b = protowire.AppendTag(b, fieldClassID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(d.ClassID))
	b = protowire.AppendTag(b, fieldLabel, protowire.BytesType)
	b = protowire.AppendString(b, d.Label)
	if d.Extra1 != nil {
		b = protowire.AppendTag(b, fieldExtra1, protowire.BytesType)
		b = protowire.AppendString(b, *d.Extra1)
	}
	if d.Extra2 != nil {
		b = protowire.AppendTag(b, fieldExtra2, protowire.BytesType)
		b = protowire.AppendString(b, *d.Extra2)
	}
	return b
}

// UnmarshalDetections decodes a DetectResponse. Unknown fields are skipped;
// malformed input and boxes breaking the corner-form invariants are
// faults.ErrProtocol.
func UnmarshalDetections(b []byte) ([]geometry.Classified, error) {
	dets := make([]geometry.Classified, 0)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protocolErr(protowire.ParseError(n))
		}
		b = b[n:]

		if num == fieldDetections && typ == protowire.BytesType {
			msg, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, protocolErr(protowire.ParseError(m))
			}
			d, err := unmarshalDetection(msg)
			if err != nil {
				return nil, err
			}
			dets = append(dets, d)
			b = b[m:]
			continue
		}

		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return nil, protocolErr(protowire.ParseError(m))
		}
		b = b[m:]
	}
	return dets, nil
}

func unmarshalDetection(b []byte) (geometry.Classified, error) {
	var d geometry.Classified
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return d, protocolErr(protowire.ParseError(n))
		}
		b = b[n:]

		var m int
		switch {
		case num >= fieldX1 && num <= fieldConfidence && typ == protowire.Fixed32Type:
			var v uint32
			v, m = protowire.ConsumeFixed32(b)
			f := math.Float32frombits(v)
			switch num {
			case fieldX1:
				d.X1 = f
			case fieldY1:
				d.Y1 = f
			case fieldX2:
				d.X2 = f
			case fieldY2:
				d.Y2 = f
			case fieldConfidence:
				d.Prob = f
			}
		case num == fieldClassID && typ == protowire.VarintType:
			var v uint64
			v, m = protowire.ConsumeVarint(b)
			if m >= 0 && v > math.MaxUint16 {
				return d, protocolErr(fmt.Errorf("class id %d out of range", v))
			}
			d.ClassID = uint16(v)
		case num >= fieldLabel && num <= fieldExtra2 && typ == protowire.BytesType:
			var s string
			s, m = protowire.ConsumeString(b)
			switch num {
			case fieldLabel:
				d.Label = s
			case fieldExtra1:
				d.Extra1 = &s
			case fieldExtra2:
				d.Extra2 = &s
			}
		default:
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return d, protocolErr(protowire.ParseError(m))
		}
		b = b[m:]
	}

	if err := d.Validate(); err != nil {
		return d, protocolErr(err)
	}
	return d, nil
}

func protocolErr(err error) error {
	return fmt.Errorf("%w: %v", faults.ErrProtocol, err)
}
