package source

import (
	"bufio"
	"bytes"
	"io"

	"rapidmux/internal/codec"
)

const maxAccessUnitSize = 16 << 20

var startCode = []byte{0x00, 0x00, 0x01}

// splitNALUnits is a bufio.SplitFunc yielding the NAL units of an Annex-B
// byte stream without their start codes
func splitNALUnits(data []byte, atEOF bool) (int, []byte, error) {
	start := bytes.Index(data, startCode)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// a start code may straddle the buffer boundary
		if len(data) > 2 {
			return len(data) - 2, nil, nil
		}
		return 0, nil, nil
	}

	body := start + len(startCode)
	next := bytes.Index(data[body:], startCode)
	if next < 0 {
		if !atEOF {
			return start, nil, nil
		}
		return len(data), bytes.TrimRight(data[body:], "\x00"), nil
	}
	end := body + next
	// the zero byte of a 4-byte start code trails the previous unit
	return end, bytes.TrimRight(data[body:end], "\x00"), nil
}

type accessUnit struct {
	units    [][]byte
	keyFrame bool
}

// auReader groups NAL units into access units
type auReader struct {
	scanner *bufio.Scanner
	pending []byte
}

func newAUReader(r io.Reader) *auReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxAccessUnitSize)
	scanner.Split(splitNALUnits)
	return &auReader{scanner: scanner}
}

func (r *auReader) nextUnit() ([]byte, error) {
	if r.pending != nil {
		u := r.pending
		r.pending = nil
		return u, nil
	}
	for r.scanner.Scan() {
		if tok := r.scanner.Bytes(); len(tok) > 0 {
			return append([]byte(nil), tok...), nil
		}
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// next returns the following access unit, or io.EOF
func (r *auReader) next() (accessUnit, error) {
	var au accessUnit
	hasSlice := false

	for {
		u, err := r.nextUnit()
		if err == io.EOF {
			if hasSlice {
				return au, nil
			}
			return accessUnit{}, io.EOF
		}
		if err != nil {
			return accessUnit{}, err
		}

		if hasSlice && startsAccessUnit(u) {
			r.pending = u
			return au, nil
		}

		au.units = append(au.units, u)
		switch u[0] & 0x1F {
		case codec.NALUnitTypeIDR:
			au.keyFrame = true
			hasSlice = true
		case codec.NALUnitTypeSlice:
			hasSlice = true
		}
	}
}

// startsAccessUnit reports whether u opens a new access unit once the
// current one already holds a slice
func startsAccessUnit(u []byte) bool {
	switch u[0] & 0x1F {
	case codec.NALUnitTypeAUD, codec.NALUnitTypeSEI, codec.NALUnitTypeSPS, codec.NALUnitTypePPS:
		return true
	case codec.NALUnitTypeSlice, codec.NALUnitTypeIDR:
		// first_mb_in_slice == 0 is coded as a single 1 bit
		return len(u) > 1 && u[1]&0x80 != 0
	}
	return false
}
