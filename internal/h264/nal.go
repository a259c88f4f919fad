// Package h264 inspects H.264 Annex-B elementary streams: NAL unit
// splitting and the sequence parameter set fields needed to size pictures.
package h264

import "bytes"

// NALType is the nal_unit_type of a NAL unit header.
type NALType uint8

const (
	NALSlice NALType = 1
	NALIDR   NALType = 5
	NALSEI   NALType = 6
	NALSPS   NALType = 7
	NALPPS   NALType = 8
	NALAUD   NALType = 9
)

func (t NALType) String() string {
	switch t {
	case NALSlice:
		return "slice"
	case NALIDR:
		return "idr"
	case NALSEI:
		return "sei"
	case NALSPS:
		return "sps"
	case NALPPS:
		return "pps"
	case NALAUD:
		return "aud"
	}
	return "other"
}

// TypeOf returns the type of a NAL unit given without its start code.
func TypeOf(nal []byte) NALType {
	if len(nal) == 0 {
		return 0
	}
	return NALType(nal[0] & 0x1f)
}

var startCode = []byte{0, 0, 1}

// SplitAnnexB returns the NAL units of an Annex-B byte stream without their
// start codes. Leading bytes before the first start code are ignored.
func SplitAnnexB(b []byte) [][]byte {
	var nals [][]byte
	i := bytes.Index(b, startCode)
	if i < 0 {
		return nil
	}
	b = b[i+3:]
	for len(b) > 0 {
		next := bytes.Index(b, startCode)
		if next < 0 {
			nals = appendNAL(nals, b)
			break
		}
		nal := b[:next]
		// a 4 byte start code leaves its leading zero on the previous unit
		if len(nal) > 0 && nal[len(nal)-1] == 0 {
			nal = nal[:len(nal)-1]
		}
		nals = appendNAL(nals, nal)
		b = b[next+3:]
	}
	return nals
}

func appendNAL(nals [][]byte, nal []byte) [][]byte {
	// trailing_zero_8bits
	nal = bytes.TrimRight(nal, "\x00")
	if len(nal) == 0 {
		return nals
	}
	return append(nals, nal)
}

// ContainsType reports whether the Annex-B stream holds a unit of type t.
func ContainsType(b []byte, t NALType) bool {
	for _, nal := range SplitAnnexB(b) {
		if TypeOf(nal) == t {
			return true
		}
	}
	return false
}

// FindSPS returns the first SPS unit of an Annex-B stream, or nil.
func FindSPS(b []byte) []byte {
	for _, nal := range SplitAnnexB(b) {
		if TypeOf(nal) == NALSPS {
			return nal
		}
	}
	return nil
}

// AnnexB joins NAL units with 4 byte start codes.
func AnnexB(nals ...[]byte) []byte {
	var out []byte
	for _, nal := range nals {
		out = append(out, 0, 0, 0, 1)
		out = append(out, nal...)
	}
	return out
}

// unescapeRBSP strips emulation prevention bytes: the 0x03 in 00 00 03 xx
// when xx is 0x00 through 0x03, or at the end of the unit.
func unescapeRBSP(nal []byte) []byte {
	out := make([]byte, 0, len(nal))
	zeros := 0
	for i, b := range nal {
		if zeros >= 2 && b == 3 && (i+1 == len(nal) || nal[i+1] <= 3) {
			zeros = 0
			continue
		}
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
		out = append(out, b)
	}
	return out
}

// escapeRBSP inserts emulation prevention bytes.
func escapeRBSP(rbsp []byte) []byte {
	out := make([]byte, 0, len(rbsp)+len(rbsp)/64)
	zeros := 0
	for _, b := range rbsp {
		if zeros >= 2 && b <= 3 {
			out = append(out, 3)
			zeros = 0
		}
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
		out = append(out, b)
	}
	return out
}
