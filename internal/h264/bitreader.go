package h264

import "errors"

var errEndOfData = errors.New("h264: read past end of RBSP")

// bitReader reads an RBSP most significant bit first. The first error is
// sticky: every later read returns zero and err keeps the original failure.
type bitReader struct {
	data []byte
	pos  int // bit offset
	err  error
}

func newBitReader(rbsp []byte) *bitReader {
	return &bitReader{data: rbsp}
}

func (br *bitReader) remaining() int {
	return len(br.data)*8 - br.pos
}

func (br *bitReader) u(n int) uint32 {
	if br.err != nil {
		return 0
	}
	if n < 0 || n > 32 || br.remaining() < n {
		br.err = errEndOfData
		return 0
	}
	var v uint32
	for i := 0; i < n; i++ {
		b := br.data[br.pos>>3] >> (7 - uint(br.pos&7)) & 1
		v = v<<1 | uint32(b)
		br.pos++
	}
	return v
}

func (br *bitReader) flag() bool {
	return br.u(1) == 1
}

func (br *bitReader) skip(n int) {
	for n > 32 {
		br.u(32)
		n -= 32
	}
	br.u(n)
}

// ue reads an unsigned Exp-Golomb value.
func (br *bitReader) ue() uint32 {
	zeros := 0
	for br.err == nil && br.u(1) == 0 {
		zeros++
		if zeros > 31 {
			br.err = errors.New("h264: exp-golomb prefix too long")
			return 0
		}
	}
	if br.err != nil {
		return 0
	}
	return (1<<zeros - 1) + br.u(zeros)
}

// se reads a signed Exp-Golomb value.
func (br *bitReader) se() int32 {
	k := br.ue()
	if k&1 == 1 {
		return int32((k + 1) / 2)
	}
	return -int32(k / 2)
}
