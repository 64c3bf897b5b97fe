package havoc

import (
	"encoding/binary"
	"math/rand"
)

// Handler returns a mutated copy of data. The input is never modified.
type Handler func(r *rand.Rand, data []byte) []byte

const arithMax = 35

var (
	interesting8  = []int8{-128, -1, 0, 1, 16, 32, 64, 100, 127}
	interesting16 = []int16{-32768, -129, 128, 255, 256, 512, 1000, 1024, 4096, 32767}
	interesting32 = []int32{-2147483648, -100663046, -32769, 32768, 65535, 65536, 100663045, 2147483647}
)

func init() {
	for _, v := range interesting8 {
		interesting16 = append(interesting16, int16(v))
	}
	for _, v := range interesting16 {
		interesting32 = append(interesting32, int32(v))
	}
}

// NewHandlerSet builds the handler pool of a campaign. The dictionary
// handlers are part of the pool when a dictionary is loaded or redqueen is on.
func NewHandlerSet(dict [][]byte, redqueen bool) []Handler {
	handlers := []Handler{
		BitFlip,
		Interesting8,
		Interesting16,
		Interesting32,
		Arith8,
		Arith16,
		Arith32,
		RandomByte,
		DeleteBlock,
		DeleteBlock, // AFL gives deletion twice the weight to keep inputs small
		CloneBlock,
		OverwriteBlock,
	}
	if len(dict) > 0 || redqueen {
		handlers = append(handlers, DictInsert(dict), DictReplace(dict))
	}
	return handlers
}

func clone(data []byte) []byte {
	out := make([]byte, len(data))
	copy(out, data)
	return out
}

func randByteOrder(r *rand.Rand) binary.ByteOrder {
	if r.Intn(2) == 0 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// chooseLen picks a block length in [1, n], preferring short blocks.
func chooseLen(r *rand.Rand, n int) int {
	switch x := r.Intn(100); {
	case x < 90:
		return r.Intn(min(8, n)) + 1
	case x < 99:
		return r.Intn(min(32, n)) + 1
	default:
		return r.Intn(n) + 1
	}
}

// randSlice returns a random window of n bytes of b, or nil if b is shorter.
func randSlice(r *rand.Rand, b []byte, n int) []byte {
	if len(b) < n {
		return nil
	}
	off := r.Intn(len(b) - n + 1)
	return b[off : off+n]
}

// insert returns data with block inserted at pos.
func insert(data []byte, pos int, block []byte) []byte {
	out := make([]byte, 0, len(data)+len(block))
	out = append(out, data[:pos]...)
	out = append(out, block...)
	return append(out, data[pos:]...)
}

func BitFlip(r *rand.Rand, data []byte) []byte {
	res := clone(data)
	if len(res) == 0 {
		return res
	}
	pos := r.Intn(len(res))
	res[pos] ^= 1 << r.Intn(8)
	return res
}

func Interesting8(r *rand.Rand, data []byte) []byte {
	res := clone(data)
	if len(res) == 0 {
		return res
	}
	res[r.Intn(len(res))] = byte(interesting8[r.Intn(len(interesting8))])
	return res
}

func Interesting16(r *rand.Rand, data []byte) []byte {
	res := clone(data)
	if buf := randSlice(r, res, 2); buf != nil {
		randByteOrder(r).PutUint16(buf, uint16(interesting16[r.Intn(len(interesting16))]))
	}
	return res
}

func Interesting32(r *rand.Rand, data []byte) []byte {
	res := clone(data)
	if buf := randSlice(r, res, 4); buf != nil {
		randByteOrder(r).PutUint32(buf, uint32(interesting32[r.Intn(len(interesting32))]))
	}
	return res
}

func Arith8(r *rand.Rand, data []byte) []byte {
	res := clone(data)
	if len(res) == 0 {
		return res
	}
	pos := r.Intn(len(res))
	v := byte(r.Intn(arithMax) + 1)
	if r.Intn(2) == 0 {
		res[pos] += v
	} else {
		res[pos] -= v
	}
	return res
}

func Arith16(r *rand.Rand, data []byte) []byte {
	res := clone(data)
	if buf := randSlice(r, res, 2); buf != nil {
		v := uint16(r.Intn(arithMax) + 1)
		if r.Intn(2) == 0 {
			v = ^(v - 1)
		}
		enc := randByteOrder(r)
		enc.PutUint16(buf, enc.Uint16(buf)+v)
	}
	return res
}

func Arith32(r *rand.Rand, data []byte) []byte {
	res := clone(data)
	if buf := randSlice(r, res, 4); buf != nil {
		v := uint32(r.Intn(arithMax) + 1)
		if r.Intn(2) == 0 {
			v = ^(v - 1)
		}
		enc := randByteOrder(r)
		enc.PutUint32(buf, enc.Uint32(buf)+v)
	}
	return res
}

// RandomByte sets a byte to a different random value.
func RandomByte(r *rand.Rand, data []byte) []byte {
	res := clone(data)
	if len(res) == 0 {
		return res
	}
	res[r.Intn(len(res))] ^= byte(r.Intn(255)) + 1
	return res
}

func DeleteBlock(r *rand.Rand, data []byte) []byte {
	if len(data) <= 1 {
		return clone(data)
	}
	pos := r.Intn(len(data))
	n := chooseLen(r, len(data)-pos)
	res := make([]byte, 0, len(data)-n)
	res = append(res, data[:pos]...)
	return append(res, data[pos+n:]...)
}

// CloneBlock inserts either a copy of an existing block or a block of one
// repeated byte.
func CloneBlock(r *rand.Rand, data []byte) []byte {
	pos := r.Intn(len(data) + 1)
	var block []byte
	if len(data) > 0 && r.Intn(4) != 0 {
		src := r.Intn(len(data))
		block = clone(data[src : src+chooseLen(r, len(data)-src)])
	} else {
		block = make([]byte, chooseLen(r, 32))
		v := byte(r.Intn(256))
		for i := range block {
			block[i] = v
		}
	}
	return insert(data, pos, block)
}

// OverwriteBlock copies a block of data over another position of itself.
func OverwriteBlock(r *rand.Rand, data []byte) []byte {
	res := clone(data)
	if len(res) <= 1 {
		return res
	}
	src := r.Intn(len(res))
	dst := r.Intn(len(res))
	n := chooseLen(r, len(res)-max(src, dst))
	copy(res[dst:dst+n], data[src:src+n])
	return res
}

func DictInsert(dict [][]byte) Handler {
	return func(r *rand.Rand, data []byte) []byte {
		if len(dict) == 0 {
			return clone(data)
		}
		token := dict[r.Intn(len(dict))]
		return insert(data, r.Intn(len(data)+1), token)
	}
}

func DictReplace(dict [][]byte) Handler {
	return func(r *rand.Rand, data []byte) []byte {
		res := clone(data)
		if len(dict) == 0 {
			return res
		}
		token := dict[r.Intn(len(dict))]
		if len(token) > len(res) {
			return res
		}
		copy(res[r.Intn(len(res)-len(token)+1):], token)
		return res
	}
}
