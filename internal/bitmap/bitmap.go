// Package bitmap models coverage maps: the campaign-wide GlobalMap shared by
// all workers and the per-execution LocalMap produced by the backend.
package bitmap

import (
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

var ErrSizeMismatch = errors.New("bitmap size mismatch")

// LocalMap is the coverage of a single execution after count classing.
type LocalMap []byte

// GlobalMap is a fixed-size coverage map addressed in little-endian 32-bit
// words. Bits are only ever added, with an atomic OR per word.
type GlobalMap interface {
	// Size is the map size in bytes, as configured for the campaign.
	Size() int
	Load(word int) uint32
	// Or merges v into the given word and returns the previous value.
	Or(word int, v uint32) uint32
}

// wordCount is the number of 32-bit words needed to hold size bytes.
func wordCount(size int) int {
	return (size + 3) / 4
}

// localWord packs local[4w:4w+4] into a little-endian word, zero padded past the end.
func localWord(local LocalMap, w int) uint32 {
	var v uint32
	base := w * 4
	for i := 0; i < 4 && base+i < len(local); i++ {
		v |= uint32(local[base+i]) << (8 * i)
	}
	return v
}

// Coverage lists the positions where a local map extended the global map.
// NewBytes holds bytes that were zero in the global map, NewBits bytes that
// were already touched but gained bits.
type Coverage struct {
	NewBytes map[int]byte
	NewBits  map[int]byte
}

func (c Coverage) Empty() bool {
	return len(c.NewBytes) == 0 && len(c.NewBits) == 0
}

// Storage decides novelty against a GlobalMap.
type Storage struct {
	global GlobalMap
}

func NewStorage(global GlobalMap) *Storage {
	return &Storage{global}
}

func (s *Storage) Size() int {
	return s.global.Size()
}

func (s *Storage) checkSize(local LocalMap) error {
	if len(local) != s.global.Size() {
		return fmt.Errorf("%w: local %d, global %d", ErrSizeMismatch, len(local), s.global.Size())
	}
	return nil
}

// ShouldSendToMaster reports whether local sets at least one bit that is not
// in the global map yet. It never modifies the global map.
func (s *Storage) ShouldSendToMaster(local LocalMap) (bool, error) {
	if err := s.checkSize(local); err != nil {
		return false, err
	}
	for w := range wordCount(len(local)) {
		lw := localWord(local, w)
		if lw == 0 {
			continue
		}
		if lw&^s.global.Load(w) != 0 {
			return true, nil
		}
	}
	return false, nil
}

// NewCoverage computes which bytes of local are new relative to the global map.
func (s *Storage) NewCoverage(local LocalMap) (Coverage, error) {
	cov := Coverage{map[int]byte{}, map[int]byte{}}
	if err := s.checkSize(local); err != nil {
		return cov, err
	}
	for w := range wordCount(len(local)) {
		lw := localWord(local, w)
		if lw == 0 {
			continue
		}
		gw := s.global.Load(w)
		for b := range 4 {
			idx := w*4 + b
			lb, gb := byte(lw>>(8*b)), byte(gw>>(8*b))
			if lb&^gb == 0 {
				continue
			}
			if gb == 0 {
				cov.NewBytes[idx] = lb
			} else {
				cov.NewBits[idx] = lb
			}
		}
	}
	return cov, nil
}

// Merge ORs local into the global map and returns the number of bytes that
// gained at least one bit. Merging the same map twice returns 0 the second time.
func (s *Storage) Merge(local LocalMap) (int, error) {
	if err := s.checkSize(local); err != nil {
		return 0, err
	}
	changed := 0
	for w := range wordCount(len(local)) {
		lw := localWord(local, w)
		if lw == 0 {
			continue
		}
		old := s.global.Or(w, lw)
		fresh := lw &^ old
		for b := range 4 {
			if byte(fresh>>(8*b)) != 0 {
				changed++
			}
		}
	}
	return changed, nil
}

// CountBytes returns the number of non-zero bytes in the global map.
func (s *Storage) CountBytes() int {
	n := 0
	size := s.global.Size()
	for w := range wordCount(size) {
		gw := s.global.Load(w)
		for b := 0; b < 4 && w*4+b < size; b++ {
			if byte(gw>>(8*b)) != 0 {
				n++
			}
		}
	}
	return n
}

// AttributedBits converts per-byte attribution maps into bit positions
// (byte index * 8 + bit).
func AttributedBits(sets ...map[int]byte) *bitset.BitSet {
	bits := bitset.New(0)
	for _, set := range sets {
		for idx, val := range set {
			if idx < 0 {
				continue
			}
			for b := range 8 {
				if val&(1<<b) != 0 {
					bits.Set(uint(idx*8 + b))
				}
			}
		}
	}
	return bits
}

// AllNewBitsStillSet reports whether every attributed bit position is set in
// local. It is vacuously true for an empty or nil set.
func AllNewBitsStillSet(attributed *bitset.BitSet, local LocalMap) bool {
	if attributed == nil {
		return true
	}
	for i, ok := attributed.NextSet(0); ok; i, ok = attributed.NextSet(i + 1) {
		idx := int(i / 8)
		if idx >= len(local) {
			return false
		}
		if local[idx]&(1<<(i%8)) == 0 {
			return false
		}
	}
	return true
}
