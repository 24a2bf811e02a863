// Package hexfile parses Intel-HEX firmware images into a contiguous,
// 0xFF-padded byte image plus the flash sectors it occupies.
package hexfile

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/marcinbor85/gohex"

	"github.com/stm32uartprog/stm32uartprog/internal/flash"
)

// PadByte is the value used to fill gaps in the assembled image.
const PadByte = 0xFF

// Image is an immutable, fully assembled firmware image.
type Image struct {
	Data        []byte // data[0] corresponds to address MinAddr
	MinAddr     uint32
	MaxAddr     uint32
	UsedSectors []int
}

// Load reads an Intel-HEX file at path and assembles it into an Image,
// validating it against the flash geometry (P1).
func Load(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("hexfile: open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse assembles an Image from an Intel-HEX stream. Record parsing
// (data/EOF/extended-segment/extended-linear, checksums) is delegated to
// gohex; assembly into a contiguous, sector-validated image is ours.
func Parse(r io.Reader) (*Image, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, fmt.Errorf("hexfile: %w", err)
	}

	segments := mem.GetDataSegments()
	if len(segments) == 0 {
		return nil, fmt.Errorf("hexfile: contains no data")
	}

	sparse := map[uint32]byte{}
	for _, seg := range segments {
		for i, b := range seg.Data {
			sparse[seg.Address+uint32(i)] = b
		}
	}

	return assemble(sparse)
}

func assemble(sparse map[uint32]byte) (*Image, error) {
	addrs := make([]uint32, 0, len(sparse))
	for a := range sparse {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	minAddr := addrs[0]
	maxAddr := addrs[len(addrs)-1]

	if maxAddr > flash.LastAddress() {
		return nil, fmt.Errorf("hexfile: content is out of target's ROM boundaries (max addr 0x%08X > 0x%08X)", maxAddr, flash.LastAddress())
	}
	if minAddr < flash.Sectors[0].Start {
		return nil, fmt.Errorf("hexfile: content starts below flash base (min addr 0x%08X < 0x%08X)", minAddr, flash.Sectors[0].Start)
	}

	data := make([]byte, maxAddr-minAddr+1)
	for i := range data {
		data[i] = PadByte
	}
	for addr, b := range sparse {
		data[addr-minAddr] = b
	}

	usedSet := map[int]struct{}{}
	for _, addr := range addrs {
		if idx := flash.IndexForAddress(addr); idx >= 0 {
			usedSet[idx] = struct{}{}
		}
	}
	if len(usedSet) == 0 {
		return nil, fmt.Errorf("hexfile: doesn't map to any flash sectors")
	}
	used := make([]int, 0, len(usedSet))
	for idx := range usedSet {
		used = append(used, idx)
	}
	sort.Ints(used)

	return &Image{
		Data:        data,
		MinAddr:     minAddr,
		MaxAddr:     maxAddr,
		UsedSectors: used,
	}, nil
}

// Chunk returns a size-byte slice starting at addr, 0xFF-padded for any
// portion that falls outside [MinAddr, MaxAddr] — a sector can extend
// beyond the image's occupied range at its edges.
func (img *Image) Chunk(addr uint32, size int) []byte {
	out := make([]byte, size)
	for i := range out {
		out[i] = PadByte
	}
	end := addr + uint32(size)
	lo, hi := addr, end
	if lo < img.MinAddr {
		lo = img.MinAddr
	}
	if hi > img.MaxAddr+1 {
		hi = img.MaxAddr + 1
	}
	if lo < hi {
		copy(out[lo-addr:], img.Data[lo-img.MinAddr:hi-img.MinAddr])
	}
	return out
}

// AllBlank reports whether every byte in chunk is the pad byte (P7).
func AllBlank(chunk []byte) bool {
	for _, b := range chunk {
		if b != PadByte {
			return false
		}
	}
	return true
}
