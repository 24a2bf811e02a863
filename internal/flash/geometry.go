// Package flash describes the flash sector geometry of the supported
// device family and maps addresses onto sector indices.
package flash

// Sector is one erase unit of the flash array: a fixed start address and
// size in bytes.
type Sector struct {
	Start uint32
	Size  uint32
}

// End returns the address one past the last byte of the sector.
func (s Sector) End() uint32 {
	return s.Start + s.Size
}

// Sectors is the fixed geometry for the supported device family: four
// 16KiB sectors, one 64KiB sector, then seven 128KiB sectors, starting
// at 0x08000000.
var Sectors = buildSectors()

func buildSectors() []Sector {
	const base uint32 = 0x08000000
	sectors := make([]Sector, 0, 12)
	for i := 0; i < 4; i++ {
		sectors = append(sectors, Sector{Start: base + uint32(i)*0x4000, Size: 16 * 1024})
	}
	sectors = append(sectors, Sector{Start: 0x08010000, Size: 64 * 1024})
	for i := 0; i < 7; i++ {
		sectors = append(sectors, Sector{Start: 0x08020000 + uint32(i)*0x20000, Size: 128 * 1024})
	}
	return sectors
}

// IndexForAddress returns the sector index containing addr, or -1 if addr
// falls outside every sector.
func IndexForAddress(addr uint32) int {
	for i, s := range Sectors {
		if addr >= s.Start && addr < s.End() {
			return i
		}
	}
	return -1
}

// LastAddress returns the address of the last byte of the final sector,
// i.e. the inclusive upper bound an image's max address must not exceed.
func LastAddress() uint32 {
	return Sectors[len(Sectors)-1].End() - 1
}
