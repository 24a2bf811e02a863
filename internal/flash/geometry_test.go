package flash

import "testing"

func TestIndexForAddress(t *testing.T) {
	cases := []struct {
		addr uint32
		want int
	}{
		{0x08000000, 0},
		{0x08003FFF, 0},
		{0x08004000, 1},
		{0x08010000, 4},
		{0x08020000, 5},
		{0x080FFFFF, 11},
		{0x08100000, -1},
		{0x07FFFFFF, -1},
	}
	for _, c := range cases {
		if got := IndexForAddress(c.addr); got != c.want {
			t.Errorf("IndexForAddress(0x%08X) = %d, want %d", c.addr, got, c.want)
		}
	}
}

func TestLastAddress(t *testing.T) {
	last := Sectors[len(Sectors)-1]
	want := last.Start + last.Size - 1
	if got := LastAddress(); got != want {
		t.Errorf("LastAddress() = 0x%08X, want 0x%08X", got, want)
	}
}

func TestSectorCountAndSize(t *testing.T) {
	if len(Sectors) != 12 {
		t.Fatalf("expected 12 sectors, got %d", len(Sectors))
	}
	var total uint32
	for _, s := range Sectors {
		total += s.Size
	}
	const want = 4*16*1024 + 64*1024 + 7*128*1024
	if total != want {
		t.Errorf("total flash size = %d, want %d", total, want)
	}
}
