package pipeline

import (
	"errors"
	"testing"
	"time"

	"github.com/stm32uartprog/stm32uartprog/internal/bootloader"
	"github.com/stm32uartprog/stm32uartprog/internal/config"
	"github.com/stm32uartprog/stm32uartprog/internal/flash"
	"github.com/stm32uartprog/stm32uartprog/internal/hexfile"
)

func TestStatusString(t *testing.T) {
	cases := map[Status]string{
		Undefined: "Undefined",
		Success:   "Success",
		Warning:   "Warning",
		Fail:      "Fail",
	}
	for status, want := range cases {
		if got := status.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", status, got, want)
		}
	}
}

func TestRetrySucceedsWithoutExhaustingAttempts(t *testing.T) {
	calls := 0
	err := retry(5, time.Microsecond, func() error {
		calls++
		if calls == 2 {
			return nil
		}
		return errors.New("not yet")
	})
	if err != nil {
		t.Fatalf("retry returned error: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestRetryReturnsLastErrorAfterExhausting(t *testing.T) {
	calls := 0
	err := retry(3, time.Microsecond, func() error {
		calls++
		return errors.New("attempt failed")
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestChunksForSectors(t *testing.T) {
	if got := ChunksForSectors([]int{0}); got != 64 {
		t.Errorf("ChunksForSectors([0]) = %d, want 64 (16KiB / 256B)", got)
	}
	if got := ChunksForSectors([]int{4}); got != 256 {
		t.Errorf("ChunksForSectors([4]) = %d, want 256 (64KiB / 256B)", got)
	}
}

// fakeLink satisfies the pipeline's link interface without a real UART.
type fakeLink struct{}

func (fakeLink) ResetInput()                              {}
func (fakeLink) ResetOutput()                              {}
func (fakeLink) SetBaud(int) error                         { return nil }
func (fakeLink) Send([]byte) error                         { return nil }
func (fakeLink) Recv(int, *time.Duration) []byte           { return nil }
func (fakeLink) Timeout() time.Duration                    { return 0 }
func (fakeLink) SetTimeout(time.Duration) error            { return nil }

// fakeEngine scripts EraseSector across calls, always writes successfully
// and reads back all-0xFF bytes (so only blank chunks verify), letting
// tests isolate the erase-retry path.
type fakeEngine struct {
	eraseResults []bool // eraseResults[n] is the outcome of the n-th EraseSector call
	eraseCalls   int
}

func (f *fakeEngine) SetTargetID(uint16)                   {}
func (f *fakeEngine) Activate() bool                       { return false }
func (f *fakeEngine) GetCommands() []byte                  { return nil }
func (f *fakeEngine) GetPID() (uint32, bool)                { return 0, false }
func (f *fakeEngine) StartApplication(uint32) bool          { return true }
func (f *fakeEngine) Resync() bool                          { return true }
func (f *fakeEngine) ReassertActivation() bool               { return true }

func (f *fakeEngine) EraseSector(int) bool {
	ok := false
	if f.eraseCalls < len(f.eraseResults) {
		ok = f.eraseResults[f.eraseCalls]
	}
	f.eraseCalls++
	return ok
}

func (f *fakeEngine) WriteMem(addr uint32, data []byte) bool { return true }
func (f *fakeEngine) ReadMem(addr uint32, size int) []byte {
	return bytes2(size)
}

func bytes2(size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = hexfile.PadByte
	}
	return b
}

// failingWriteEngine erases cleanly every time but never writes, so
// every sector attempt exhausts AttemptsErase with some chunks credited
// and then rolled back.
type failingWriteEngine struct {
	fakeEngine
}

func (f *failingWriteEngine) WriteMem(addr uint32, data []byte) bool { return false }

// fakeSink records every Add delta so a test can assert on rollback.
type fakeSink struct {
	adds []int
}

func (s *fakeSink) SetTotal(int)               {}
func (s *fakeSink) Add(delta int)              { s.adds = append(s.adds, delta) }
func (s *fakeSink) SetContext(int, int, int)   {}
func (s *fakeSink) Writeln(string)             {}

func (s *fakeSink) net() int {
	total := 0
	for _, d := range s.adds {
		total += d
	}
	return total
}

// blankImage builds a fully blank (all-0xFF) image spanning sector 0.
func blankImage(t *testing.T) *hexfile.Image {
	t.Helper()
	geom := flash.Sectors[0]
	data := make([]byte, geom.Size)
	for i := range data {
		data[i] = hexfile.PadByte
	}
	return &hexfile.Image{
		Data:        data,
		MinAddr:     geom.Start,
		MaxAddr:     geom.Start + geom.Size - 1,
		UsedSectors: []int{0},
	}
}

func TestProgramSectorRetriesEraseThenSucceeds(t *testing.T) {
	img := blankImage(t)
	cfg := &config.Config{AttemptsErase: 3, AttemptsCmd: 2}
	eng := &fakeEngine{eraseResults: []bool{false, true}}
	sink := &fakeSink{}
	p := New(fakeLink{}, eng, nil, cfg, img, sink, nil)

	warn := false
	status := p.programSector(1, 0, 1, 1, &warn)

	if status != Success {
		t.Fatalf("status = %v, want Success", status)
	}
	if eng.eraseCalls != 2 {
		t.Errorf("eraseCalls = %d, want 2 (one failure, one success)", eng.eraseCalls)
	}
	if !warn {
		t.Error("expected warnDetected to be set after the failed erase attempt")
	}
	wantChunks := int(flash.Sectors[0].Size) / bootloader.ChunkSize
	if got := sink.net(); got != wantChunks {
		t.Errorf("sink net credit = %d, want %d", got, wantChunks)
	}
}

func TestProgramSectorRollsBackCreditOnPersistentWriteFailure(t *testing.T) {
	geom := flash.Sectors[0]
	data := make([]byte, geom.Size)
	for i := range data {
		data[i] = hexfile.PadByte
	}
	// Chunk index 3 is non-blank, so it must go through WriteMem/ReadMem
	// rather than being auto-credited as blank.
	data[3*bootloader.ChunkSize] = 0x01
	img := &hexfile.Image{
		Data:        data,
		MinAddr:     geom.Start,
		MaxAddr:     geom.Start + geom.Size - 1,
		UsedSectors: []int{0},
	}

	cfg := &config.Config{AttemptsErase: 2, AttemptsCmd: 1}
	eng := &failingWriteEngine{fakeEngine: fakeEngine{eraseResults: []bool{true, true}}}
	sink := &fakeSink{}
	p := New(fakeLink{}, eng, nil, cfg, img, sink, nil)

	warn := false
	status := p.programSector(1, 0, 1, 1, &warn)

	if status != Fail {
		t.Fatalf("status = %v, want Fail", status)
	}
	if eng.eraseCalls != cfg.AttemptsErase {
		t.Errorf("eraseCalls = %d, want %d (erase exhausted)", eng.eraseCalls, cfg.AttemptsErase)
	}
	// Each erase attempt credits chunks 0-2 (blank) before chunk 3 fails
	// to write, then rolls all three back: net credit must return to 0.
	if got := sink.net(); got != 0 {
		t.Errorf("sink net credit = %d, want 0 (fully rolled back)", got)
	}
	foundRollback := false
	for _, d := range sink.adds {
		if d == -3 {
			foundRollback = true
		}
	}
	if !foundRollback {
		t.Errorf("expected a -3 rollback add among %v", sink.adds)
	}
}
