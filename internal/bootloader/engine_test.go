package bootloader

import (
	"bytes"
	"testing"
	"time"
)

// fakeTransport scripts Recv responses in order and records every Send,
// standing in for *serialport.Link in wire-level protocol tests.
type fakeTransport struct {
	recvQueue [][]byte
	sent      [][]byte
	timeout   time.Duration
}

func (f *fakeTransport) Send(data []byte) error {
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) Recv(size int, stallTimeout *time.Duration) []byte {
	if len(f.recvQueue) == 0 {
		return nil
	}
	r := f.recvQueue[0]
	f.recvQueue = f.recvQueue[1:]
	return r
}

func (f *fakeTransport) ResetInput()                         {}
func (f *fakeTransport) Timeout() time.Duration               { return f.timeout }
func (f *fakeTransport) SetTimeout(timeout time.Duration) error { f.timeout = timeout; return nil }
func (f *fakeTransport) Reconnect(cause error)                {}

func TestGetPIDRoundTrip(t *testing.T) {
	ft := &fakeTransport{recvQueue: [][]byte{
		{ACK},                       // ack for the command frame
		{0x03},                      // length byte: 3 -> 4 payload bytes
		{0x00, 0x00, 0x04, 0x13},    // PID payload, big-endian 0x0413
		{ACK},                       // trailing ack
	}}
	e := New(ft, nil)

	pid, ok := e.GetPID()
	if !ok {
		t.Fatal("GetPID reported failure")
	}
	if pid != 0x0413 {
		t.Errorf("pid = 0x%04X, want 0x0413", pid)
	}
	if len(ft.sent) != 1 {
		t.Fatalf("expected exactly one command frame sent, got %d", len(ft.sent))
	}
	want := []byte{CmdGetID, CmdGetID ^ 0xFF}
	if !bytes.Equal(ft.sent[0], want) {
		t.Errorf("sent frame = % X, want % X", ft.sent[0], want)
	}
}

func TestGetCommandsRoundTrip(t *testing.T) {
	ft := &fakeTransport{recvQueue: [][]byte{
		{ACK},
		{0x02},                                     // length byte: 2 -> 3 bytes follow
		{0x10, CmdGet, CmdWriteMemory},
		{ACK},
	}}
	e := New(ft, nil)

	cmds := e.GetCommands()
	want := []byte{0x10, CmdGet, CmdWriteMemory}
	if !bytes.Equal(cmds, want) {
		t.Errorf("GetCommands = % X, want % X", cmds, want)
	}
}

func TestGetPIDFailsOnNACK(t *testing.T) {
	// Each failed ack is followed by one ProbeBootloader resync attempt;
	// a non-empty byte there lets the probe return immediately instead
	// of riding out its full timeout.
	ft := &fakeTransport{recvQueue: [][]byte{
		{NACK}, {0x00},
		{NACK}, {0x00},
		{NACK}, {0x00},
	}}
	e := New(ft, nil)

	if _, ok := e.GetPID(); ok {
		t.Error("expected GetPID to fail after exhausting command retries on NACK")
	}
	// ft.sent also holds the 0xFF probe byte of each resync; count only
	// the GET_ID command frames.
	cmdFrames := 0
	for _, s := range ft.sent {
		if bytes.Equal(s, []byte{CmdGetID, CmdGetID ^ 0xFF}) {
			cmdFrames++
		}
	}
	if cmdFrames != sendCommandRetries {
		t.Errorf("expected %d retry attempts, got %d", sendCommandRetries, cmdFrames)
	}
}

func TestChecksumXOR(t *testing.T) {
	if got := checksumXOR([]byte{0x08, 0x00, 0x00, 0x00}); got != 0x08 {
		t.Errorf("checksumXOR = 0x%02X, want 0x08", got)
	}
	if got := checksumXOR([]byte{0xFF, 0xFF}); got != 0x00 {
		t.Errorf("checksumXOR = 0x%02X, want 0x00", got)
	}
}

func TestSupportsRequiredCommands(t *testing.T) {
	full := append([]byte{0x10}, CommandSet...) // leading protocol-version byte
	if !SupportsRequiredCommands(full) {
		t.Error("expected full command set to satisfy requirement")
	}
	missing := []byte{0x10, CmdGet, CmdGetID, CmdReadMemory, CmdGo, CmdWriteMemory}
	if SupportsRequiredCommands(missing) {
		t.Error("expected missing EXTENDED_ERASE to fail requirement")
	}
	if SupportsRequiredCommands(nil) {
		t.Error("expected empty command list to fail requirement")
	}
}

func TestIsSupportedDeviceID(t *testing.T) {
	if !IsSupportedDeviceID(0x0413) {
		t.Error("expected 0x0413 to be supported")
	}
	if IsSupportedDeviceID(0xFFFF) {
		t.Error("expected 0xFFFF to be unsupported")
	}
}

func TestOpcodeName(t *testing.T) {
	if OpcodeName(CmdGet) != "get" {
		t.Errorf("OpcodeName(CmdGet) = %q, want %q", OpcodeName(CmdGet), "get")
	}
	if OpcodeName(0x99) != "0x99" {
		t.Errorf("OpcodeName(0x99) = %q, want %q", OpcodeName(0x99), "0x99")
	}
}

func TestCommandSetExcludesActivation(t *testing.T) {
	for _, c := range CommandSet {
		if c == ActivateByte {
			t.Error("CommandSet must not include the 0x7F activation byte: it is not opcode-framed and never appears in a GET response")
		}
	}
}
