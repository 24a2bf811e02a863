// Package bootloader implements the byte-exact ROM bootloader protocol
// engine (spec §4.3): activation, GET, GET-ID, READ MEMORY, WRITE
// MEMORY, EXTENDED ERASE and GO, with per-command ACK, checksums, and
// explicit resync.
package bootloader

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Protocol-level constants (spec §4.3).
const (
	ActivateByte byte = 0x7F
	ACK          byte = 0x79
	NACK         byte = 0x1F
	ChunkSize         = 256

	CmdGet           byte = 0x00
	CmdGetID         byte = 0x02
	CmdReadMemory    byte = 0x11
	CmdGo            byte = 0x21
	CmdWriteMemory   byte = 0x31
	CmdExtendedErase byte = 0x44
)

// CommandSet is the set of opcodes a connected target must support.
var CommandSet = []byte{CmdGet, CmdGetID, CmdReadMemory, CmdGo, CmdWriteMemory, CmdExtendedErase}

// SupportedDeviceIDs lists the product IDs this design supports.
var SupportedDeviceIDs = []uint32{0x0413}

// IsSupportedDeviceID reports whether pid is in SupportedDeviceIDs.
func IsSupportedDeviceID(pid uint32) bool {
	for _, id := range SupportedDeviceIDs {
		if id == pid {
			return true
		}
	}
	return false
}

// sendCommandRetries bounds send_command's own internal retries,
// independent of the pipeline's attempts_cmd.
const sendCommandRetries = 3

// ackResyncTimeout is the probe timeout used by the ACK-failure resync
// path, distinct from probe_bootloader's general-purpose default.
const ackResyncTimeout = 500 * time.Millisecond

// defaultProbeTimeout and defaultProbeInterval are probe_bootloader's
// documented defaults.
const (
	defaultProbeTimeout  = 1 * time.Second
	defaultProbeInterval = 10 * time.Millisecond
)

// transport is the subset of *serialport.Link that the protocol engine
// drives. Declaring it here (rather than depending on serialport
// directly) keeps Engine testable against a scripted fake.
type transport interface {
	Send(data []byte) error
	Recv(size int, stallTimeout *time.Duration) []byte
	ResetInput()
	Timeout() time.Duration
	SetTimeout(timeout time.Duration) error
	Reconnect(cause error)
}

// Engine drives the bootloader protocol over a Serial Link. It caches no
// remote bootloader state across commands: every command is self
// contained.
type Engine struct {
	link       transport
	targetID   uint16
	log        logrus.FieldLogger
	FailedOnce bool // session-wide sticky flag; nothing in this module sets or reads it
}

func New(link transport, log logrus.FieldLogger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{link: link, log: log}
}

// SetTargetID records the current target ID for logging context.
func (e *Engine) SetTargetID(id uint16) { e.targetID = id }

func checksumXOR(b []byte) byte {
	var c byte
	for _, v := range b {
		c ^= v
	}
	return c
}

// readAck reads a single ACK byte. On any non-ACK (including an empty
// read), it resyncs, sleeps 50ms, drains input, and reports failure; the
// caller decides whether to retry.
func (e *Engine) readAck() bool {
	r := e.link.Recv(1, nil)
	if len(r) > 0 && r[0] == ACK {
		return true
	}
	e.ProbeBootloader(ackResyncTimeout, defaultProbeInterval)
	time.Sleep(50 * time.Millisecond)
	e.link.ResetInput()
	return false
}

// sendCommand transmits (opcode, opcode^0xFF) and awaits ACK, retrying
// the whole exchange up to sendCommandRetries times.
func (e *Engine) sendCommand(opcode byte) bool {
	for attempt := 0; attempt < sendCommandRetries; attempt++ {
		if err := e.link.Send([]byte{opcode, opcode ^ 0xFF}); err != nil {
			return false
		}
		if e.readAck() {
			return true
		}
		e.log.Warnf("target ID%d: command 0x%02X attempt %d failed", e.targetID, opcode, attempt+1)
	}
	e.log.Errorf("target ID%d: command 0x%02X NACK", e.targetID, opcode)
	return false
}

// Activate sends the 0x7F autobaud byte up to 5 times at 100ms
// intervals, returning true as soon as any byte is received. Never
// fails loudly: a transport error simply yields false.
func (e *Engine) Activate() bool {
	for i := 0; i < 5; i++ {
		if err := e.link.Send([]byte{ActivateByte}); err != nil {
			return false
		}
		time.Sleep(100 * time.Millisecond)
		if r := e.link.Recv(1, nil); len(r) > 0 {
			return true
		}
	}
	return false
}

// GetCommands returns the supported opcode list (including the leading
// protocol version byte), or nil on any framing failure.
func (e *Engine) GetCommands() []byte {
	if !e.sendCommand(CmdGet) {
		return nil
	}
	lenByte := e.link.Recv(1, nil)
	if len(lenByte) == 0 {
		return nil
	}
	n := int(lenByte[0]) + 1
	cmds := e.link.Recv(n, nil)
	if len(cmds) != n {
		return nil
	}
	e.readAck()
	return cmds
}

// SupportsRequiredCommands reports whether cmds is a non-empty superset
// of CommandSet.
func SupportsRequiredCommands(cmds []byte) bool {
	if len(cmds) == 0 {
		return false
	}
	present := map[byte]struct{}{}
	for _, c := range cmds {
		present[c] = struct{}{}
	}
	for _, want := range CommandSet {
		if _, ok := present[want]; !ok {
			return false
		}
	}
	return true
}

// GetPID returns the target's product ID, parsed as unsigned
// big-endian over the GET-ID payload bytes, or (0, false) on failure.
func (e *Engine) GetPID() (uint32, bool) {
	if !e.sendCommand(CmdGetID) {
		return 0, false
	}
	lenByte := e.link.Recv(1, nil)
	if len(lenByte) == 0 {
		return 0, false
	}
	n := int(lenByte[0]) + 1
	payload := e.link.Recv(n, nil)
	if len(payload) != n {
		return 0, false
	}
	e.readAck()
	var pid uint32
	for _, b := range payload {
		pid = pid<<8 | uint32(b)
	}
	return pid, true
}

// ReadMem reads size bytes (1..256) from addr, or nil on failure.
func (e *Engine) ReadMem(addr uint32, size int) []byte {
	if size < 1 || size > ChunkSize {
		return nil
	}
	if !e.sendCommand(CmdReadMemory) {
		return nil
	}
	a := make([]byte, 4)
	binary.BigEndian.PutUint32(a, addr)
	if err := e.link.Send(append(a, checksumXOR(a))); err != nil {
		return nil
	}
	if !e.readAck() {
		return nil
	}
	nMinus1 := byte(size - 1)
	if err := e.link.Send([]byte{nMinus1, nMinus1 ^ 0xFF}); err != nil {
		return nil
	}
	if !e.readAck() {
		return nil
	}
	return e.link.Recv(size, nil)
}

// WriteMem writes 1..256 bytes at addr, returning true on ACK.
func (e *Engine) WriteMem(addr uint32, data []byte) bool {
	if len(data) < 1 || len(data) > ChunkSize {
		return false
	}
	if !e.sendCommand(CmdWriteMemory) {
		return false
	}
	a := make([]byte, 4)
	binary.BigEndian.PutUint32(a, addr)
	if err := e.link.Send(append(a, checksumXOR(a))); err != nil {
		return false
	}
	if !e.readAck() {
		return false
	}
	nMinus1 := byte(len(data) - 1)
	payload := append([]byte{nMinus1}, data...)
	full := append(payload, checksumXOR(payload))
	if err := e.link.Send(full); err != nil {
		return false
	}
	return e.readAck()
}

// EraseSector erases one sector by index, returning true on ACK. A
// settle delay precedes the ACK read since erase can take time.
func (e *Engine) EraseSector(index int) bool {
	if !e.sendCommand(CmdExtendedErase) {
		return false
	}
	payload := make([]byte, 4)
	binary.BigEndian.PutUint16(payload[2:4], uint16(index)) // N=0 (one sector), then sector index
	if err := e.link.Send(append(payload, checksumXOR(payload))); err != nil {
		return false
	}
	time.Sleep(500 * time.Millisecond)
	return e.readAck()
}

// StartApplication sends GO to addr, returning true on ACK.
func (e *Engine) StartApplication(addr uint32) bool {
	if !e.sendCommand(CmdGo) {
		return false
	}
	a := make([]byte, 4)
	binary.BigEndian.PutUint32(a, addr)
	if err := e.link.Send(append(a, checksumXOR(a))); err != nil {
		return false
	}
	return e.readAck()
}

// ProbeBootloader repeatedly transmits 0xFF at interval until a response
// byte arrives or timeout elapses, temporarily shortening the link's
// read timeout to interval and restoring it on exit.
func (e *Engine) ProbeBootloader(timeout, interval time.Duration) bool {
	e.log.Warnf("target ID%d: resync requested", e.targetID)
	origTimeout := e.link.Timeout()
	if err := e.link.SetTimeout(interval); err != nil {
		return false
	}
	defer e.link.SetTimeout(origTimeout)

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := e.link.Send([]byte{0xFF}); err != nil {
			e.link.Reconnect(err)
			return false
		}
		if resp := e.link.Recv(1, nil); len(resp) > 0 {
			return true
		}
		time.Sleep(interval)
	}
	return false
}

// Resync runs ProbeBootloader with its documented defaults.
func (e *Engine) Resync() bool {
	return e.ProbeBootloader(defaultProbeTimeout, defaultProbeInterval)
}

// ReassertActivation sends a single activation byte and attempts to read
// an ACK. Used when a resync alone fails to restore contact after a
// write or verify failure.
func (e *Engine) ReassertActivation() bool {
	if err := e.link.Send([]byte{ActivateByte}); err != nil {
		return false
	}
	return e.readAck()
}

// OpcodeName renders the opcode for logging, e.g. for error messages.
func OpcodeName(opcode byte) string {
	switch opcode {
	case CmdGet:
		return "get"
	case CmdGetID:
		return "get_id"
	case CmdReadMemory:
		return "read_memory"
	case CmdGo:
		return "go"
	case CmdWriteMemory:
		return "write_memory"
	case CmdExtendedErase:
		return "extended_erase"
	default:
		return fmt.Sprintf("0x%02X", opcode)
	}
}
