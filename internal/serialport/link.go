// Package serialport implements the Serial Link (spec §4.1): the sole
// owner of the UART handle, exposing framed send, sized receive with
// optional stall-based early return, buffer flush, parameter
// reconfiguration, and automatic reopen on transport error.
//
// Transport is backed by go.bug.st/serial, the same library the
// reference tooling in this corpus uses for UART access.
package serialport

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/stm32uartprog/stm32uartprog/internal/sessionerr"
)

// reconnectCooldown prevents reopen storms: a reconnect is suppressed if
// the last successful open was more recent than this.
const reconnectCooldown = 2 * time.Second

// pollTick is the polling interval used while waiting out a stall
// timeout in Recv.
const pollTick = 10 * time.Millisecond

// Link owns a single UART handle for the duration of a session.
type Link struct {
	port     serial.Port
	portName string
	baud     int
	parity   serial.Parity
	timeout  time.Duration
	lastOpen time.Time
	log      logrus.FieldLogger
}

// Open opens portName at baud/8-E-1 with the given link timeout.
func Open(portName string, baud int, timeout time.Duration, log logrus.FieldLogger) (*Link, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	l := &Link{portName: portName, baud: baud, parity: serial.EvenParity, timeout: timeout, log: log}
	if err := l.open(); err != nil {
		return nil, &sessionerr.PortUnavailable{Msg: err.Error()}
	}
	return l, nil
}

func (l *Link) open() error {
	mode := &serial.Mode{
		BaudRate: l.baud,
		Parity:   l.parity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(l.portName, mode)
	if err != nil {
		return fmt.Errorf("serialport: open %s: %w", l.portName, err)
	}
	if err := port.SetReadTimeout(l.timeout); err != nil {
		port.Close()
		return fmt.Errorf("serialport: set read timeout: %w", err)
	}
	l.port = port
	l.lastOpen = time.Now()
	l.log.Infof("opened %s at %d baud", l.portName, l.baud)
	return nil
}

// Close releases the UART handle.
func (l *Link) Close() error {
	if l.port == nil {
		return nil
	}
	return l.port.Close()
}

// Send writes all of data and flushes the output, failing with a
// TransportError if the write was partial.
func (l *Link) Send(data []byte) error {
	if l.port == nil {
		return &sessionerr.TransportError{Msg: "link not open during send"}
	}
	n, err := l.port.Write(data)
	if err != nil {
		l.handleTransportError(err)
		return &sessionerr.TransportError{Msg: err.Error()}
	}
	if n != len(data) {
		te := &sessionerr.TransportError{Msg: fmt.Sprintf("incomplete write: %d/%d", n, len(data))}
		l.handleTransportError(te)
		return te
	}
	if err := l.port.Drain(); err != nil {
		l.log.Warnf("drain after send: %v", err)
	}
	l.log.Debugf("sent %d bytes: % X", len(data), data)
	return nil
}

// Recv reads up to size bytes. With stallTimeout nil, it reads up to
// size bytes bounded by the link's configured timeout. With stallTimeout
// set (a non-negative multiple of 10ms), it polls on 10ms ticks and
// returns early once no new bytes have arrived for stallTimeout,
// returning whatever was collected so far (possibly short).
func (l *Link) Recv(size int, stallTimeout *time.Duration) []byte {
	if size <= 0 || l.port == nil {
		return nil
	}
	if stallTimeout == nil {
		buf := make([]byte, size)
		n, err := l.port.Read(buf)
		if err != nil {
			l.handleTransportError(err)
			return nil
		}
		return buf[:n]
	}

	prevTimeout := l.timeout
	if err := l.setReadTimeoutRaw(pollTick); err != nil {
		l.handleTransportError(err)
		return nil
	}
	defer l.setReadTimeoutRaw(prevTimeout)

	data := make([]byte, 0, size)
	tmp := make([]byte, size)
	lastProgress := time.Now()
	for len(data) < size {
		n, err := l.port.Read(tmp[:size-len(data)])
		if err != nil {
			l.handleTransportError(err)
			return data
		}
		if n > 0 {
			data = append(data, tmp[:n]...)
			lastProgress = time.Now()
			continue
		}
		if time.Since(lastProgress) > *stallTimeout {
			l.log.Warnf("stall timeout after waiting for %d bytes, got %d", size, len(data))
			return data
		}
	}
	return data
}

// RecvAll drains whatever is currently readable without blocking for
// more than the configured link timeout.
func (l *Link) RecvAll() []byte {
	if l.port == nil {
		return nil
	}
	var out []byte
	buf := make([]byte, 256)
	for {
		n, err := l.port.Read(buf)
		if err != nil {
			l.handleTransportError(err)
			return out
		}
		if n == 0 {
			return out
		}
		out = append(out, buf[:n]...)
		if n < len(buf) {
			return out
		}
	}
}

// ResetInput discards pending input.
func (l *Link) ResetInput() {
	if l.port == nil {
		return
	}
	if err := l.port.ResetInputBuffer(); err != nil {
		l.handleTransportError(err)
	}
}

// ResetOutput discards pending, unsent output.
func (l *Link) ResetOutput() {
	if l.port == nil {
		return
	}
	if err := l.port.ResetOutputBuffer(); err != nil {
		l.handleTransportError(err)
	}
}

// SetBaud reconfigures the link's baud rate.
func (l *Link) SetBaud(baud int) error {
	l.baud = baud
	return l.applyMode()
}

// SetParity reconfigures the link's parity.
func (l *Link) SetParity(parity serial.Parity) error {
	l.parity = parity
	return l.applyMode()
}

// SetTimeout reconfigures the link's default (non-stall) read timeout.
func (l *Link) SetTimeout(timeout time.Duration) error {
	return l.setReadTimeoutRaw(timeout)
}

// Baud returns the link's current baud rate.
func (l *Link) Baud() int { return l.baud }

// Parity returns the link's current parity.
func (l *Link) Parity() serial.Parity { return l.parity }

// Timeout returns the link's current default read timeout.
func (l *Link) Timeout() time.Duration { return l.timeout }

func (l *Link) applyMode() error {
	if l.port == nil {
		return &sessionerr.TransportError{Msg: "link not open"}
	}
	mode := &serial.Mode{BaudRate: l.baud, Parity: l.parity, DataBits: 8, StopBits: serial.OneStopBit}
	if err := l.port.SetMode(mode); err != nil {
		l.handleTransportError(err)
		return &sessionerr.TransportError{Msg: err.Error()}
	}
	return nil
}

func (l *Link) setReadTimeoutRaw(timeout time.Duration) error {
	if l.port == nil {
		return &sessionerr.TransportError{Msg: "link not open"}
	}
	if err := l.port.SetReadTimeout(timeout); err != nil {
		return err
	}
	l.timeout = timeout
	return nil
}

// Reconnect closes and reopens the port, suppressed if the last
// successful open was less than reconnectCooldown ago.
func (l *Link) Reconnect(cause error) {
	if time.Since(l.lastOpen) < reconnectCooldown {
		l.log.Debugf("reconnect suppressed (cooldown): %v", cause)
		return
	}
	l.log.Errorf("%s: %v", l.portName, cause)
	if l.port != nil {
		l.port.Close()
	}
	if err := l.open(); err != nil {
		l.log.Errorf("reconnect failed: %v", err)
	}
}

// handleTransportError ensures a TransportError never escapes to the
// caller as anything but an empty read or false return: it triggers at
// most one reconnect attempt.
func (l *Link) handleTransportError(err error) {
	l.log.Warnf("transport error: %v", err)
	l.Reconnect(err)
}

// WithScopedParams runs fn with baud/parity temporarily set,
// guaranteeing the original values are restored even if fn panics or
// returns early. The timeout is not changed. The application frame
// layer does not call it; appframe does its own save/restore.
func (l *Link) WithScopedParams(baud int, parity serial.Parity, fn func() error) error {
	origBaud, origParity := l.baud, l.parity
	if err := l.SetBaud(baud); err != nil {
		return err
	}
	if err := l.SetParity(parity); err != nil {
		l.SetBaud(origBaud)
		return err
	}
	defer func() {
		l.SetBaud(origBaud)
		l.SetParity(origParity)
	}()
	return fn()
}
