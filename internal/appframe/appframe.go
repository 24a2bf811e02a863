// Package appframe builds and transmits the two 10-byte application-layer
// frames used to silence other targets on the bus and to command a
// specific target into its ROM bootloader (spec §4.2).
package appframe

import (
	"encoding/binary"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/stm32uartprog/stm32uartprog/internal/serialport"
	"github.com/stm32uartprog/stm32uartprog/internal/sessionerr"
)

const (
	// Broadcast is the device ID that addresses every target on the bus.
	Broadcast uint16 = 0xFFFF

	preamble    byte = 0xAA
	lengthDiv10 byte = 1
	commandType byte = 0x03

	cmdMute            byte = 0xDA
	cmdEnterBootloader byte = 0xDF

	appBaud = 115200

	frameRepeats = 5
)

// CRC8GSMA computes CRC-8/GSM-A (poly 0x1D, init 0x00, no reflection, no
// final XOR) over buf.
func CRC8GSMA(buf []byte) byte {
	var crc byte
	for _, b := range buf {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = (crc << 1) ^ 0x1D
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// buildFrame lays out the 10-byte little-endian application frame and
// appends its CRC-8/GSM-A.
func buildFrame(deviceID uint16, command byte) []byte {
	frame := make([]byte, 9, 10)
	frame[0] = preamble
	frame[1] = lengthDiv10
	binary.LittleEndian.PutUint16(frame[2:4], deviceID)
	frame[4] = commandType
	frame[5] = command
	frame[6], frame[7], frame[8] = 0, 0, 0
	return append(frame, CRC8GSMA(frame))
}

// Activator transmits application-layer mute and enter-bootloader
// frames at 115200 8N1, restoring the link's prior settings afterward.
type Activator struct {
	link *serialport.Link
	log  logrus.FieldLogger
}

func New(link *serialport.Link, log logrus.FieldLogger) *Activator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Activator{link: link, log: log}
}

// Mute broadcasts the mute frame to every target on the bus, then
// restores the link's bootloader-side settings.
func (a *Activator) Mute() error {
	a.log.Info("sending mute command")
	time.Sleep(7 * time.Second) // wait while a previously-programmed device enters its main app
	frame := buildFrame(Broadcast, cmdMute)
	return a.transmitBurst(frame, 500*time.Millisecond, 500*time.Millisecond)
}

// EnterBootloader unicasts the enter-bootloader frame to devID, then
// restores the link's bootloader-side settings and waits for the target
// to reset into ROM.
func (a *Activator) EnterBootloader(devID uint16) error {
	a.log.Infof("target ID%d: sending enter bootloader command", devID)
	frame := buildFrame(devID, cmdEnterBootloader)
	if err := a.transmitBurst(frame, 500*time.Millisecond, 200*time.Millisecond); err != nil {
		return err
	}
	time.Sleep(7 * time.Second)
	return nil
}

// transmitBurst sends frame frameRepeats times at 115200 8N1, with
// preDelay before the first send and gap between subsequent sends,
// restoring the link's original baud/parity on every exit path.
func (a *Activator) transmitBurst(frame []byte, preDelay, gap time.Duration) error {
	origBaud, origParity := a.link.Baud(), a.link.Parity()
	if err := a.link.SetBaud(appBaud); err != nil {
		return &sessionerr.ApplicationFrameError{Msg: err.Error()}
	}
	if err := a.link.SetParity(serial.NoParity); err != nil {
		a.link.SetBaud(origBaud)
		return &sessionerr.ApplicationFrameError{Msg: err.Error()}
	}
	defer func() {
		a.link.SetBaud(origBaud)
		a.link.SetParity(origParity)
		a.link.ResetInput()
	}()

	time.Sleep(preDelay)
	for i := 0; i < frameRepeats; i++ {
		if err := a.link.Send(frame); err != nil {
			return &sessionerr.ApplicationFrameError{Msg: err.Error()}
		}
		time.Sleep(gap)
	}
	return nil
}
