// Package pipeline drives the full per-target programming sequence
// (spec §4.5): mute, enter bootloader, sync, autotune, identify,
// capability check, sector erase/program/verify, and GO, with nested
// retries and progress accounting.
package pipeline

import (
	"bytes"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stm32uartprog/stm32uartprog/internal/autotune"
	"github.com/stm32uartprog/stm32uartprog/internal/bootloader"
	"github.com/stm32uartprog/stm32uartprog/internal/config"
	"github.com/stm32uartprog/stm32uartprog/internal/flash"
	"github.com/stm32uartprog/stm32uartprog/internal/hexfile"
	"github.com/stm32uartprog/stm32uartprog/internal/progress"
)

// link is the subset of *serialport.Link the pipeline drives directly
// (buffer resets) plus what it hands through to autotune's sweeps.
type link interface {
	ResetInput()
	ResetOutput()
	SetBaud(baud int) error
	Send(data []byte) error
	Recv(size int, stallTimeout *time.Duration) []byte
	Timeout() time.Duration
	SetTimeout(timeout time.Duration) error
}

// engineDriver is the subset of *bootloader.Engine the pipeline drives.
type engineDriver interface {
	SetTargetID(id uint16)
	Activate() bool
	GetCommands() []byte
	GetPID() (uint32, bool)
	EraseSector(index int) bool
	WriteMem(addr uint32, data []byte) bool
	ReadMem(addr uint32, size int) []byte
	StartApplication(addr uint32) bool
	Resync() bool
	ReassertActivation() bool
}

// muterActivator is the subset of *appframe.Activator the pipeline
// drives to bring a target onto the shared bus into its bootloader.
type muterActivator interface {
	Mute() error
	EnterBootloader(devID uint16) error
}

// Status is a per-target terminal programming state.
type Status int

const (
	Undefined Status = iota
	Success
	Warning
	Fail
)

func (s Status) String() string {
	switch s {
	case Success:
		return "Success"
	case Warning:
		return "Warning"
	case Fail:
		return "Fail"
	default:
		return "Undefined"
	}
}

// muteEnterRetries and muteEnterDelay bound the whole mute/enter-
// bootloader transaction retry, per spec §4.5 steps 2-3.
const (
	muteEnterRetries = 20
	muteEnterDelay   = 500 * time.Millisecond
	interChunkDelay  = 100 * time.Millisecond
)

// Pipeline programs a single session's worth of targets against one
// shared, immutable firmware image.
type Pipeline struct {
	link      link
	engine    engineDriver
	activator muterActivator
	cfg       *config.Config
	img       *hexfile.Image
	sink      progress.Sink
	log       logrus.FieldLogger
}

func New(link link, engine engineDriver, activator muterActivator, cfg *config.Config, img *hexfile.Image, sink progress.Sink, log logrus.FieldLogger) *Pipeline {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if sink == nil {
		sink = progress.NopSink{}
	}
	return &Pipeline{link: link, engine: engine, activator: activator, cfg: cfg, img: img, sink: sink, log: log}
}

// ChunksForSectors returns the total chunk count across the given sector
// indices, for progress-bar sizing.
func ChunksForSectors(sectors []int) int {
	total := 0
	for _, idx := range sectors {
		total += int(flash.Sectors[idx].Size) / bootloader.ChunkSize
	}
	return total
}

// ProgramTarget runs the full sequence for one target, never returning
// an error: every failure mode resolves to a terminal Status (per-target
// failures never propagate across targets, spec §7).
func (p *Pipeline) ProgramTarget(targetID int) Status {
	p.engine.SetTargetID(uint16(targetID))
	p.sink.Writeln(fmt.Sprintf("Programming target ID %d", targetID))

	alreadyInBootloader := p.engine.Activate()
	if alreadyInBootloader {
		p.sink.Writeln("Bootloader already activated")
	} else {
		if err := retry(muteEnterRetries, muteEnterDelay, p.activator.Mute); err != nil {
			p.log.Errorf("target ID%d: mute failed: %v", targetID, err)
			return Fail
		}
		if err := retry(muteEnterRetries, muteEnterDelay, func() error { return p.activator.EnterBootloader(uint16(targetID)) }); err != nil {
			p.log.Errorf("target ID%d: enter bootloader failed: %v", targetID, err)
			return Fail
		}
	}

	if _, _, err := autotune.Sync(p.link, p.cfg.Baudrate, autotune.DefaultSyncRequests, p.cfg.TuneThreshold, p.log); err != nil {
		p.log.Errorf("target ID%d: %v", targetID, err)
		return Fail
	}

	if !p.cfg.NoTune {
		if _, err := autotune.Tune(p.engine, p.link, p.cfg, p.cfg.Baudrate, autotune.DefaultTuneRequests, p.log); err != nil {
			p.log.Errorf("target ID%d: %v", targetID, err)
			return Fail
		}
	}

	pid, ok := p.engine.GetPID()
	if !ok {
		p.log.Errorf("target ID%d: could not get product id", targetID)
		return Fail
	}
	if !bootloader.IsSupportedDeviceID(pid) {
		p.log.Errorf("target ID%d: unsupported device PID 0x%04X", targetID, pid)
		return Fail
	}

	cmds := p.engine.GetCommands()
	if !bootloader.SupportsRequiredCommands(cmds) {
		p.log.Errorf("target ID%d: required bootloader command not supported (got % X)", targetID, cmds)
		return Fail
	}
	p.log.Infof("target ID%d: supported commands % X", targetID, cmds)

	warnDetected := false
	for pos, sector := range p.img.UsedSectors {
		if p.programSector(targetID, sector, pos+1, len(p.img.UsedSectors), &warnDetected) == Fail {
			return Fail
		}
	}

	started := false
	for attempt := 0; attempt < p.cfg.AttemptsCmd; attempt++ {
		if p.engine.StartApplication(p.cfg.Address) {
			started = true
			break
		}
		time.Sleep(muteEnterDelay)
	}
	if !started {
		p.log.Errorf("target ID%d: failed to start application", targetID)
		return Fail
	}
	p.log.Infof("target ID%d: application started at 0x%08X", targetID, p.cfg.Address)

	if warnDetected {
		return Warning
	}
	return Success
}

// programSector runs the erase/program/verify inner loop for one
// sector, crediting the progress sink only with durable work (P6).
func (p *Pipeline) programSector(targetID, sector, sectorPos, totalSectors int, warnDetected *bool) Status {
	geom := flash.Sectors[sector]
	chunks := int(geom.Size) / bootloader.ChunkSize
	p.sink.SetContext(targetID, sectorPos, totalSectors)

	for eraseAttempt := 1; eraseAttempt <= p.cfg.AttemptsErase; eraseAttempt++ {
		time.Sleep(interChunkDelay)
		p.link.ResetInput()
		p.link.ResetOutput()

		if !p.engine.EraseSector(sector) {
			*warnDetected = true
			p.log.Warnf("sector %d: erase attempt %d failed", sector, eraseAttempt)
			p.sink.Writeln(fmt.Sprintf("Retry sector %d, erase attempt %d/%d", sector, eraseAttempt, p.cfg.AttemptsErase))
			continue
		}

		allOK := true
		credited := 0
		for i := 0; i < chunks; i++ {
			chunkStart := geom.Start + uint32(i*bootloader.ChunkSize)
			chunk := p.img.Chunk(chunkStart, bootloader.ChunkSize)

			if hexfile.AllBlank(chunk) {
				p.sink.Add(1)
				credited++
				continue
			}

			if !p.writeChunk(sector, chunkStart, chunk, warnDetected) {
				p.sink.Writeln(fmt.Sprintf("Sector %d: write failed at 0x%08X", sector, chunkStart))
				allOK = false
				break
			}

			if !p.verifyChunk(sector, chunkStart, chunk, warnDetected) {
				p.sink.Writeln(fmt.Sprintf("Sector %d: verify failed at 0x%08X", sector, chunkStart))
				allOK = false
				break
			}
			p.sink.Add(1)
			credited++
		}

		if allOK {
			p.sink.Writeln(fmt.Sprintf("Sector %d (0x%08X) verified", sector, geom.Start))
			return Success
		}

		p.sink.Add(-credited)
		p.log.Errorf("sector %d: attempt %d failed", sector, eraseAttempt)
		p.sink.Writeln(fmt.Sprintf("Retry sector %d, attempt %d/%d", sector, eraseAttempt, p.cfg.AttemptsErase))
	}

	p.log.Errorf("sector %d: failed permanently after %d erase attempts", sector, p.cfg.AttemptsErase)
	return Fail
}

func (p *Pipeline) writeChunk(sector int, chunkStart uint32, chunk []byte, warnDetected *bool) bool {
	for attempt := 0; attempt < p.cfg.AttemptsCmd; attempt++ {
		if p.engine.WriteMem(chunkStart, chunk) {
			return true
		}
		*warnDetected = true
		p.log.Warnf("sector %d: write failed (%d/%d) at 0x%08X", sector, attempt+1, p.cfg.AttemptsCmd, chunkStart)
		if !p.engine.Resync() {
			p.engine.ReassertActivation()
		}
		time.Sleep(interChunkDelay)
	}
	return false
}

func (p *Pipeline) verifyChunk(sector int, chunkStart uint32, chunk []byte, warnDetected *bool) bool {
	for attempt := 0; attempt < p.cfg.AttemptsCmd; attempt++ {
		readBack := p.engine.ReadMem(chunkStart, len(chunk))
		if bytes.Equal(readBack, chunk) {
			return true
		}
		*warnDetected = true
		p.log.Warnf("sector %d: verify failed (%d/%d) at 0x%08X", sector, attempt+1, p.cfg.AttemptsCmd, chunkStart)
		time.Sleep(interChunkDelay)
	}
	return false
}

// retry calls fn up to attempts times, sleeping delay between failures,
// mirroring the original's retry(fn, attempts=20, delay=0.5) helper.
func retry(attempts int, delay time.Duration, fn func() error) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if i < attempts-1 {
			time.Sleep(delay)
		}
	}
	return lastErr
}
