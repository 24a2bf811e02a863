// Package autotune implements baud-rate negotiation: an activation-based
// sync used at first contact, and a command-based tune used once the
// link is already ACK-reliable (spec §4.4).
package autotune

import (
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stm32uartprog/stm32uartprog/internal/bootloader"
	"github.com/stm32uartprog/stm32uartprog/internal/config"
	"github.com/stm32uartprog/stm32uartprog/internal/sessionerr"
)

// tunableLink is the subset of *serialport.Link the sweep routines drive.
type tunableLink interface {
	SetBaud(baud int) error
	Send(data []byte) error
	Recv(size int, stallTimeout *time.Duration) []byte
	Timeout() time.Duration
	SetTimeout(timeout time.Duration) error
}

// commandSource is the subset of *bootloader.Engine that Tune drives.
type commandSource interface {
	GetCommands() []byte
}

// referenceBauds seeds candidate generation alongside the nominal baud.
var referenceBauds = []int{19200, 38400, 56000, 57600, 74880, 76800, 115200, 230400}

const (
	syncSpan        = 0.2
	syncStep        = 0.005
	syncBiasRepeats = 50

	tuneSpan        = 0.1
	tuneStep        = 0.002
	tuneBiasRepeats = 5

	// DefaultSyncRequests and DefaultTuneRequests are the tune_requests
	// defaults for each routine.
	DefaultSyncRequests = 1000
	DefaultTuneRequests = 500
)

// generateCandidates builds the ordered, deduplicated, positive-only
// candidate list: biasRepeats copies of nominal first (to bias
// selection toward it), then a sweep of {round(base*(1+i*step))} for
// base in {nominal} ∪ referenceBauds and i in [-steps, steps].
func generateCandidates(nominal, biasRepeats int, span, step float64) []int {
	steps := int(math.Round(span / step))
	bases := make([]int, 0, len(referenceBauds)+1)
	bases = append(bases, nominal)
	bases = append(bases, referenceBauds...)

	ordered := make([]int, 0, biasRepeats+len(bases)*(2*steps+1))
	for i := 0; i < biasRepeats; i++ {
		ordered = append(ordered, nominal)
	}
	for _, base := range bases {
		for i := -steps; i <= steps; i++ {
			v := int(math.Round(float64(base) * (1 + float64(i)*step)))
			ordered = append(ordered, v)
		}
	}

	seen := make(map[int]struct{}, len(ordered))
	out := make([]int, 0, len(ordered))
	for _, v := range ordered {
		if v <= 0 {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func byteTime(baud int) time.Duration {
	return time.Duration(11 * float64(time.Second) / float64(baud))
}

// Sync performs the activation-based sync: for each candidate baud,
// sends 0x7F twice per iteration and counts iterations whose first
// response byte is ACK or NACK. Locks immediately on rate 1.0;
// otherwise picks the best candidate at or above threshold.
func Sync(link tunableLink, nominal int, requests int, threshold float64, log logrus.FieldLogger) (int, float64, error) {
	if requests <= 0 {
		requests = DefaultSyncRequests
	}
	candidates := generateCandidates(nominal, syncBiasRepeats, syncSpan, syncStep)

	bestBaud := 0
	bestRate := -1.0
	for _, baud := range candidates {
		if err := link.SetBaud(baud); err != nil {
			continue
		}
		bt := byteTime(baud)
		gap1 := maxDuration(2*bt, time.Millisecond)
		gap2 := maxDuration(4*bt, time.Millisecond)

		success := 0
		for i := 0; i < requests; i++ {
			link.Send([]byte{bootloader.ActivateByte})
			time.Sleep(gap1)
			link.Send([]byte{bootloader.ActivateByte})
			time.Sleep(gap2)
			resp := link.Recv(1, nil)
			if len(resp) > 0 && (resp[0] == bootloader.ACK || resp[0] == bootloader.NACK) {
				success++
			}
		}
		rate := float64(success) / float64(requests)
		log.Debugf("sync: baud %d rate %.3f", baud, rate)
		if rate > bestRate {
			bestRate = rate
			bestBaud = baud
		}
		if rate == 1.0 {
			break
		}
	}

	if bestBaud == 0 || bestRate < threshold {
		return 0, bestRate, sessionerr.NewBaudrateUnavailable("sync: no candidate baud reached threshold %.2f (best %.2f)", threshold, bestRate)
	}
	if err := link.SetBaud(bestBaud); err != nil {
		return 0, bestRate, err
	}
	log.Infof("sync: locked baud %d (rate %.3f)", bestBaud, bestRate)
	return bestBaud, bestRate, nil
}

// Tune performs the command-based tune: for each candidate baud,
// invokes GetCommands() requests times, counting a non-empty superset
// response as success. Temporarily forces AttemptsCmd=1 and a tighter
// link timeout for the duration of the sweep.
func Tune(engine commandSource, link tunableLink, cfg *config.Config, nominal int, requests int, log logrus.FieldLogger) (int, error) {
	if requests <= 0 {
		requests = DefaultTuneRequests
	}
	candidates := generateCandidates(nominal, tuneBiasRepeats, tuneSpan, tuneStep)

	origAttemptsCmd := cfg.AttemptsCmd
	origTimeout := link.Timeout()
	cfg.AttemptsCmd = 1
	newTimeout := time.Duration(11 * 30 * 1.3 * float64(time.Second) / float64(nominal))
	link.SetTimeout(newTimeout)
	defer func() {
		cfg.AttemptsCmd = origAttemptsCmd
		link.SetTimeout(origTimeout)
	}()

	bestBaud := 0
	bestRate := -1.0
	for _, baud := range candidates {
		if err := link.SetBaud(baud); err != nil {
			continue
		}
		success := 0
		for i := 0; i < requests; i++ {
			cmds := engine.GetCommands()
			if bootloader.SupportsRequiredCommands(cmds) {
				success++
			}
		}
		rate := float64(success) / float64(requests)
		log.Debugf("tune: baud %d rate %.3f", baud, rate)
		if rate > bestRate {
			bestRate = rate
			bestBaud = baud
		}
		if rate == 1.0 {
			break
		}
	}

	if bestBaud == 0 || bestRate < cfg.TuneThreshold {
		return 0, sessionerr.NewBaudrateUnavailable("tune: no candidate baud reached threshold %.2f (best %.2f)", cfg.TuneThreshold, bestRate)
	}
	if err := link.SetBaud(bestBaud); err != nil {
		return 0, err
	}
	log.Infof("tune: locked baud %d (rate %.3f)", bestBaud, bestRate)
	return bestBaud, nil
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
