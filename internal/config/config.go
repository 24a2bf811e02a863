// Package config parses the CLI flags into a session configuration and
// the target-ID set (P3).
package config

import (
	"flag"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// KnownBaudrates is the reference list used to flag an unusual nominal
// baud rate.
var KnownBaudrates = []int{19200, 38400, 56000, 57600, 74880, 76800, 115200, 230400}

// Config is the session-scoped configuration passed to every subsystem
// at construction — never a package-level global. autotune.Tune
// overrides AttemptsCmd for the length of its sweep and restores it.
type Config struct {
	HexFile        string
	Targets        []int
	AttemptsErase  int
	AttemptsCmd    int
	Address        uint32
	Baudrate       int
	NoTune         bool
	TuneThreshold  float64
	LogLevel       string
}

// Parse parses args (excluding the program name) into a Config.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("stm32uartprog", flag.ContinueOnError)

	hexfile := fs.String("hexfile", "", "Intel-HEX file to program")
	attemptsErase := fs.Int("attempts-erase", 10, "outer retries per sector")
	attempts := fs.Int("attempts", 10, "inner command retries")
	address := fs.Int("address", 0x08000000, "GO target address")
	baudrate := fs.Int("baudrate", 57600, "nominal baud")
	noTune := fs.Bool("no-tune", false, "disable command-based autotune")
	tuneThreshold := fs.Float64("tune-threshold", 0.8, "autotune success threshold in [0,1]")
	loglvl := fs.String("loglvl", "ERROR", "log level")

	var targetTokens multiFlag
	fs.Var(&targetTokens, "targets", "target IDs: integers and/or A-B ranges")

	// Fold the bare tokens that follow --targets into that flag's value,
	// so "--targets 1-3 7" is read as two target tokens.
	var folded []string
	inTargets := false
	for _, a := range args {
		if inTargets && !strings.HasPrefix(a, "-") {
			folded[len(folded)-1] += " " + a
			continue
		}
		inTargets = a == "-targets" || a == "--targets"
		folded = append(folded, a)
		if inTargets {
			folded = append(folded, "")
		}
	}

	if err := fs.Parse(folded); err != nil {
		return nil, err
	}

	if *hexfile == "" {
		return nil, fmt.Errorf("config: --hexfile is required")
	}
	if len(targetTokens) == 0 {
		return nil, fmt.Errorf("config: --targets is required")
	}
	if *tuneThreshold < 0 || *tuneThreshold > 1 {
		return nil, fmt.Errorf("config: --tune-threshold must be in [0,1], got %v", *tuneThreshold)
	}
	if *address < 0 {
		return nil, fmt.Errorf("config: --address must be non-negative")
	}

	targets, err := ParseTargets(targetTokens)
	if err != nil {
		return nil, err
	}

	return &Config{
		HexFile:       *hexfile,
		Targets:       targets,
		AttemptsErase: *attemptsErase,
		AttemptsCmd:   *attempts,
		Address:       uint32(*address),
		Baudrate:      *baudrate,
		NoTune:        *noTune,
		TuneThreshold: *tuneThreshold,
		LogLevel:      *loglvl,
	}, nil
}

// multiFlag accumulates repeated -targets occurrences, each one possibly
// itself a space-separated list of tokens, matching the nargs="+" plus
// per-token parsing behavior of the original argparse setup.
type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, " ") }

func (m *multiFlag) Set(v string) error {
	*m = append(*m, strings.Fields(v)...)
	return nil
}

// ParseTargets converts target tokens (each an integer or an "A-B"
// inclusive range) into the sorted, deduplicated union (P3).
func ParseTargets(tokens []string) ([]int, error) {
	ids := map[int]struct{}{}
	for _, tok := range tokens {
		if strings.Contains(tok, "-") {
			parts := strings.SplitN(tok, "-", 2)
			if len(parts) != 2 {
				return nil, fmt.Errorf("config: invalid target range %q", tok)
			}
			start, err1 := strconv.Atoi(parts[0])
			end, err2 := strconv.Atoi(parts[1])
			if err1 != nil || err2 != nil || start < 0 || end < 0 || start > end {
				return nil, fmt.Errorf("config: invalid target range %q, use e.g. 1-10", tok)
			}
			for i := start; i <= end; i++ {
				ids[i] = struct{}{}
			}
		} else {
			id, err := strconv.Atoi(tok)
			if err != nil || id < 0 {
				return nil, fmt.Errorf("config: invalid target %q, use integer or range like 1 or 1-10", tok)
			}
			ids[id] = struct{}{}
		}
	}
	out := make([]int, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Ints(out)
	return out, nil
}

// BaudKnown reports whether baud is in the reference baudrate list.
func BaudKnown(baud int) bool {
	for _, b := range KnownBaudrates {
		if b == baud {
			return true
		}
	}
	return false
}
