// Package uiprompt implements the operator-facing confirmation and
// port-selection prompts the spec names as external collaborators (§6).
package uiprompt

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Prompter asks yes/no questions and reads a chosen index; the default
// implementation reads stdin, but tests substitute a canned reader.
type Prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func New(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{in: bufio.NewReader(in), out: out}
}

// Confirm prints proposal, then loops until the operator answers "yes"
// or "no"; "yes" returns true, "no" or EOF/interrupt returns false and
// prints interrupted, mirroring main.py's proposal_to_continue.
func (p *Prompter) Confirm(proposal, interrupted string) bool {
	fmt.Fprintf(p.out, "\n%s\n", proposal)
	for {
		line, err := p.in.ReadString('\n')
		if err != nil && line == "" {
			fmt.Fprintln(p.out, interrupted)
			return false
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		if answer == "yes" || answer == "no" {
			if answer != "yes" {
				fmt.Fprintln(p.out, interrupted)
				return false
			}
			return true
		}
		fmt.Fprintf(p.out, "\n%s\n", proposal)
	}
}

// PickPort prints the available ports and asks the operator to choose
// one by index, reprompting on invalid input.
func (p *Prompter) PickPort(ports []string) (int, error) {
	for i, port := range ports {
		fmt.Fprintf(p.out, "\t[%d] - %s\n", i, port)
	}
	for {
		fmt.Fprint(p.out, "Which port to use? ")
		line, err := p.in.ReadString('\n')
		if err != nil && line == "" {
			return 0, fmt.Errorf("uiprompt: no input available")
		}
		line = strings.TrimSpace(line)
		idx, convErr := strconv.Atoi(line)
		if convErr != nil || idx < 0 {
			fmt.Fprintln(p.out, "Invalid input: enter a non-negative integer")
			continue
		}
		if idx >= len(ports) {
			fmt.Fprintf(p.out, "Invalid selection: enter a number between 0 and %d\n", len(ports)-1)
			continue
		}
		return idx, nil
	}
}
