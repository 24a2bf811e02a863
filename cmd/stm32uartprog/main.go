// Command stm32uartprog programs firmware into one or more STM32-family
// targets sharing a half-duplex UART bus, each reached through its
// factory ROM bootloader via an application-layer mute/enter-bootloader
// handshake (see SPEC_FULL.md).
package main

import (
	"fmt"
	"os"
	"time"

	"go.bug.st/serial/enumerator"

	"github.com/stm32uartprog/stm32uartprog/internal/appframe"
	"github.com/stm32uartprog/stm32uartprog/internal/bootloader"
	"github.com/stm32uartprog/stm32uartprog/internal/config"
	"github.com/stm32uartprog/stm32uartprog/internal/hexfile"
	"github.com/stm32uartprog/stm32uartprog/internal/logging"
	"github.com/stm32uartprog/stm32uartprog/internal/orchestrator"
	"github.com/stm32uartprog/stm32uartprog/internal/pipeline"
	"github.com/stm32uartprog/stm32uartprog/internal/progress"
	"github.com/stm32uartprog/stm32uartprog/internal/serialport"
	"github.com/stm32uartprog/stm32uartprog/internal/uiprompt"
)

const linkTimeout = 2 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	log, err := logging.New(level)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	prompt := uiprompt.New(os.Stdin, os.Stdout)

	img, err := hexfile.Load(cfg.HexFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if img.MinAddr != cfg.Address {
		proposal := fmt.Sprintf(
			"Hex file's lowest address 0x%08X differs from --address 0x%08X. Continue anyway?",
			img.MinAddr, cfg.Address,
		)
		if !prompt.Confirm(proposal, "Session aborted by operator") {
			return 1
		}
	}

	if !config.BaudKnown(cfg.Baudrate) {
		proposal := fmt.Sprintf("Baud rate %d is not a commonly seen rate. Continue anyway?", cfg.Baudrate)
		if !prompt.Confirm(proposal, "Session aborted by operator") {
			return 1
		}
	}

	portName, err := pickPort(prompt)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	link, err := serialport.Open(portName, cfg.Baudrate, linkTimeout, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer link.Close()

	engine := bootloader.New(link, log)
	activator := appframe.New(link, log)
	sink := progress.NewStderrSink()
	sink.SetTotal(pipeline.ChunksForSectors(img.UsedSectors))

	p := pipeline.New(link, engine, activator, cfg, img, sink, log)
	orch := orchestrator.New(p, prompt, log)

	start := time.Now()
	results := orch.Run(cfg.Targets)
	log.Infof("session completed in %s", time.Since(start))

	orchestrator.PrintSummary(results)

	return 0
}

// pickPort enumerates available serial ports and asks the operator to
// choose one.
func pickPort(prompt *uiprompt.Prompter) (string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return "", fmt.Errorf("main: list serial ports: %w", err)
	}
	if len(ports) == 0 {
		return "", fmt.Errorf("main: no serial ports found")
	}
	names := make([]string, len(ports))
	for i, p := range ports {
		names[i] = p.Name
	}
	idx, err := prompt.PickPort(names)
	if err != nil {
		return "", err
	}
	return names[idx], nil
}
