package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"

	"example.com/v-serial/core_engine"
	"example.com/v-serial/core_engine/devices"
	"example.com/v-serial/core_engine/hostterm"
)

const defaultBanner = "uartemu: console ready, characters typed here are echoed by the guest\n"

func main() {
	uartBase := flag.Uint64("uart-base", core_engine.DefaultUARTBase, "UART MMIO base address")
	plicBase := flag.Uint64("plic-base", core_engine.DefaultPLICBase, "PLIC MMIO base address")
	irq := flag.Uint("irq", uint(devices.UART0_IRQ), "PLIC source raised by the UART (1-31)")
	interval := flag.Duration("interval", core_engine.DefaultServiceInterval, "Device service interval")
	trace := flag.Bool("trace", false, "Log every UART register access (SIGUSR1 toggles)")
	banner := flag.String("banner", defaultBanner, "Text the guest prints after UART init")
	debug := flag.Bool("debug", false, "Verbose machine logging")

	flag.Parse()

	if *irq == 0 || *irq >= uint(devices.PLIC_NUM_SOURCES) {
		log.Fatalf("uartemu: -irq %d out of range 1-%d", *irq, devices.PLIC_NUM_SOURCES-1)
	}

	// Build the machine
	cfg := core_engine.MachineConfig{
		UARTBase:        *uartBase,
		PLICBase:        *plicBase,
		UARTIRQ:         uint32(*irq),
		ServiceInterval: *interval,
		Input:           os.Stdin,
		Output:          os.Stdout,
		TraceMMIO:       *trace,
		Debug:           *debug,
		Guest: &core_engine.EchoGuest{
			UARTBase: *uartBase,
			PLICBase: *plicBase,
			IRQ:      uint32(*irq),
			Banner:   *banner,
		},
	}
	t, err := hostterm.New(os.Stdin)
	switch {
	case err == nil:
		cfg.Terminal = t
		if *debug {
			if w, h, err := t.Size(); err == nil {
				log.Printf("uartemu: host terminal %dx%d", w, h)
			}
		}
	case errors.Is(err, hostterm.ErrNotTerminal):
		log.Println("uartemu: stdin is not a terminal, input is line buffered by the host")
	default:
		log.Fatalf("uartemu: %v", err)
	}

	m, err := core_engine.NewMachine(cfg)
	if err != nil {
		log.Fatalf("uartemu: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()
	go handleJobControl(ctx, m)

	// Run
	runErr := m.Run(ctx)
	if *debug || m.TraceMMIO() {
		log.Printf("uartemu: final register state\n%s", m.Registers())
	}
	closeErr := m.Close()
	if runErr != nil {
		log.Fatalf("uartemu: %v", runErr)
	}
	if closeErr != nil {
		log.Fatalf("uartemu: %v", closeErr)
	}
}

// handleJobControl gives the terminal back before the shell stops us and
// retakes it on resume. SIGUSR1 toggles register tracing.
func handleJobControl(ctx context.Context, m *core_engine.Machine) {
	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, unix.SIGTSTP, unix.SIGCONT, unix.SIGUSR1)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			switch sig {
			case unix.SIGTSTP:
				m.SuspendConsole()
				// Catching SIGTSTP suppressed the default stop, so stop ourselves.
				if err := unix.Kill(os.Getpid(), unix.SIGSTOP); err != nil {
					log.Printf("uartemu: SIGSTOP: %v", err)
					m.ResumeConsole()
				}
			case unix.SIGCONT:
				m.ResumeConsole()
			case unix.SIGUSR1:
				m.SetTraceMMIO(!m.TraceMMIO())
				log.Printf("uartemu: register tracing %v", m.TraceMMIO())
			}
		}
	}
}
