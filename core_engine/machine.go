package core_engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"example.com/v-serial/core_engine/devices"
	"example.com/v-serial/core_engine/hostterm"
)

// Default platform layout, following the RISC-V virt board.
const (
	DefaultPLICBase        uint64 = 0x0c000000
	DefaultUARTBase        uint64 = 0x10000000
	DefaultServiceInterval        = 10 * time.Millisecond
)

// MachineConfig configures a Machine. Zero values select the defaults.
type MachineConfig struct {
	UARTBase        uint64
	PLICBase        uint64
	UARTIRQ         uint32
	ServiceInterval time.Duration // How often devices are polled for interrupts

	Input    *os.File             // Console input, os.Stdin if nil
	Output   *os.File             // Console output, os.Stdout if nil
	Terminal devices.TerminalMode // Mode control for Input; detected if nil and Input is a tty

	Guest     Guest // Software driving the devices, EchoGuest if nil
	TraceMMIO bool  // Log every UART register access
	Debug     bool
}

// Machine wires a UART and a PLIC onto an MMIO bus and runs the polling cycle
// that turns buffered console input into guest interrupts.
type Machine struct {
	bus   *devices.MMIOBus
	plic  *devices.PLICDevice
	uart  *devices.UARTDevice
	guest Guest
	cfg   MachineConfig

	traceMMIO atomic.Bool
	Debug     bool
}

// NewMachine creates the devices and registers them on the bus. The UART's
// console bridge is running when NewMachine returns.
func NewMachine(cfg MachineConfig) (*Machine, error) {
	if cfg.UARTBase == 0 {
		cfg.UARTBase = DefaultUARTBase
	}
	if cfg.PLICBase == 0 {
		cfg.PLICBase = DefaultPLICBase
	}
	if cfg.UARTIRQ == 0 {
		cfg.UARTIRQ = devices.UART0_IRQ
	}
	if cfg.ServiceInterval <= 0 {
		cfg.ServiceInterval = DefaultServiceInterval
	}
	if cfg.Input == nil {
		cfg.Input = os.Stdin
	}
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	if cfg.Terminal == nil {
		t, err := hostterm.New(cfg.Input)
		switch {
		case err == nil:
			cfg.Terminal = t
		case errors.Is(err, hostterm.ErrNotTerminal):
			if cfg.Debug {
				log.Printf("Machine: console input is not a terminal, leaving its mode alone")
			}
		default:
			return nil, fmt.Errorf("failed to open host terminal: %w", err)
		}
	}
	if cfg.Guest == nil {
		cfg.Guest = &EchoGuest{UARTBase: cfg.UARTBase, PLICBase: cfg.PLICBase, IRQ: cfg.UARTIRQ}
	}

	m := &Machine{
		bus:   devices.NewMMIOBus(),
		plic:  devices.NewPLICDevice(),
		guest: cfg.Guest,
		cfg:   cfg,
		Debug: cfg.Debug,
	}
	m.plic.Debug = cfg.Debug
	m.traceMMIO.Store(cfg.TraceMMIO)

	uart, err := devices.NewUARTDevice(devices.UARTConfig{
		Console: devices.ConsoleOptions{
			Input:    cfg.Input,
			Output:   cfg.Output,
			Terminal: cfg.Terminal,
		},
		IRQ:   m.plic,
		Line:  cfg.UARTIRQ,
		Trace: m,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create UART: %w", err)
	}
	m.uart = uart

	if err := m.bus.RegisterDevice("plic", cfg.PLICBase, devices.PLIC_MMIO_SIZE, m.plic); err != nil {
		m.Close()
		return nil, err
	}
	if err := m.bus.RegisterDevice("uart0", cfg.UARTBase, devices.UART_MMIO_SIZE, m.uart); err != nil {
		m.Close()
		return nil, err
	}

	if m.Debug {
		log.Printf("Machine: uart0 at 0x%x (irq %d), plic at 0x%x, service every %v",
			cfg.UARTBase, cfg.UARTIRQ, cfg.PLICBase, cfg.ServiceInterval)
	}
	return m, nil
}

// TraceMMIO reports whether register accesses are logged.
func (m *Machine) TraceMMIO() bool {
	return m.traceMMIO.Load()
}

// SetTraceMMIO turns register access logging on or off while running.
func (m *Machine) SetTraceMMIO(on bool) {
	m.traceMMIO.Store(on)
}

// Bus returns the machine's MMIO bus.
func (m *Machine) Bus() *devices.MMIOBus { return m.bus }

// PLIC returns the interrupt controller.
func (m *Machine) PLIC() *devices.PLICDevice { return m.plic }

// UART returns the console UART.
func (m *Machine) UART() *devices.UARTDevice { return m.uart }

// Run boots the guest and then services devices every ServiceInterval until
// ctx is done. It returns an error if the guest fails or the console bridge
// stops on its own.
func (m *Machine) Run(ctx context.Context) error {
	if err := m.guest.Boot(m.bus); err != nil {
		return fmt.Errorf("guest boot failed: %w", err)
	}
	if m.Debug {
		log.Println("Machine: guest booted, entering service loop")
	}

	ticker := time.NewTicker(m.cfg.ServiceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if m.Debug {
				log.Println("Machine: stop requested")
			}
			return nil
		case <-m.uart.ConsoleExited():
			err := m.uart.Close()
			if err == nil {
				err = errors.New("console bridge exited")
			}
			return fmt.Errorf("uart0: %w", err)
		case <-ticker.C:
			if err := m.Service(); err != nil {
				return err
			}
		}
	}
}

// Service runs one polling cycle: devices raise their lines, then any
// claimable interrupt is delivered to the guest.
func (m *Machine) Service() error {
	m.uart.Service()
	return m.CheckForPendingInterrupts()
}

// CheckForPendingInterrupts delivers a pending PLIC interrupt to the guest.
func (m *Machine) CheckForPendingInterrupts() error {
	if !m.plic.HasPendingInterrupts() {
		return nil
	}
	if err := m.guest.HandleInterrupt(m.bus); err != nil {
		return fmt.Errorf("guest interrupt handler failed: %w", err)
	}
	return nil
}

// SuspendConsole gives the host terminal back in canonical mode, for example
// before the process is stopped by job control.
func (m *Machine) SuspendConsole() {
	if m.Debug {
		log.Println("Machine: suspending console")
	}
	m.uart.SuspendConsole()
}

// ResumeConsole re-enters raw mode and resumes console input.
func (m *Machine) ResumeConsole() {
	if m.Debug {
		log.Println("Machine: resuming console")
	}
	m.uart.ResumeConsole()
}

// Registers returns a snapshot of the UART registers.
func (m *Machine) Registers() devices.UARTRegisters {
	return m.uart.Registers()
}

// Close stops the console bridge and restores the host terminal.
func (m *Machine) Close() error {
	if m.uart == nil {
		return nil
	}
	err := m.uart.Close()
	if m.Debug {
		log.Println("Machine: closed")
	}
	return err
}
