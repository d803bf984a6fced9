package devices

import (
	"fmt"
	"log"
	"strings"
	"sync"
)

// InterruptSignaler is implemented by interrupt controllers that devices raise lines on.
// Signaling a line that is already pending must be harmless.
type InterruptSignaler interface {
	SignalIRQ(line uint32)
}

// TraceFlag is checked by devices before logging register accesses.
type TraceFlag interface {
	TraceMMIO() bool
}

// UARTConfig describes a UART and the host console behind it.
type UARTConfig struct {
	Console ConsoleOptions
	IRQ     InterruptSignaler
	Line    uint32    // Interrupt line raised on received data
	Trace   TraceFlag // Optional, nil disables access tracing
}

// UARTDevice implements the register bank of a 16550-compatible UART on an
// 8-byte MMIO window. Received bytes come from a Console; transmitted bytes
// are handed to it without waiting for the host.
type UARTDevice struct {
	console Console
	bridge  *ConsoleBridge // Non-nil when the UART owns its console
	irq     InterruptSignaler
	line    uint32
	trace   TraceFlag
	lock    sync.Mutex

	rbr byte // Last byte received
	thr byte // Last byte transmitted
	ier byte
	lcr byte
	mcr byte
	scr byte
	dll byte
	dlm byte
}

// NewUARTDevice creates a UART with its own console bridge and starts the bridge.
// Errors setting up the bridge are fatal for the device.
func NewUARTDevice(cfg UARTConfig) (*UARTDevice, error) {
	bridge, err := NewConsoleBridge(cfg.Console)
	if err != nil {
		return nil, fmt.Errorf("UARTDevice: %w", err)
	}
	if err := bridge.Start(); err != nil {
		bridge.Stop()
		return nil, fmt.Errorf("UARTDevice: %w", err)
	}
	u := NewUARTDeviceWithConsole(bridge, cfg.IRQ, cfg.Line, cfg.Trace)
	u.bridge = bridge
	return u, nil
}

// NewUARTDeviceWithConsole creates a UART on an existing console. The caller
// keeps ownership of the console.
func NewUARTDeviceWithConsole(console Console, irq InterruptSignaler, line uint32, trace TraceFlag) *UARTDevice {
	return &UARTDevice{
		console: console,
		irq:     irq,
		line:    line,
		trace:   trace,
	}
}

func (u *UARTDevice) tracing() bool {
	return u.trace != nil && u.trace.TraceMMIO()
}

func (u *UARTDevice) dlab() bool {
	return u.lcr&LCR_DLAB != 0
}

// Load reads the register at offset (relative to the UART base).
func (u *UARTDevice) Load(offset uint64) byte {
	u.lock.Lock()
	val := u.loadLocked(offset & uartRegMask)
	u.lock.Unlock()

	if u.tracing() {
		log.Printf("uart_mmio:0x%04x -> 0x%02x", offset, val)
	}
	return val
}

func (u *UARTDevice) loadLocked(reg uint64) byte {
	if u.dlab() {
		switch reg {
		case UART_REG_DLL:
			return u.dll
		case UART_REG_DLM:
			return u.dlm
		}
	}

	switch reg {
	case UART_REG_RBR:
		if u.console.HasInput() {
			u.rbr = u.console.ReadChar()
		}
		return u.rbr
	case UART_REG_IER:
		return u.ier
	case UART_REG_IIR:
		return u.iir()
	case UART_REG_LCR:
		return u.lcr
	case UART_REG_MCR:
		return u.mcr
	case UART_REG_LSR:
		return u.lsr()
	case UART_REG_MSR:
		return MSR_DCD | MSR_DSR
	case UART_REG_SCR:
		return u.scr
	default:
		return 0
	}
}

func (u *UARTDevice) iir() byte {
	if u.console.HasInput() {
		return IIR_RX_RDY
	}
	return IIR_TX_RDY
}

// The transmitter is modeled as always empty.
func (u *UARTDevice) lsr() byte {
	val := LSR_THRE | LSR_TEMT
	if u.console.HasInput() {
		val |= LSR_DR
	}
	return val
}

// Store writes val to the register at offset (relative to the UART base).
func (u *UARTDevice) Store(offset uint64, val byte) {
	if u.tracing() {
		log.Printf("uart_mmio:0x%04x <- 0x%02x", offset, val)
	}

	u.lock.Lock()
	transmit := u.storeLocked(offset&uartRegMask, val)
	u.lock.Unlock()

	if transmit {
		u.console.WriteChar(val)
	}
}

// storeLocked updates register state and reports whether val must be transmitted.
func (u *UARTDevice) storeLocked(reg uint64, val byte) bool {
	if u.dlab() {
		switch reg {
		case UART_REG_DLL:
			u.dll = val
			return false
		case UART_REG_DLM:
			u.dlm = val
			return false
		}
	}

	switch reg {
	case UART_REG_THR:
		u.thr = val
		return true
	case UART_REG_IER:
		u.ier = val & IER_MASK
	case UART_REG_FCR:
		// FIFO control has no effect
	case UART_REG_LCR:
		u.lcr = val
	case UART_REG_MCR:
		u.mcr = val
	case UART_REG_LSR, UART_REG_MSR:
		// read-only, derived on load
	case UART_REG_SCR:
		u.scr = val
	}
	return false
}

// Service raises the UART interrupt line while received data is waiting and
// the receive interrupt is enabled. It is called from the machine's polling
// cycle and signals again on every call until the data is read.
func (u *UARTDevice) Service() {
	u.lock.Lock()
	enabled := u.ier&IER_ERBDA != 0
	u.lock.Unlock()

	if enabled && u.console.HasInput() && u.irq != nil {
		u.irq.SignalIRQ(u.line)
	}
}

// Divisor returns the 16-bit baud rate divisor latched in DLM:DLL.
func (u *UARTDevice) Divisor() uint16 {
	u.lock.Lock()
	defer u.lock.Unlock()
	return uint16(u.dlm)<<8 | uint16(u.dll)
}

// UARTRegisters is a snapshot of the UART register file. Derived registers
// (IIR, LSR, MSR) hold the value a guest read would return at snapshot time.
type UARTRegisters struct {
	RBR, THR, IER, IIR, LCR, MCR, LSR, MSR, SCR, DLL, DLM byte
}

// Registers returns a snapshot of the register file without consuming input.
func (u *UARTDevice) Registers() UARTRegisters {
	u.lock.Lock()
	defer u.lock.Unlock()
	return UARTRegisters{
		RBR: u.rbr,
		THR: u.thr,
		IER: u.ier,
		IIR: u.iir(),
		LCR: u.lcr,
		MCR: u.mcr,
		LSR: u.lsr(),
		MSR: MSR_DCD | MSR_DSR,
		SCR: u.scr,
		DLL: u.dll,
		DLM: u.dlm,
	}
}

func (r UARTRegisters) String() string {
	var sb strings.Builder
	for _, reg := range []struct {
		name string
		val  byte
	}{
		{"rbr", r.RBR}, {"thr", r.THR}, {"ier", r.IER}, {"iir", r.IIR},
		{"lcr", r.LCR}, {"mcr", r.MCR}, {"lsr", r.LSR}, {"msr", r.MSR},
		{"scr", r.SCR}, {"dll", r.DLL}, {"dlm", r.DLM},
	} {
		fmt.Fprintf(&sb, "uart_mmio:%s 0x%02x\n", reg.name, reg.val)
	}
	return sb.String()
}

// SuspendConsole hands the host terminal back in canonical mode.
func (u *UARTDevice) SuspendConsole() {
	if u.bridge != nil {
		u.bridge.Suspend()
	}
}

// ResumeConsole takes the host terminal back into raw mode.
func (u *UARTDevice) ResumeConsole() {
	if u.bridge != nil {
		u.bridge.Resume()
	}
}

// ConsoleExited is closed when the owned console bridge has stopped. It is nil
// (never ready) for a UART built on an injected console.
func (u *UARTDevice) ConsoleExited() <-chan struct{} {
	if u.bridge == nil {
		return nil
	}
	return u.bridge.Exited()
}

// Close stops the owned console bridge and restores the host terminal.
func (u *UARTDevice) Close() error {
	if u.bridge == nil {
		return nil
	}
	return u.bridge.Stop()
}
