package core_engine

import (
	"fmt"

	"example.com/v-serial/core_engine/devices"
)

// Guest is the software running on the machine. It only touches devices
// through the bus, the way guest code would through loads and stores.
type Guest interface {
	// Boot programs the devices. It is called once before the service loop.
	Boot(bus *devices.MMIOBus) error
	// HandleInterrupt is called when the PLIC has a claimable interrupt.
	HandleInterrupt(bus *devices.MMIOBus) error
}

// EchoGuest is a minimal serial console driver: it initializes the UART for
// 8N1 with receive interrupts, prints a banner, and echoes every received
// byte back, expanding carriage returns to CR LF.
type EchoGuest struct {
	UARTBase uint64
	PLICBase uint64
	IRQ      uint32
	Divisor  uint16 // Baud divisor programmed at boot, 1 if zero
	Banner   string

	Received []byte // Every byte read from RBR, in order
}

func (g *EchoGuest) uartStore(bus *devices.MMIOBus, reg uint64, val byte) error {
	return bus.Store(g.UARTBase+reg, val)
}

func (g *EchoGuest) uartLoad(bus *devices.MMIOBus, reg uint64) (byte, error) {
	return bus.Load(g.UARTBase + reg)
}

// Boot enables the UART line in the PLIC and runs the usual 16550 init sequence.
func (g *EchoGuest) Boot(bus *devices.MMIOBus) error {
	// PLIC: priority 1 for our source, enable it, accept everything above 0
	if err := bus.Store32(g.PLICBase+devices.PLIC_PRIORITY_BASE+4*uint64(g.IRQ), 1); err != nil {
		return err
	}
	if err := bus.Store32(g.PLICBase+devices.PLIC_ENABLE_BASE, 1<<g.IRQ); err != nil {
		return err
	}
	if err := bus.Store32(g.PLICBase+devices.PLIC_THRESHOLD, 0); err != nil {
		return err
	}

	divisor := g.Divisor
	if divisor == 0 {
		divisor = 1
	}
	steps := []struct {
		reg uint64
		val byte
	}{
		{devices.UART_REG_LCR, devices.LCR_DLAB | devices.LCR_8BIT},
		{devices.UART_REG_DLM, byte(divisor >> 8)},
		{devices.UART_REG_DLL, byte(divisor)},
		{devices.UART_REG_LCR, devices.LCR_8BIT},
		{devices.UART_REG_FCR, devices.FCR_ENABLE | devices.FCR_RX_CLR | devices.FCR_TX_CLR},
		{devices.UART_REG_MCR, devices.MCR_DTR | devices.MCR_RTS | devices.MCR_OUT2},
		{devices.UART_REG_IER, devices.IER_ERBDA},
	}
	for _, s := range steps {
		if err := g.uartStore(bus, s.reg, s.val); err != nil {
			return fmt.Errorf("uart init: %w", err)
		}
	}
	return g.puts(bus, g.Banner)
}

// putc waits for THR empty, then transmits c.
func (g *EchoGuest) putc(bus *devices.MMIOBus, c byte) error {
	for {
		lsr, err := g.uartLoad(bus, devices.UART_REG_LSR)
		if err != nil {
			return err
		}
		if lsr&devices.LSR_THRE != 0 {
			break
		}
	}
	return g.uartStore(bus, devices.UART_REG_THR, c)
}

func (g *EchoGuest) puts(bus *devices.MMIOBus, s string) error {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			if err := g.putc(bus, '\r'); err != nil {
				return err
			}
		}
		if err := g.putc(bus, s[i]); err != nil {
			return err
		}
	}
	return nil
}

// HandleInterrupt claims from the PLIC, drains the UART receiver and completes.
func (g *EchoGuest) HandleInterrupt(bus *devices.MMIOBus) error {
	claim := g.PLICBase + devices.PLIC_CLAIM
	id, err := bus.Load32(claim)
	if err != nil {
		return err
	}
	if id == 0 {
		return nil
	}
	if id == g.IRQ {
		if err := g.drainReceiver(bus); err != nil {
			return err
		}
	}
	return bus.Store32(claim, id)
}

func (g *EchoGuest) drainReceiver(bus *devices.MMIOBus) error {
	for {
		lsr, err := g.uartLoad(bus, devices.UART_REG_LSR)
		if err != nil {
			return err
		}
		if lsr&devices.LSR_DR == 0 {
			return nil
		}
		c, err := g.uartLoad(bus, devices.UART_REG_RBR)
		if err != nil {
			return err
		}
		g.Received = append(g.Received, c)
		if err := g.putc(bus, c); err != nil {
			return err
		}
		if c == '\r' {
			if err := g.putc(bus, '\n'); err != nil {
				return err
			}
		}
	}
}
