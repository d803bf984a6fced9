package devices

// UART MMIO window size (8 byte-wide registers)
const UART_MMIO_SIZE uint64 = 8

// Register offsets from the UART base, based on the 16550.
// Offsets 0 and 1 are banked with the divisor latch when LCR.DLAB is set.
const (
	UART_REG_RBR uint64 = 0 // Receive Buffer Register (R)
	UART_REG_THR uint64 = 0 // Transmit Holding Register (W)
	UART_REG_DLL uint64 = 0 // Divisor Latch LSB (DLAB=1)
	UART_REG_IER uint64 = 1 // Interrupt Enable Register
	UART_REG_DLM uint64 = 1 // Divisor Latch MSB (DLAB=1)
	UART_REG_IIR uint64 = 2 // Interrupt Identity Register (R)
	UART_REG_FCR uint64 = 2 // FIFO Control Register (W)
	UART_REG_LCR uint64 = 3 // Line Control Register
	UART_REG_MCR uint64 = 4 // Modem Control Register
	UART_REG_LSR uint64 = 5 // Line Status Register
	UART_REG_MSR uint64 = 6 // Modem Status Register
	UART_REG_SCR uint64 = 7 // Scratch Register

	uartRegMask uint64 = 0x07 // Register index lives in address bits 0-2
)

// Interrupt Enable Register (IER) bits
const (
	IER_ERBDA byte = 0x01 // Enable Received Data Available Interrupt
	IER_ETHRE byte = 0x02 // Enable Transmitter Holding Register Empty Interrupt
	IER_ERLS  byte = 0x04 // Enable Receiver Line Status Interrupt
	IER_EMSC  byte = 0x08 // Enable Modem Status Interrupt
	IER_MASK  byte = 0x0F // Bits 4-7 are always zero
)

// Interrupt Identity Register (IIR) values
const (
	IIR_NOPEND  byte = 0x01 // No Interrupt Pending
	IIR_RD_MSR  byte = 0x00 // Modem Status Change
	IIR_TX_RDY  byte = 0x02 // Transmitter Holding Register Empty
	IIR_RX_RDY  byte = 0x04 // Received Data Available
	IIR_RD_LSR  byte = 0x06 // Receiver Line Status
	IIR_TIMEOUT byte = 0x0C // Character Timeout
	IIR_MASK    byte = 0x0F
	IIR_FIFO    byte = 0xC0 // FIFOs enabled
)

// FIFO Control Register (FCR) bits. Writes are accepted and ignored.
const (
	FCR_ENABLE  byte = 0x01
	FCR_RX_CLR  byte = 0x02
	FCR_TX_CLR  byte = 0x04
	FCR_DMA     byte = 0x08
	FCR_RX_MASK byte = 0xC0 // Receive trigger level (1, 4, 8, 14)
)

// Line Control Register (LCR) bits
const (
	LCR_5BIT  byte = 0x00
	LCR_6BIT  byte = 0x01
	LCR_7BIT  byte = 0x02
	LCR_8BIT  byte = 0x03
	LCR_STOPB byte = 0x04 // Two stop bits
	LCR_PODD  byte = 0x08
	LCR_PEVEN byte = 0x18
	LCR_PMASK byte = 0x38
	LCR_BREAK byte = 0x40
	LCR_DLAB  byte = 0x80 // Divisor Latch Access Bit
)

// Modem Control Register (MCR) bits. Stored, not wired to anything.
const (
	MCR_DTR  byte = 0x01
	MCR_RTS  byte = 0x02
	MCR_OUT1 byte = 0x04
	MCR_OUT2 byte = 0x08
	MCR_LOOP byte = 0x10
)

// Line Status Register (LSR) bits
const (
	LSR_DR   byte = 0x01 // Data Ready
	LSR_OE   byte = 0x02 // Overrun Error
	LSR_PE   byte = 0x04 // Parity Error
	LSR_FE   byte = 0x08 // Framing Error
	LSR_BI   byte = 0x10 // Break Interrupt
	LSR_THRE byte = 0x20 // Transmitter Holding Register Empty
	LSR_TEMT byte = 0x40 // Transmitter Empty
	LSR_ERF  byte = 0x80 // Error in RCVR FIFO
)

// Modem Status Register (MSR) bits
const (
	MSR_DCTS byte = 0x01 // Delta Clear To Send
	MSR_DDSR byte = 0x02 // Delta Data Set Ready
	MSR_TERI byte = 0x04 // Trailing Edge Ring Indicator
	MSR_DDCD byte = 0x08 // Delta Data Carrier Detect
	MSR_CTS  byte = 0x10 // Clear To Send
	MSR_DSR  byte = 0x20 // Data Set Ready
	MSR_RI   byte = 0x40 // Ring Indicator
	MSR_DCD  byte = 0x80 // Data Carrier Detect
)
