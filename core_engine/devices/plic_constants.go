package devices

// PLIC register layout (single hart context, SiFive-compatible offsets)
const (
	PLIC_PRIORITY_BASE uint64 = 0x000000 // 32-bit priority per source, source 0 reserved
	PLIC_PENDING_BASE  uint64 = 0x001000 // Pending bits, one per source
	PLIC_ENABLE_BASE   uint64 = 0x002000 // Context 0 enable bits
	PLIC_THRESHOLD     uint64 = 0x200000 // Context 0 priority threshold
	PLIC_CLAIM         uint64 = 0x200004 // Context 0 claim (read) / complete (write)

	PLIC_MMIO_SIZE uint64 = 0x400000
)

// Interrupt sources
const (
	PLIC_NUM_SOURCES  uint32 = 32 // Source IDs 1-31 are usable
	PLIC_MAX_PRIORITY uint32 = 7

	UART0_IRQ uint32 = 10 // Conventional UART line on RISC-V virt boards
)
