package devices

import (
	"log"
	"sync"
)

// PLICDevice is a platform-level interrupt controller with one hart context.
// Devices raise lines with SignalIRQ; the hart claims and completes them
// through the claim register.
type PLICDevice struct {
	lock sync.Mutex

	priority  [PLIC_NUM_SOURCES]uint32
	pending   uint32 // Pending bits (gateway output)
	enable    uint32 // Context 0 enable bits
	inService uint32 // Claimed, not yet completed
	threshold uint32

	Debug bool
}

// NewPLICDevice creates a PLIC with every source disabled.
func NewPLICDevice() *PLICDevice {
	return &PLICDevice{}
}

func validSource(id uint32) bool {
	return id > 0 && id < PLIC_NUM_SOURCES
}

// SignalIRQ marks line pending. Repeated calls while the line is pending or in
// service have no further effect; unknown lines are ignored.
func (p *PLICDevice) SignalIRQ(line uint32) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if !validSource(line) {
		if p.Debug {
			log.Printf("PLICDevice: ignoring signal on invalid line %d", line)
		}
		return
	}
	if p.inService&(1<<line) != 0 {
		return
	}
	p.pending |= 1 << line
}

// bestLocked returns the highest priority claimable source, or 0.
// Ties go to the lowest source ID.
func (p *PLICDevice) bestLocked() uint32 {
	candidates := p.pending & p.enable &^ p.inService
	best, bestPrio := uint32(0), p.threshold
	for id := uint32(1); id < PLIC_NUM_SOURCES; id++ {
		if candidates&(1<<id) == 0 {
			continue
		}
		if p.priority[id] > bestPrio {
			best, bestPrio = id, p.priority[id]
		}
	}
	return best
}

// HasPendingInterrupts reports whether a claim would return a source.
func (p *PLICDevice) HasPendingInterrupts() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.bestLocked() != 0
}

// Claim returns the highest priority pending source and moves it in service.
// It returns 0 if nothing is claimable.
func (p *PLICDevice) Claim() uint32 {
	p.lock.Lock()
	defer p.lock.Unlock()

	id := p.bestLocked()
	if id != 0 {
		p.pending &^= 1 << id
		p.inService |= 1 << id
	}
	return id
}

// Complete ends service of id so the source can be signaled again.
func (p *PLICDevice) Complete(id uint32) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if validSource(id) {
		p.inService &^= 1 << id
	}
}

// Load32 reads a 32-bit PLIC register. Reading the claim register claims.
func (p *PLICDevice) Load32(offset uint64) uint32 {
	if offset == PLIC_CLAIM {
		return p.Claim()
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.readLocked(offset &^ 3)
}

// Store32 writes a 32-bit PLIC register. Writing the claim register completes.
func (p *PLICDevice) Store32(offset uint64, val uint32) {
	if offset == PLIC_CLAIM {
		p.Complete(val)
		return
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	p.writeLocked(offset&^3, val)
}

// Load reads one byte of a PLIC register. The claim register is not byte
// accessible and reads as zero.
func (p *PLICDevice) Load(offset uint64) byte {
	word := offset &^ 3
	if word == PLIC_CLAIM {
		return 0
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	return byte(p.readLocked(word) >> (8 * (offset & 3)))
}

// Store writes one byte of a PLIC register, leaving the other bytes unchanged.
func (p *PLICDevice) Store(offset uint64, val byte) {
	word := offset &^ 3
	if word == PLIC_CLAIM {
		if p.Debug {
			log.Printf("PLICDevice: byte write to claim register ignored")
		}
		return
	}
	shift := 8 * (offset & 3)

	p.lock.Lock()
	defer p.lock.Unlock()
	cur := p.readLocked(word)
	cur = cur&^(0xFF<<shift) | uint32(val)<<shift
	p.writeLocked(word, cur)
}

func (p *PLICDevice) readLocked(word uint64) uint32 {
	switch {
	case word < PLIC_PENDING_BASE:
		id := word / 4
		if id < uint64(PLIC_NUM_SOURCES) {
			return p.priority[id]
		}
	case word == PLIC_PENDING_BASE:
		return p.pending
	case word == PLIC_ENABLE_BASE:
		return p.enable
	case word == PLIC_THRESHOLD:
		return p.threshold
	}
	return 0
}

func (p *PLICDevice) writeLocked(word uint64, val uint32) {
	switch {
	case word < PLIC_PENDING_BASE:
		id := word / 4
		if id > 0 && id < uint64(PLIC_NUM_SOURCES) {
			p.priority[id] = val & PLIC_MAX_PRIORITY
		}
	case word == PLIC_PENDING_BASE:
		// Pending bits are set by sources only
	case word == PLIC_ENABLE_BASE:
		p.enable = val &^ 1 // Source 0 does not exist
	case word == PLIC_THRESHOLD:
		p.threshold = val & PLIC_MAX_PRIORITY
	default:
		if p.Debug {
			log.Printf("PLICDevice: unhandled write of 0x%x to offset 0x%x", val, word)
		}
	}
}
