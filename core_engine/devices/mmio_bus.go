package devices

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnmappedAddress is wrapped by bus errors for accesses no device claims.
var ErrUnmappedAddress = errors.New("unmapped MMIO address")

// MMIODevice is a byte-addressable memory-mapped device. Offsets are relative
// to the device base and always below the registered size.
type MMIODevice interface {
	Load(offset uint64) byte
	Store(offset uint64, val byte)
}

// WordDevice is implemented by devices whose registers must be accessed as
// whole 32-bit words (for example, registers with read side effects).
type WordDevice interface {
	Load32(offset uint64) uint32
	Store32(offset uint64, val uint32)
}

type mmioRegion struct {
	name   string
	base   uint64
	size   uint64
	device MMIODevice
}

func (r *mmioRegion) contains(addr uint64) bool {
	return addr >= r.base && addr-r.base < r.size
}

// MMIOBus routes guest physical addresses to registered devices.
// Regions are registered before the machine runs and are not modified after.
type MMIOBus struct {
	regions []*mmioRegion // sorted by base
}

// NewMMIOBus creates an empty bus.
func NewMMIOBus() *MMIOBus {
	return &MMIOBus{}
}

// RegisterDevice maps device at [base, base+size).
func (bus *MMIOBus) RegisterDevice(name string, base, size uint64, device MMIODevice) error {
	if device == nil {
		return fmt.Errorf("MMIOBus: nil device for %s at 0x%x", name, base)
	}
	if size == 0 || base+size < base {
		return fmt.Errorf("MMIOBus: invalid size 0x%x for %s at 0x%x", size, name, base)
	}
	for _, r := range bus.regions {
		if base < r.base+r.size && r.base < base+size {
			return fmt.Errorf("MMIOBus: %s [0x%x-0x%x) overlaps %s [0x%x-0x%x)",
				name, base, base+size, r.name, r.base, r.base+r.size)
		}
	}
	bus.regions = append(bus.regions, &mmioRegion{name: name, base: base, size: size, device: device})
	sort.Slice(bus.regions, func(i, j int) bool { return bus.regions[i].base < bus.regions[j].base })
	return nil
}

func (bus *MMIOBus) find(addr uint64) *mmioRegion {
	i := sort.Search(len(bus.regions), func(i int) bool {
		r := bus.regions[i]
		return r.base+r.size > addr
	})
	if i < len(bus.regions) && bus.regions[i].contains(addr) {
		return bus.regions[i]
	}
	return nil
}

func (bus *MMIOBus) lookup(addr, width uint64) (*mmioRegion, error) {
	r := bus.find(addr)
	if r == nil || !r.contains(addr+width-1) {
		return nil, fmt.Errorf("MMIOBus: %d-byte access at 0x%x: %w", width, addr, ErrUnmappedAddress)
	}
	return r, nil
}

// Load reads one byte.
func (bus *MMIOBus) Load(addr uint64) (byte, error) {
	r, err := bus.lookup(addr, 1)
	if err != nil {
		return 0, err
	}
	return r.device.Load(addr - r.base), nil
}

// Store writes one byte.
func (bus *MMIOBus) Store(addr uint64, val byte) error {
	r, err := bus.lookup(addr, 1)
	if err != nil {
		return err
	}
	r.device.Store(addr-r.base, val)
	return nil
}

// Load32 reads a little-endian word, as one access on a WordDevice or as four
// byte loads otherwise.
func (bus *MMIOBus) Load32(addr uint64) (uint32, error) {
	r, err := bus.lookup(addr, 4)
	if err != nil {
		return 0, err
	}
	offset := addr - r.base
	if wd, ok := r.device.(WordDevice); ok {
		return wd.Load32(offset), nil
	}
	var v uint32
	for i := uint64(0); i < 4; i++ {
		v |= uint32(r.device.Load(offset+i)) << (8 * i)
	}
	return v, nil
}

// Store32 writes a little-endian word.
func (bus *MMIOBus) Store32(addr uint64, val uint32) error {
	r, err := bus.lookup(addr, 4)
	if err != nil {
		return err
	}
	offset := addr - r.base
	if wd, ok := r.device.(WordDevice); ok {
		wd.Store32(offset, val)
		return nil
	}
	for i := uint64(0); i < 4; i++ {
		r.device.Store(offset+i, byte(val>>(8*i)))
	}
	return nil
}
