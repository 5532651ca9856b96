package frame

import "github.com/anillo-os/anillo/internal/errs"

// Memory is the byte-addressable backing store for a Region: the simulated
// RAM a physical Address actually indexes into. Region tracks which pages
// are free or allocated; Memory holds their content. The split mirrors the
// teacher's vm.PhysicalMemory (internal/vm/mem.go), which combines both
// concerns over one fixed array -- split here because a kernel core has
// many independently sized regions, not one.
type Memory struct {
	region *Region
	bytes  []byte
}

// NewMemory allocates a zeroed byte array backing every page in region.
func NewMemory(region *Region) *Memory {
	return &Memory{
		region: region,
		bytes:  make([]byte, region.PageCount()*PageSize),
	}
}

func (m *Memory) offset(addr Address, length uint64) (uint64, error) {
	if addr < m.region.Base() {
		return 0, errs.New(errs.InvalidArgument, "frame.memory")
	}

	off := uint64(addr-m.region.Base()) * PageSize
	if off+length > uint64(len(m.bytes)) {
		return 0, errs.New(errs.InvalidArgument, "frame.memory")
	}

	return off, nil
}

// WriteAt copies data into the region starting at the first byte of page
// addr; data may run on into the following pages.
func (m *Memory) WriteAt(addr Address, data []byte) error {
	off, err := m.offset(addr, uint64(len(data)))
	if err != nil {
		return err
	}

	copy(m.bytes[off:], data)

	return nil
}

// ReadAt returns a copy of length bytes starting at the first byte of page
// addr.
func (m *Memory) ReadAt(addr Address, length uint64) ([]byte, error) {
	off, err := m.offset(addr, length)
	if err != nil {
		return nil, err
	}

	out := make([]byte, length)
	copy(out, m.bytes[off:off+length])

	return out, nil
}
