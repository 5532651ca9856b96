package bootcfg

import (
	"encoding/binary"
	"io"

	"github.com/anillo-os/anillo/internal/errs"
)

// ramdiskMagic identifies an anillo ramdisk image; "ANLO" as a
// little-endian uint32.
const ramdiskMagic uint32 = 0x4f4c4e41

// RamdiskVersion is the only header version this codec understands.
const RamdiskVersion uint32 = 1

// ramdiskHeaderSize is the encoded size of RamdiskHeader: four uint32/
// uint64 fields, no padding.
const ramdiskHeaderSize = 4 + 4 + 8 + 8

// RamdiskHeader is the fixed-size header prefixing a ramdisk image
// (§6): a magic number, a version, the entry point the kernel core
// should hand the first process, and the page count the image spans.
type RamdiskHeader struct {
	Magic      uint32
	Version    uint32
	EntryPoint uint64
	PageCount  uint64
}

// DecodeRamdiskHeader reads and validates a RamdiskHeader from r. It
// returns errs.InvalidArgument if the header is truncated or the magic
// doesn't match, and errs.Unsupported if the version isn't RamdiskVersion.
func DecodeRamdiskHeader(r io.Reader) (*RamdiskHeader, error) {
	buf := make([]byte, ramdiskHeaderSize)

	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, "bootcfg.decode_ramdisk_header", err)
	}

	h := &RamdiskHeader{
		Magic:      binary.LittleEndian.Uint32(buf[0:4]),
		Version:    binary.LittleEndian.Uint32(buf[4:8]),
		EntryPoint: binary.LittleEndian.Uint64(buf[8:16]),
		PageCount:  binary.LittleEndian.Uint64(buf[16:24]),
	}

	if h.Magic != ramdiskMagic {
		return nil, errs.New(errs.InvalidArgument, "bootcfg.decode_ramdisk_header")
	}

	if h.Version != RamdiskVersion {
		return nil, errs.New(errs.Unsupported, "bootcfg.decode_ramdisk_header")
	}

	return h, nil
}

// EncodeRamdiskHeader writes h's wire representation to w. Magic and
// Version are always written as the canonical values, regardless of
// what h's fields hold, so a caller building a header need only set
// EntryPoint and PageCount.
func EncodeRamdiskHeader(w io.Writer, h *RamdiskHeader) error {
	buf := make([]byte, ramdiskHeaderSize)

	binary.LittleEndian.PutUint32(buf[0:4], ramdiskMagic)
	binary.LittleEndian.PutUint32(buf[4:8], RamdiskVersion)
	binary.LittleEndian.PutUint64(buf[8:16], h.EntryPoint)
	binary.LittleEndian.PutUint64(buf[16:24], h.PageCount)

	if _, err := w.Write(buf); err != nil {
		return errs.Wrap(errs.Unknown, "bootcfg.encode_ramdisk_header", err)
	}

	return nil
}
