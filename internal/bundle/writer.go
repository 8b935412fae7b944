package bundle

import (
	"bytes"
	"fmt"
	"io"

	"github.com/cbarrett/ultramod/internal/align"
	"github.com/cbarrett/ultramod/internal/iometa"
	"github.com/lunixbochs/struc"
)

// NamedModule pairs a module's name with its serialized blob, in the order
// it should appear in the bundle's handle table.
type NamedModule struct {
	Name string
	Serialized
}

// WriteBundle assembles the final bundle: outer header, handle records,
// name string table, then every module blob concatenated in order. It
// computes layout-dependent offsets up front, then streams everything out
// in one pass.
func WriteBundle(w io.Writer, modules []NamedModule) (int64, error) {
	stringTable, nameOffsets := buildStringTable(modules)

	header := OuterHeader{
		NumModules:      uint32(len(modules)),
		StringTableSize: uint32(len(stringTable)),
	}

	// ModuleInit allocates and reads the handle array and string table as a
	// single contiguous block; NameOffset is stored relative to the start of
	// that block (handle-table base), not the absolute file offset, so the
	// runtime fixup "name += base(handle_array)" lands on the right byte.
	handleTableSize := uint32(len(modules)) * HandleRecordSize

	romOffset := uint32(0)
	records := make([]HandleRecord, len(modules))
	for i, mod := range modules {
		records[i] = HandleRecord{
			NameOffset:  handleTableSize + nameOffsets[i],
			ModuleAlign: mod.ModuleAlign,
			ModuleSize:  mod.ModuleSize,
			RomOffset:   romOffset,
			NoloadAlign: mod.NoloadAlign,
			NoloadSize:  mod.NoloadSize,
		}

		romOffset += uint32(len(mod.Blob))
	}

	cw := &iometa.CountingWriter{Writer: w}

	if err := struc.PackWithOptions(cw, &header, &byteOrder); err != nil {
		return int64(cw.BytesWritten()), fmt.Errorf("failed to write outer header: %w", err)
	}

	for i, rec := range records {
		if err := struc.PackWithOptions(cw, &rec, &byteOrder); err != nil {
			return int64(cw.BytesWritten()), fmt.Errorf("failed to write handle record %d (%s): %w", i, modules[i].Name, err)
		}
	}

	if _, err := cw.Write(stringTable); err != nil {
		return int64(cw.BytesWritten()), fmt.Errorf("failed to write string table: %w", err)
	}

	for _, mod := range modules {
		if _, err := cw.Write(mod.Blob); err != nil {
			return int64(cw.BytesWritten()), fmt.Errorf("failed to write blob for module %q: %w", mod.Name, err)
		}
	}

	return int64(cw.BytesWritten()), nil
}

// buildStringTable concatenates every module name, NUL-terminated, rounding
// the whole table up to a 2-byte boundary, and returns each name's offset
// relative to the start of the table.
func buildStringTable(modules []NamedModule) ([]byte, []uint32) {
	buf := &bytes.Buffer{}
	offsets := make([]uint32, len(modules))

	for i, mod := range modules {
		offsets[i] = uint32(buf.Len())
		buf.WriteString(mod.Name)
		buf.WriteByte(0)
	}

	if pad := align.Address(uint32(buf.Len()), 2) - uint32(buf.Len()); pad > 0 {
		buf.Write(make([]byte, pad))
	}

	return buf.Bytes(), offsets
}
