package bundle

import (
	"bytes"
	"testing"

	"github.com/lunixbochs/struc"
)

func TestWriteBundleRoundTrip(t *testing.T) {
	serA, err := Serialize(ModuleInput{Name: "a", Sections: []Section{{}, {Data: []byte{0xAA}, Align: 1, Size: 1}}})
	if err != nil {
		t.Fatalf("Serialize(a): %v", err)
	}
	serB, err := Serialize(ModuleInput{Name: "bb", Sections: []Section{{}, {Data: []byte{0xBB, 0xBB}, Align: 1, Size: 2}}})
	if err != nil {
		t.Fatalf("Serialize(bb): %v", err)
	}

	modules := []NamedModule{
		{Name: "a", Serialized: *serA},
		{Name: "bb", Serialized: *serB},
	}

	buf := &bytes.Buffer{}
	n, err := WriteBundle(buf, modules)
	if err != nil {
		t.Fatalf("WriteBundle: %v", err)
	}
	if n != int64(buf.Len()) {
		t.Fatalf("WriteBundle returned %d, but buffer holds %d bytes", n, buf.Len())
	}

	out := buf.Bytes()

	var outer OuterHeader
	if err := struc.UnpackWithOptions(bytes.NewReader(out[:8]), &outer, &byteOrder); err != nil {
		t.Fatalf("unpack OuterHeader: %v", err)
	}
	if outer.NumModules != 2 {
		t.Fatalf("NumModules = %d, want 2", outer.NumModules)
	}

	handleTableSize := outer.NumModules * HandleRecordSize
	records := make([]HandleRecord, outer.NumModules)
	for i := range records {
		ofs := 8 + uint32(i)*HandleRecordSize
		if err := struc.UnpackWithOptions(bytes.NewReader(out[ofs:ofs+HandleRecordSize]), &records[i], &byteOrder); err != nil {
			t.Fatalf("unpack HandleRecord %d: %v", i, err)
		}
	}

	stringTableBase := 8 + handleTableSize
	name0 := readCStringAt(out, stringTableBase+records[0].NameOffset-handleTableSize)
	name1 := readCStringAt(out, stringTableBase+records[1].NameOffset-handleTableSize)
	if name0 != "a" || name1 != "bb" {
		t.Fatalf("names = %q, %q, want \"a\", \"bb\"", name0, name1)
	}

	if records[0].RomOffset != 0 {
		t.Fatalf("records[0].RomOffset = %d, want 0", records[0].RomOffset)
	}
	if records[1].RomOffset != uint32(len(serA.Blob)) {
		t.Fatalf("records[1].RomOffset = %d, want %d", records[1].RomOffset, len(serA.Blob))
	}

	moduleDataBase := 8 + handleTableSize + outer.StringTableSize
	blobA := out[moduleDataBase+records[0].RomOffset : moduleDataBase+records[0].RomOffset+records[0].ModuleSize]
	if !bytes.Equal(blobA, serA.Blob) {
		t.Fatal("module a's blob did not round-trip through WriteBundle unchanged")
	}
}

func readCStringAt(b []byte, ofs uint32) string {
	end := ofs
	for end < uint32(len(b)) && b[end] != 0 {
		end++
	}
	return string(b[ofs:end])
}
