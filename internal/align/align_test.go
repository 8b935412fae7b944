package align

import "testing"

func TestAddress(t *testing.T) {
	cases := []struct {
		addr, alignment, want uint32
	}{
		{0, 4, 0},
		{1, 4, 4},
		{4, 4, 4},
		{5, 4, 8},
		{10, 8, 16},
		{7, 0, 7}, // alignment 0 means "no alignment"
	}

	for _, c := range cases {
		if got := Address(c.addr, c.alignment); got != c.want {
			t.Errorf("Address(%d, %d) = %d, want %d", c.addr, c.alignment, got, c.want)
		}
	}
}

func TestAddressGeneric(t *testing.T) {
	if got := Address(uint64(9), uint64(4)); got != 12 {
		t.Errorf("Address(uint64(9), 4) = %d, want 12", got)
	}
	if got := Address(9, 4); got != 12 {
		t.Errorf("Address(9, 4) = %d, want 12", got)
	}
}
