package aqua

import "testing"

func TestParseUUID(t *testing.T) {
	tt := []struct {
		in   string
		want string
		len  int
	}{
		{"180d", "180D", 2},
		{"2A19", "2A19", 2},
		{"0000180d", "0000180D", 4},
		{"0000180d-0000-1000-8000-00805f9b34fb", "0000180D00001000800000805F9B34FB", 16},
	}

	for _, tc := range tt {
		u, err := Parse(tc.in)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.in, err)
		}
		if len(u) != tc.len {
			t.Fatalf("parse %q: length %d, want %d", tc.in, len(u), tc.len)
		}
		if got := u.String(); got != tc.want {
			t.Fatalf("parse %q: got %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseUUIDInvalid(t *testing.T) {
	for _, in := range []string{"", "18", "180", "180dd", "xyz1"} {
		if _, err := Parse(in); err == nil {
			t.Fatalf("parse %q: expected error", in)
		}
	}
}

func TestUUIDWireOrder(t *testing.T) {
	u := MustParse("180d")

	// stored little endian, printed big endian
	if u[0] != 0x0d || u[1] != 0x18 {
		t.Fatalf("wire bytes % x", []byte(u))
	}
}

func TestUUIDEqual(t *testing.T) {
	if !MustParse("180d").Equal(MustParse("180D")) {
		t.Fatal("case must not matter")
	}
	if MustParse("180d").Equal(MustParse("180f")) {
		t.Fatal("distinct uuids compared equal")
	}
	if MustParse("180d").Equal(MustParse("0000180d")) {
		t.Fatal("lengths must match")
	}
}
