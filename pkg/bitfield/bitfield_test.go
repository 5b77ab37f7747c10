package bitfield

import "testing"

// blockFlags mirrors the shape of a block descriptor's packed attributes
// (free bit, linked bit, zone index, type tag) used throughout internal/mm.
type blockFlags struct {
	Free    bool   `bitfield:",1"`
	Linked  bool   `bitfield:",1"`
	ZoneIdx uint32 `bitfield:",4"`
	Tag     uint32 `bitfield:",2"`
}

func TestPackUnpackRoundTrip(t *testing.T) {
	cases := []blockFlags{
		{Free: false, Linked: false, ZoneIdx: 0, Tag: 0},
		{Free: true, Linked: false, ZoneIdx: 3, Tag: 1},
		{Free: false, Linked: true, ZoneIdx: 15, Tag: 3},
		{Free: true, Linked: true, ZoneIdx: 9, Tag: 2},
	}

	for _, want := range cases {
		packed, err := Pack(want, &Config{NumBits: 8})
		if err != nil {
			t.Fatalf("Pack(%+v): %v", want, err)
		}

		var got blockFlags
		if err := Unpack(packed, &got, &Config{NumBits: 8}); err != nil {
			t.Fatalf("Unpack(0x%x): %v", packed, err)
		}

		if got != want {
			t.Errorf("round trip mismatch: want %+v, got %+v (packed=0x%x)", want, got, packed)
		}
	}
}

func TestPackOverflowRejected(t *testing.T) {
	bad := blockFlags{ZoneIdx: 1 << 5} // 32 needs 6 bits; doesn't fit in the 4-bit field
	if _, err := Pack(bad, &Config{NumBits: 8}); err == nil {
		t.Fatal("expected overflow error, got nil")
	}
}

func TestUnpackRequiresPointer(t *testing.T) {
	var got blockFlags
	if err := Unpack(0, got, nil); err == nil {
		t.Fatal("expected error when passing a non-pointer destination")
	}
}
