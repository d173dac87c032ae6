package cansim

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestParseGeneratorSpec(t *testing.T) {
	cases := []struct {
		in   string
		want GeneratorSpec
	}{
		{"id:0x110:d1:00:d2:3C:freq:10", GeneratorSpec{ID: 0x110, Data: []byte{0x00, 0x3C}, FrequencyHz: 10}},
		{"id:7DF", GeneratorSpec{ID: 0x7DF, FrequencyHz: 1}},
		{"id:18FF0121:freq:0.5:d1:ff", GeneratorSpec{ID: 0x18FF0121, Data: []byte{0xFF}, FrequencyHz: 0.5}},
		{"id:1:d1:1:d2:2:d3:3:d4:4:d5:5:d6:6:d7:7:d8:8", GeneratorSpec{ID: 1, Data: []byte{1, 2, 3, 4, 5, 6, 7, 8}, FrequencyHz: 1}},
	}
	for _, tc := range cases {
		got, err := ParseGeneratorSpec(tc.in)
		if err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if got.ID != tc.want.ID || got.FrequencyHz != tc.want.FrequencyHz || !bytes.Equal(got.Data, tc.want.Data) {
			t.Fatalf("%q: got %+v want %+v", tc.in, got, tc.want)
		}
	}
}

func TestParseGeneratorSpec_Malformed(t *testing.T) {
	for _, in := range []string{
		"",
		"id",
		"id:xyz",
		"id:110:d1",
		"id:110:d1:100",
		"id:110:freq:fast",
		"id:110:bogus:1",
		"id:1:d1:1:d2:2:d3:3:d4:4:d5:5:d6:6:d7:7:d8:8:d9:9",
	} {
		if _, err := ParseGeneratorSpec(in); !errors.Is(err, ErrMalformedGenerator) {
			t.Fatalf("%q: err = %v, want ErrMalformedGenerator", in, err)
		}
	}
	if _, ok := LenientGeneratorSpec("id:110:d1", nil); ok {
		t.Fatalf("lenient parse of malformed spec should report !ok")
	}
}

func TestGeneratorSpec_Period(t *testing.T) {
	if got := (GeneratorSpec{FrequencyHz: 10}).Period(); got != 100*time.Millisecond {
		t.Fatalf("10 Hz period = %v", got)
	}
	floor := time.Duration(float64(time.Second) / MinFrequency)
	for _, hz := range []float64{0, -5} {
		if got := (GeneratorSpec{FrequencyHz: hz}).Period(); got != floor {
			t.Fatalf("%v Hz period = %v, want %v", hz, got, floor)
		}
	}
}

func TestGeneratorSpec_Frame(t *testing.T) {
	g := GeneratorSpec{ID: 0x110, Data: []byte{0x00, 0x3C}, FrequencyHz: 10}
	a, b := g.Frame(), g.Frame()
	if a.ID != 0x110 || a.Extended || a.DLC != 2 || !bytes.Equal(a.Data, g.Data) {
		t.Fatalf("frame = %+v", a)
	}
	a.Data[0] = 0xFF
	if b.Data[0] != 0 || g.Data[0] != 0 {
		t.Fatalf("generated frames share payload")
	}
	if !(GeneratorSpec{ID: 0x18FF0121}).Frame().Extended {
		t.Fatalf("ids above 0x7FF should be extended")
	}
}
