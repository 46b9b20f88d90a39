package decode_test

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nasa-jpl/piscope/decode"
)

func ExampleSerial12() {
	// code 1023 is 0x3FF: 0x3F then 0xF0
	s := decode.Serial12([]byte{0x3F, 0xF0, 0x00, 0x00}, -2, 2)
	fmt.Println(s[0].Value, s[1].Value)
	// Output: 2 -2
}

func TestPacked8(t *testing.T) {
	words := []uint16{0xFF00, 0x3366}
	got := decode.Packed8(words, 3, 2)
	exp := []decode.Sample{{Value: 2, Index: 0}, {Value: 0, Index: 1}, {Value: 0.4, Index: 2}}
	if diff := cmp.Diff(exp, got); diff != "" {
		t.Errorf("packed samples mismatch (-want +got):\n%s", diff)
	}
	if len(decode.Packed8(words, 10, 2)) != 4 {
		t.Error("expected the sample count clamped to the buffer")
	}
}

func TestWide8(t *testing.T) {
	words := decode.Words16([]byte{0x33, 0xFF, 0x00, 0x66})
	ch0 := decode.Values(decode.Wide8(words, 2, 0, 2))
	ch1 := decode.Values(decode.Wide8(words, 2, 1, 2))
	if diff := cmp.Diff([]float64{0.4, 0}, ch0); diff != "" {
		t.Errorf("channel 0 mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{2, 0.8}, ch1); diff != "" {
		t.Errorf("channel 1 mismatch (-want +got):\n%s", diff)
	}
}
