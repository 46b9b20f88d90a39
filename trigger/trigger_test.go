package trigger_test

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nasa-jpl/piscope/decode"
	"github.com/nasa-jpl/piscope/trigger"
)

func ramp(vals ...float64) []decode.Sample {
	out := make([]decode.Sample, len(vals))
	for i, v := range vals {
		out[i] = decode.Sample{Value: v, Index: i}
	}
	return out
}

func rising(n int) []decode.Sample {
	vals := make([]float64, n)
	for i := range vals {
		vals[i] = float64(i)
	}
	return ramp(vals...)
}

func ExampleSearch() {
	r := trigger.Search(rising(100), trigger.Rising, trigger.Levels{Low: 10, High: 20}, 0)
	fmt.Println(r.Triggered, r.Start)
	// Output: true 10
}

func TestFallingEdge(t *testing.T) {
	s := ramp(5, 5, 4, 3, 2, 1, 0)
	r := trigger.Search(s, trigger.Falling, trigger.Levels{Low: 1, High: 4}, 0)
	if !r.Triggered || r.Start != 2 {
		t.Errorf("expected a trigger starting at 2, got %+v", r)
	}
}

func TestNoEdge(t *testing.T) {
	s := ramp(15, 16, 25, 30)
	r := trigger.Search(s, trigger.Rising, trigger.Levels{Low: 10, High: 20}, 0)
	if r.Triggered || r.Start != -1 {
		t.Errorf("expected no trigger, got %+v", r)
	}
	if r := trigger.Search(rising(100), trigger.None, trigger.Levels{Low: 10, High: 20}, 0); r.Triggered {
		t.Error("expected mode none never to trigger")
	}
}

func TestSkipIsClamped(t *testing.T) {
	s := rising(30)
	lv := trigger.Levels{Low: 10, High: 20}
	if r := trigger.Search(s, trigger.Rising, lv, -5); r.Start != 10 {
		t.Errorf("expected a negative skip to search from 0, got %+v", r)
	}
	if r := trigger.Search(s, trigger.Rising, lv, 15); r.Triggered {
		t.Errorf("expected no leading sample past 15, got %+v", r)
	}
	if r := trigger.Search(s, trigger.Rising, lv, 100); r.Triggered {
		t.Errorf("expected nothing past the end, got %+v", r)
	}
}

func TestAuto(t *testing.T) {
	lv := trigger.Auto(ramp(0, 10, 5))
	if diff := cmp.Diff(trigger.Levels{Low: 2, High: 8}, lv); diff != "" {
		t.Errorf("levels mismatch (-want +got):\n%s", diff)
	}
}

func TestRebase(t *testing.T) {
	got := trigger.Rebase([]float64{0, 1, 2, 3}, 2)
	if diff := cmp.Diff([]float64{-2, -1, 0, 1}, got); diff != "" {
		t.Errorf("rebase mismatch (-want +got):\n%s", diff)
	}
}

func TestParseMode(t *testing.T) {
	for _, m := range []trigger.Mode{trigger.None, trigger.Rising, trigger.Falling} {
		got, err := trigger.ParseMode(m.String())
		if err != nil || got != m {
			t.Errorf("expected %v got %v (%v)", m, got, err)
		}
	}
	if _, err := trigger.ParseMode("sideways"); err == nil {
		t.Error("expected an error for an unknown mode")
	}
}
