package internaldefs

import (
	"strings"
	"testing"

	"github.com/MrEthical07/authcore"
)

func TestCounterDefsCoverEveryCounter(t *testing.T) {
	seen := make(map[authcore.MetricID]bool, len(CounterDefs))
	for _, def := range CounterDefs {
		if seen[def.ID] {
			t.Fatalf("duplicate def for %s", def.ID)
		}
		seen[def.ID] = true
		if want := "authcore_" + def.ID.String() + "_total"; def.Name != want {
			t.Fatalf("name %q, want %q", def.Name, want)
		}
		if strings.TrimSpace(def.Help) == "" {
			t.Fatalf("%s has no help text", def.Name)
		}
	}
	for id := authcore.MetricLoginSuccess; id < authcore.MetricValidateLatency; id++ {
		if !seen[id] {
			t.Fatalf("counter %s not exported", id)
		}
	}
}

func TestCumulativeBuckets(t *testing.T) {
	got := CumulativeBuckets(NormalizeBuckets([]uint64{1, 2, 3}))
	want := [8]uint64{1, 3, 6, 6, 6, 6, 6, 6}
	if got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if len(HistogramBounds) != 8 || len(HistogramBoundSuffix) != 8 {
		t.Fatal("bucket bounds out of sync")
	}
}
