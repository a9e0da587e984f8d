package strategy

import (
	"strings"
	"testing"
)

func TestRegistryBuildsKnownFormulas(t *testing.T) {
	t.Parallel()

	orb, err := New("ORB", Params{"range_minutes": "10"})
	if err != nil {
		t.Fatal(err)
	}
	if orb.Name() != "ORB" {
		t.Errorf("name = %q, want ORB", orb.Name())
	}

	cross, err := New("EMA_CROSS", nil)
	if err != nil {
		t.Fatal(err)
	}
	if cross.Warmup() != 22 {
		t.Errorf("default EMA_CROSS warmup = %d, want 22", cross.Warmup())
	}

	names := Names()
	for _, want := range []string{"EMA_CROSS", "ORB"} {
		found := false
		for _, n := range names {
			if n == want {
				found = true
			}
		}
		if !found {
			t.Errorf("Names() = %v, missing %s", names, want)
		}
	}
}

func TestRegistryUnknownName(t *testing.T) {
	t.Parallel()

	_, err := New("NO_SUCH_STRATEGY", nil)
	if err == nil {
		t.Fatal("no error for unknown strategy")
	}
	if !strings.Contains(err.Error(), "unknown strategy") {
		t.Errorf("error = %v", err)
	}
}

func TestParamsGetters(t *testing.T) {
	t.Parallel()

	p := Params{
		"pct":     "0.015",
		"count":   "7",
		"flag":    "true",
		"garbage": "not-a-number",
	}

	if got := p.Decimal("pct", 0.5); !got.Equal(d("0.015")) {
		t.Errorf("Decimal = %s, want 0.015", got)
	}
	if got := p.Decimal("missing", 0.5); !got.Equal(d("0.5")) {
		t.Errorf("Decimal default = %s, want 0.5", got)
	}
	if got := p.Decimal("garbage", 0.25); !got.Equal(d("0.25")) {
		t.Errorf("Decimal garbage fallback = %s, want 0.25", got)
	}

	if got := p.Int("count", 1); got != 7 {
		t.Errorf("Int = %d, want 7", got)
	}
	if got := p.Int("garbage", 3); got != 3 {
		t.Errorf("Int garbage fallback = %d, want 3", got)
	}

	if got := p.Bool("flag", false); !got {
		t.Error("Bool = false, want true")
	}
	if got := p.Bool("missing", true); !got {
		t.Error("Bool default = false, want true")
	}
}
