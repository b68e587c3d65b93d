package trading

import (
	"encoding/json"
	"math"
	"testing"
	"time"
)

func TestDefaultIsValidWhenEnabled(t *testing.T) {
	s := Default()
	s.Enabled = true
	if err := s.Validate(); err != nil {
		t.Fatalf("default settings rejected: %v", err)
	}
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	cases := map[string]func(*Settings){
		"buy above one":       func(s *Settings) { s.BuyThresholdPct = 1.5 },
		"sell below zero":     func(s *Settings) { s.SellThresholdPct = -0.1 },
		"negative position":   func(s *Settings) { s.MaxPositionPerTrade = -1 },
		"enabled no position": func(s *Settings) { *s = Settings{Enabled: true} },
	}
	for name, mutate := range cases {
		s := Default()
		mutate(&s)
		if err := s.Validate(); err == nil {
			t.Fatalf("%s: expected validation error for %+v", name, s)
		}
	}
}

func TestValidateRejectsNonFinite(t *testing.T) {
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		s := Default()
		s.Enabled = true
		s.BuyThresholdPct = v
		if err := s.Validate(); err == nil {
			t.Fatalf("buy threshold %v accepted", v)
		}

		s = Default()
		s.Enabled = true
		s.SellThresholdPct = v
		if err := s.Validate(); err == nil {
			t.Fatalf("sell threshold %v accepted", v)
		}
	}
}

func TestStoppedIsValid(t *testing.T) {
	s := Stopped("sess", time.Unix(10, 0))
	if err := s.Validate(); err != nil {
		t.Fatalf("stopped settings rejected: %v", err)
	}
	if s.Enabled {
		t.Fatalf("stopped settings still enabled")
	}
	if got := s.StatusValue(); got != StatusStopped {
		t.Fatalf("unexpected status %q", got)
	}
}

func TestWireFieldNames(t *testing.T) {
	s := Default()
	s.Enabled = true
	raw, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := map[string]any{
		"enabled":                true,
		"buy_threshold_pct":      0.05,
		"sell_threshold_pct":     0.05,
		"max_position_per_trade": float64(1),
	}
	for key, v := range want {
		if fields[key] != v {
			t.Fatalf("field %s = %v, want %v", key, fields[key], v)
		}
	}
}

func TestEquivalentIgnoresIssueTime(t *testing.T) {
	a := Default()
	a.IssuedAt = time.Unix(1, 0)
	b := Default()
	b.IssuedAt = time.Unix(2, 0)
	b.SessionID = "other"
	if !a.Equivalent(b) {
		t.Fatalf("records differing only in issue time should be equivalent")
	}

	b.Enabled = true
	if a.Equivalent(b) {
		t.Fatalf("records differing in enabled flag should not be equivalent")
	}
}
