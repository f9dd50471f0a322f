package loader

import (
	"testing"
)

func TestLevelOrderAndNames(t *testing.T) {
	levels := Levels()
	if len(levels) != 8 {
		t.Fatalf("Levels() has %d entries, want 8", len(levels))
	}
	for i := 1; i < len(levels); i++ {
		if levels[i] <= levels[i-1] {
			t.Errorf("level %s is not after %s", levels[i], levels[i-1])
		}
		if levels[i-1].Next() != levels[i] {
			t.Errorf("%s.Next() = %s, want %s", levels[i-1], levels[i-1].Next(), levels[i])
		}
	}
	if LevelActive.Next() != LevelActive {
		t.Error("ACTIVE.Next() should stay ACTIVE")
	}
	if got := Level(42).String(); got != "Level(42)" {
		t.Errorf("Level(42).String() = %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"CREATE", LevelCreate, false},
		{"eager-fixups", LevelEagerFixups, false},
		{" vtable_fixups ", LevelVTableFixups, false},
		{"Active", LevelActive, false},
		{"loaded!", LevelCreate, true},
		{"", LevelCreate, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %t", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestLevelText(t *testing.T) {
	var l Level
	if err := l.UnmarshalText([]byte("deliver_events")); err != nil {
		t.Fatal(err)
	}
	if l != LevelDeliverEvents {
		t.Errorf("UnmarshalText = %s, want DELIVER_EVENTS", l)
	}
	b, err := LevelLoaded.MarshalText()
	if err != nil || string(b) != "LOADED" {
		t.Errorf("MarshalText = %q, %v", b, err)
	}
	if _, err := Level(99).MarshalText(); err == nil {
		t.Error("MarshalText of an invalid level should fail")
	}
}
