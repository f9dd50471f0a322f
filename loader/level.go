package loader

import (
	"fmt"
	"strings"
)

// Level is a stage of the load-level state machine. Levels are strictly
// ordered; a unit at level L has completed every step up to and including L.
type Level int32

const (
	LevelCreate Level = iota
	LevelBegin
	LevelBeforeTypeLoad
	LevelEagerFixups
	LevelDeliverEvents
	LevelVTableFixups
	LevelLoaded
	LevelActive

	levelCount
)

var levelNames = [levelCount]string{
	LevelCreate:         "CREATE",
	LevelBegin:          "BEGIN",
	LevelBeforeTypeLoad: "BEFORE_TYPE_LOAD",
	LevelEagerFixups:    "EAGER_FIXUPS",
	LevelDeliverEvents:  "DELIVER_EVENTS",
	LevelVTableFixups:   "VTABLE_FIXUPS",
	LevelLoaded:         "LOADED",
	LevelActive:         "ACTIVE",
}

func (l Level) String() string {
	if l.Valid() {
		return levelNames[l]
	}
	return fmt.Sprintf("Level(%d)", int32(l))
}

// Valid reports whether l is one of the defined levels.
func (l Level) Valid() bool {
	return l >= LevelCreate && l < levelCount
}

// Next returns the level after l. Next of LevelActive is LevelActive.
func (l Level) Next() Level {
	if l >= LevelActive {
		return LevelActive
	}
	return l + 1
}

// Levels returns every level in order.
func Levels() []Level {
	out := make([]Level, 0, levelCount)
	for l := LevelCreate; l < levelCount; l++ {
		out = append(out, l)
	}
	return out
}

// ParseLevel parses a level name such as "EAGER_FIXUPS" (case-insensitive,
// '-' accepted for '_').
func ParseLevel(s string) (Level, error) {
	name := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	for l, n := range levelNames {
		if n == name {
			return Level(l), nil
		}
	}
	return LevelCreate, fmt.Errorf("unknown load level %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid load level %d", int32(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(text []byte) error {
	v, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = v
	return nil
}
