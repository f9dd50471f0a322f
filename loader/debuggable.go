package loader

import (
	"fmt"
	"strings"
)

// DebuggableAttribute is the custom attribute that carries per-image
// debugging configuration.
const DebuggableAttribute = "System.Diagnostics.DebuggableAttribute"

// DebuggerBits is the debugging configuration of a unit's module.
type DebuggerBits uint32

const (
	DebugTrackJITInfo DebuggerBits = 1 << iota
	DebugIgnoreSymbols
	DebugAllowJITOpts

	DebugNone DebuggerBits = 0
)

// TrackJITInfo reports whether debug info tracking is on.
func (b DebuggerBits) TrackJITInfo() bool { return b&DebugTrackJITInfo != 0 }

// IgnoreSymbols reports whether external debug symbol files are ignored.
func (b DebuggerBits) IgnoreSymbols() bool { return b&DebugIgnoreSymbols != 0 }

// AllowJITOpts reports whether optimizing compilation is allowed.
func (b DebuggerBits) AllowJITOpts() bool { return b&DebugAllowJITOpts != 0 }

func (b DebuggerBits) String() string {
	if b == DebugNone {
		return "none"
	}
	var parts []string
	if b.TrackJITInfo() {
		parts = append(parts, "track")
	}
	if b.IgnoreSymbols() {
		parts = append(parts, "ignore-symbols")
	}
	if b.AllowJITOpts() {
		parts = append(parts, "allow-opts")
	}
	return strings.Join(parts, "|")
}

// DecodeDebuggable applies a debuggable attribute blob to bits.
//
// Layout: 1, 0, flags, disable-opts, then 2 or 4 trailing bytes. Bit 0 of
// flags tracks debug info, bit 1 ignores symbol files. Optimizations stay
// allowed whenever tracking is off.
func DecodeDebuggable(blob []byte, bits DebuggerBits) (DebuggerBits, error) {
	if len(blob) != 6 && len(blob) != 8 {
		return bits, fmt.Errorf("%w: debuggable blob is %d bytes, want 6 or 8", ErrBadImageFormat, len(blob))
	}
	if blob[0] != 1 || blob[1] != 0 {
		return bits, fmt.Errorf("%w: debuggable blob prolog %#02x %#02x", ErrBadImageFormat, blob[0], blob[1])
	}

	track := blob[2]&0x1 != 0
	if track {
		bits |= DebugTrackJITInfo
	} else {
		bits &^= DebugTrackJITInfo
	}

	if blob[2]&0x2 != 0 {
		bits |= DebugIgnoreSymbols
	} else {
		bits &^= DebugIgnoreSymbols
	}

	if !track || blob[3] == 0 {
		bits |= DebugAllowJITOpts
	} else {
		bits &^= DebugAllowJITOpts
	}
	return bits, nil
}

// DebuggingConfig computes the debugger bits for img. Without the
// attribute the result is DebugAllowJITOpts.
func DebuggingConfig(img Image) (DebuggerBits, error) {
	bits := DebugAllowJITOpts
	blob, ok := img.CustomAttribute(DebuggableAttribute)
	if !ok {
		return bits, nil
	}
	return DecodeDebuggable(blob, bits)
}
