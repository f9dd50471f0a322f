package loader

import (
	"errors"
	"testing"
)

func TestDecodeDebuggable(t *testing.T) {
	tests := []struct {
		name          string
		blob          []byte
		wantTrack     bool
		wantIgnore    bool
		wantAllowOpts bool
		wantErr       error
	}{
		{
			name:      "tracking with opts disabled",
			blob:      []byte{1, 0, 0x1, 0x1, 0, 0},
			wantTrack: true,
		},
		{
			name:       "tracking and ignore symbols, opts disabled",
			blob:       []byte{1, 0, 0x3, 0x1, 0, 0},
			wantTrack:  true,
			wantIgnore: true,
		},
		{
			name:          "nothing set",
			blob:          []byte{1, 0, 0x0, 0x0, 0, 0},
			wantAllowOpts: true,
		},
		{
			name:          "disable opts ignored without tracking",
			blob:          []byte{1, 0, 0x0, 0x1, 0, 0},
			wantAllowOpts: true,
		},
		{
			name:          "tracking with opts allowed, 8 bytes",
			blob:          []byte{1, 0, 0x1, 0x0, 0, 0, 0, 0},
			wantTrack:     true,
			wantAllowOpts: true,
		},
		{name: "5 bytes", blob: []byte{1, 0, 0, 0, 0}, wantErr: ErrBadImageFormat},
		{name: "7 bytes", blob: []byte{1, 0, 0, 0, 0, 0, 0}, wantErr: ErrBadImageFormat},
		{name: "empty", blob: nil, wantErr: ErrBadImageFormat},
		{name: "wrong prolog", blob: []byte{2, 0, 0x1, 0x1, 0, 0}, wantErr: ErrBadImageFormat},
		{name: "wrong second byte", blob: []byte{1, 1, 0x1, 0x1, 0, 0}, wantErr: ErrBadImageFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bits, err := DecodeDebuggable(tt.blob, DebugAllowJITOpts)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("DecodeDebuggable() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeDebuggable() error = %v", err)
			}
			if bits.TrackJITInfo() != tt.wantTrack {
				t.Errorf("TrackJITInfo = %t, want %t", bits.TrackJITInfo(), tt.wantTrack)
			}
			if bits.IgnoreSymbols() != tt.wantIgnore {
				t.Errorf("IgnoreSymbols = %t, want %t", bits.IgnoreSymbols(), tt.wantIgnore)
			}
			if bits.AllowJITOpts() != tt.wantAllowOpts {
				t.Errorf("AllowJITOpts = %t, want %t", bits.AllowJITOpts(), tt.wantAllowOpts)
			}
		})
	}
}

func TestDecodeDebuggableClearsPriorBits(t *testing.T) {
	start := DebugTrackJITInfo | DebugIgnoreSymbols | DebugAllowJITOpts
	bits, err := DecodeDebuggable([]byte{1, 0, 0, 0, 0, 0}, start)
	if err != nil {
		t.Fatal(err)
	}
	if bits != DebugAllowJITOpts {
		t.Errorf("bits = %s, want allow-opts", bits)
	}
}

func TestDebuggingConfigWithoutAttribute(t *testing.T) {
	bits, err := DebuggingConfig(newFakeImage("plain"))
	if err != nil {
		t.Fatal(err)
	}
	if bits != DebugAllowJITOpts {
		t.Errorf("bits = %s, want allow-opts", bits)
	}
	if DebugNone.String() != "none" {
		t.Errorf("DebugNone.String() = %q", DebugNone.String())
	}
}
