package terminal

import "testing"

func TestTerminalQueries(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantDSR bool
		wantDA1 bool
	}{
		{"plain text", []byte("hello world"), false, false},
		{"empty", nil, false, false},
		{"dsr", []byte("\x1b[6n"), true, false},
		{"dsr private form", []byte("\x1b[?6n"), true, false},
		{"dsr embedded in output", []byte("boot\x1b[6ndone"), true, false},
		{"da1 bare", []byte("\x1b[c"), false, true},
		{"da1 with zero", []byte("\x1b[0c"), false, true},
		{"cursor forward is not da1", []byte("\x1b[5c"), false, false},
		{"both queries in one chunk", []byte("\x1b[6n\x1b[c"), true, true},
		{"truncated escape", []byte("\x1b["), false, false},
		{"dsr lookalike", []byte("\x1b[6m"), false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dsr, da1 := terminalQueries(tt.data)
			if dsr != tt.wantDSR || da1 != tt.wantDA1 {
				t.Errorf("terminalQueries(%q) = (%v, %v), want (%v, %v)",
					tt.data, dsr, da1, tt.wantDSR, tt.wantDA1)
			}
		})
	}
}
