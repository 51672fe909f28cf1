package terminal

import (
	"bytes"
	"testing"
	"time"
)

func TestAgentLaunchCommands(t *testing.T) {
	cases := []struct {
		name  string
		typed string
		want  bool
	}{
		{"bare name", "claude\n", true},
		{"with flags", "claude --continue\n", true},
		{"home-relative path", "~/bin/codex\n", true},
		{"absolute path", "/usr/local/bin/gemini\n", true},
		{"env assignment prefix", "FOO=1 aider .\n", true},
		{"after pipeline separator", "git pull && claude\n", true},
		{"amp", "amp\n", true},
		{"opencode", "opencode\n", true},
		{"cursor-agent", "cursor-agent\n", true},
		{"unrelated command", "git status\n", false},
		{"name as filename argument", "vim claude.md\n", false},
		{"name as prefix of another word", "claudette\n", false},
		{"empty line", "\n", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := NewAgentLaunchDetector(time.Minute)
			d.ObserveInput(1, []byte(tc.typed))
			if got := d.Active(1); got != tc.want {
				t.Fatalf("typed %q: active = %v, want %v", tc.typed, got, tc.want)
			}
		})
	}
}

func TestAgentLaunchByteAtATimeTyping(t *testing.T) {
	d := NewAgentLaunchDetector(time.Minute)
	for _, c := range []byte("claude\r") {
		d.ObserveInput(1, []byte{c})
	}
	if !d.Active(1) {
		t.Fatal("keystroke-at-a-time input must assemble into one command line")
	}
}

func TestAgentLaunchBackspaceEdits(t *testing.T) {
	d := NewAgentLaunchDetector(time.Minute)
	// The user types "claudex", erases the x, then hits enter.
	d.ObserveInput(1, []byte("claudex\x7f\n"))
	if !d.Active(1) {
		t.Fatal("backspace must remove the last byte from the assembled line")
	}
}

func TestAgentLaunchEscapeSequencesSkipped(t *testing.T) {
	d := NewAgentLaunchDetector(time.Minute)
	// A cursor-right in the middle of typing must not pollute the line.
	d.ObserveInput(1, []byte("cla\x1b[Cude\n"))
	if !d.Active(1) {
		t.Fatal("CSI sequences must not appear in the assembled line")
	}
}

func TestAgentLaunchQuietExpiry(t *testing.T) {
	d := NewAgentLaunchDetector(30 * time.Millisecond)
	d.ObserveInput(1, []byte("claude\n"))
	if !d.Active(1) {
		t.Fatal("expected low-latency mode right after launch")
	}

	time.Sleep(150 * time.Millisecond)
	if d.Active(1) {
		t.Fatal("mode must drop after the quiet period")
	}
}

func TestAgentLaunchOutputKeepsModeAlive(t *testing.T) {
	d := NewAgentLaunchDetector(100 * time.Millisecond)
	d.ObserveInput(1, []byte("claude\n"))

	// Total elapsed time exceeds the quiet period, but each gap is inside
	// it, so the periodic output keeps the mode on.
	for i := 0; i < 8; i++ {
		time.Sleep(25 * time.Millisecond)
		d.ObserveOutput(1)
	}
	if !d.Active(1) {
		t.Fatal("output within the quiet period must keep the mode alive")
	}

	time.Sleep(250 * time.Millisecond)
	if d.Active(1) {
		t.Fatal("mode must drop once output stops")
	}
}

func TestAgentLaunchDrop(t *testing.T) {
	d := NewAgentLaunchDetector(time.Minute)
	d.ObserveInput(7, []byte("claude\n"))
	if !d.Active(7) {
		t.Fatal("expected low-latency mode before drop")
	}
	d.Drop(7)
	if d.Active(7) {
		t.Fatal("dropped session must not stay in low-latency mode")
	}
}

func TestAgentLaunchSessionsAreIndependent(t *testing.T) {
	d := NewAgentLaunchDetector(time.Minute)
	d.ObserveInput(1, []byte("claude\n"))
	d.ObserveInput(2, []byte("make test\n"))

	if !d.Active(1) {
		t.Fatal("session 1 launched an agent")
	}
	if d.Active(2) {
		t.Fatal("session 2 did not launch an agent")
	}
}

func TestAgentLaunchLongLinesReset(t *testing.T) {
	d := NewAgentLaunchDetector(time.Minute)
	// A program writing bulk data to stdin must not trip the matcher.
	d.ObserveInput(1, bytes.Repeat([]byte{'a'}, 4*maxCommandLineBytes))
	d.ObserveInput(1, []byte("\n"))
	if d.Active(1) {
		t.Fatal("bulk stdin writes must not activate low-latency mode")
	}

	// The session still detects a real launch afterwards.
	d.ObserveInput(1, []byte("claude\n"))
	if !d.Active(1) {
		t.Fatal("detector must recover after a bulk write")
	}
}
