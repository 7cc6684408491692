package format

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "-"},
		{500 * time.Millisecond, "<1s"},
		{12 * time.Second, "12s"},
		{83 * time.Second, "1m23s"},
		{2*time.Hour + 5*time.Minute, "2h05m"},
	}

	for _, tt := range tests {
		if got := Duration(tt.in); got != tt.want {
			t.Errorf("Duration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAge(t *testing.T) {
	if got := Age(time.Time{}); got != "-" {
		t.Errorf("Age(zero) = %q, want -", got)
	}
	if got := Age(time.Now().Add(-5 * time.Minute)); got != "5m ago" {
		t.Errorf("Age(-5m) = %q, want '5m ago'", got)
	}
	if got := Age(time.Now().Add(-3 * 24 * time.Hour)); got != "3d ago" {
		t.Errorf("Age(-3d) = %q, want '3d ago'", got)
	}
}

func TestUntil(t *testing.T) {
	if got := Until(time.Now().Add(-time.Minute)); got != "-" {
		t.Errorf("Until(past) = %q, want -", got)
	}
	if got := Until(time.Now().Add(2*time.Hour + time.Minute)); got != "in 2h" {
		t.Errorf("Until(+2h) = %q, want 'in 2h'", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("abcdef", 4); got != "abc…" {
		t.Errorf("Truncate = %q, want abc…", got)
	}
	if got := Truncate("abc", 10); got != "abc" {
		t.Errorf("Truncate = %q, want abc", got)
	}
}

func TestTable(t *testing.T) {
	out := Table([][]string{
		{"NAME", "STATUS"},
		{"codebrowser", "success"},
	})

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if !strings.HasPrefix(lines[0], "NAME") || !strings.Contains(lines[0], "STATUS") {
		t.Errorf("unexpected header: %q", lines[0])
	}
	// Columns align: STATUS starts at the same offset in both lines
	if strings.Index(lines[0], "STATUS") != strings.Index(lines[1], "success") {
		t.Errorf("columns not aligned:\n%s", out)
	}
}

func TestCanAnimateDumbTerminal(t *testing.T) {
	t.Setenv("TERM", "dumb")
	if CanAnimate(os.Stdout) {
		t.Error("CanAnimate should be false when TERM=dumb")
	}

	t.Setenv("TERM", "")
	if CanAnimate(os.Stdout) {
		t.Error("CanAnimate should be false when TERM is empty")
	}
}

func TestIsTTYNoColor(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	t.Setenv("TERM", "xterm-256color")
	if IsTTY() {
		t.Error("IsTTY should be false when NO_COLOR is set")
	}
}
