package util

import (
	"strings"
	"testing"
	"time"
)

func TestFormatBytesFixedWidth(t *testing.T) {
	testCases := []struct {
		in   float64
		want string
	}{
		{0, " 0.0   B"},
		{99, "99.0   B"},
		{1536, " 1.5 KiB"},
		{100 * 1024, " 0.1 MiB"},
	}

	for _, tc := range testCases {
		got := formatBytes(tc.in)
		if got != tc.want {
			t.Errorf("formatBytes(%v) = %q, want %q", tc.in, got, tc.want)
		}
		if len(got) != 8 {
			t.Errorf("formatBytes(%v) has width %d, want 8", tc.in, len(got))
		}
	}
}

func TestStatsSnapshotDelta(t *testing.T) {
	var s Stats
	s.AddControlSent()
	s.AddControlSent()
	s.AddControlRecv()
	s.AddReconnect()
	s.AddSessionOpened()
	s.AddSent(2048)

	before := snapshot{ctrlOut: 1}
	d := s.snapshot().sub(before)

	if d.ctrlOut != 1 || d.ctrlIn != 1 || d.reconnects != 1 || d.opened != 1 || d.sent != 2048 {
		t.Fatalf("unexpected delta: %+v", d)
	}

	line := formatStats(d, 10*time.Second)
	if !strings.Contains(line, "Reconnects: 1") {
		t.Errorf("formatStats missing reconnect count: %q", line)
	}
}
