package durfmt

import (
	"testing"
	"time"
)

func TestFormat(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{123 * time.Millisecond, "123ms"},
		{3*time.Second + 4*time.Millisecond, "3s-4ms"},
		{2*time.Minute + 3*time.Second, "2min-3s-0ms"},
		{1*time.Hour + 2*time.Second, "1h-0min-2s-0ms"},
		{25*time.Hour + 1*time.Minute, "1d-1h-1min-0s-0ms"},
	}
	for _, c := range cases {
		if got := Format(c.d); got != c.want {
			t.Errorf("Format(%v) = %q, want %q", c.d, got, c.want)
		}
	}
}
