package progress

import "testing"

func TestStatusColor(t *testing.T) {
	cases := map[string]string{
		"Success": Green,
		"Warning": Yellow,
		"Fail":    Red,
		"Bogus":   Red,
	}
	for status, want := range cases {
		if got := StatusColor(status); got != want {
			t.Errorf("StatusColor(%q) = %q, want %q", status, got, want)
		}
	}
}

func TestNopSinkNeverPanics(t *testing.T) {
	var s NopSink
	s.SetTotal(10)
	s.Add(-5)
	s.Add(5)
	s.SetContext(1, 1, 1)
	s.Writeln("anything")
}

func TestStderrSinkTracksCompletedAcrossRollback(t *testing.T) {
	s := NewStderrSink()
	s.SetTotal(10)
	s.Add(3)
	s.Add(-3) // a failed erase attempt rolls back its provisional credit (P6)
	if s.completed != 0 {
		t.Errorf("completed = %d, want 0 after full rollback", s.completed)
	}
	s.Add(4)
	if s.completed != 4 {
		t.Errorf("completed = %d, want 4", s.completed)
	}
}
