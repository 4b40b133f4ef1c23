package hal

import (
	"testing"
	"time"
)

// fakeClock advances only when slept on.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time        { return c.now }
func (c *fakeClock) Sleep(d time.Duration) { c.now = c.now.Add(d) }

func TestDeadline_Remaining(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	d := NewDeadline(clk, 10*time.Millisecond)

	if d.Expired() || d.Remaining() != 10*time.Millisecond {
		t.Fatalf("fresh deadline: expired=%v remaining=%v", d.Expired(), d.Remaining())
	}
	clk.Sleep(15 * time.Millisecond)
	if !d.Expired() || d.Remaining() != 0 {
		t.Errorf("past deadline: expired=%v remaining=%v", d.Expired(), d.Remaining())
	}
}

func TestDeadline_Poll(t *testing.T) {
	tests := []struct {
		name      string
		readyAt   int
		wantOK    bool
		wantCalls int
	}{
		{"immediate", 1, true, 1},
		{"after three polls", 3, true, 3},
		{"never", 1000, false, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := &fakeClock{now: time.Unix(0, 0)}
			d := NewDeadline(clk, 5*time.Millisecond)
			calls := 0
			ok := d.Poll(time.Millisecond, func() bool {
				calls++
				return calls >= tt.readyAt
			})
			if ok != tt.wantOK || calls != tt.wantCalls {
				t.Errorf("Poll = %v after %d calls, want %v after %d", ok, calls, tt.wantOK, tt.wantCalls)
			}
		})
	}
}
