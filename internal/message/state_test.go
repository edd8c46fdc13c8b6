package message

import "testing"

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from Status
		to   Status
	}{
		{StatusComposing, StatusQueued},
		{StatusQueued, StatusSending},
		{StatusSending, StatusSent},
		{StatusSending, StatusFailed},
		{StatusSent, StatusDelivered},
		{StatusSent, StatusRead},
		{StatusDelivered, StatusRead},
		{StatusFailed, StatusQueued},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			got, err := Transition(tt.from, tt.to)
			if err != nil {
				t.Errorf("Transition(%s, %s) error = %v", tt.from, tt.to, err)
			}
			if got != tt.to {
				t.Errorf("status = %s, want %s", got, tt.to)
			}
		})
	}
}

func TestInvalidTransitions(t *testing.T) {
	tests := []struct {
		from Status
		to   Status
	}{
		{StatusComposing, StatusSending},
		{StatusComposing, StatusSent},
		{StatusQueued, StatusSent},
		{StatusQueued, StatusFailed},
		{StatusSent, StatusQueued},
		{StatusRead, StatusDelivered},
		{StatusRead, StatusSent},
		{StatusDelivered, StatusSending},
		{StatusFailed, StatusSending},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			got, err := Transition(tt.from, tt.to)
			if err == nil {
				t.Errorf("Transition(%s, %s) should fail", tt.from, tt.to)
			}
			if got != tt.from {
				t.Errorf("status = %s, want unchanged %s", got, tt.from)
			}
		})
	}
}

// TestFailedResubmitReentersQueued covers the manual retry path: a failed
// message re-enters the pipeline at queued, keeping the same local id.
func TestFailedResubmitReentersQueued(t *testing.T) {
	s := StatusFailed
	s, err := Transition(s, StatusQueued)
	if err != nil {
		t.Fatalf("failed -> queued: %v", err)
	}
	if s != StatusQueued {
		t.Fatalf("status = %s, want queued", s)
	}
	if _, err := Transition(s, StatusSending); err != nil {
		t.Fatalf("queued -> sending after resubmit: %v", err)
	}
}

func TestEscalateNeverMovesBackwards(t *testing.T) {
	tests := []struct {
		current  Status
		proposed Status
		want     Status
	}{
		{StatusSent, StatusDelivered, StatusDelivered},
		{StatusSent, StatusRead, StatusRead},
		{StatusRead, StatusDelivered, StatusRead},
		{StatusDelivered, StatusSent, StatusDelivered},
		{StatusDelivered, StatusDelivered, StatusDelivered},
		{StatusFailed, StatusDelivered, StatusFailed},
	}
	for _, tt := range tests {
		if got := Escalate(tt.current, tt.proposed); got != tt.want {
			t.Errorf("Escalate(%s, %s) = %s, want %s", tt.current, tt.proposed, got, tt.want)
		}
	}
}

func TestNewLocalIDUnique(t *testing.T) {
	a, b := NewLocalID(), NewLocalID()
	if a == "" || a == b {
		t.Errorf("NewLocalID() produced %q and %q, want distinct non-empty ids", a, b)
	}
}
