package dbus

import "testing"

func TestStateCanSend(t *testing.T) {
	tt := map[State]bool{
		StateDisconnected:   false,
		StateConnecting:     false,
		StateAuthenticating: false,
		StateConnected:      true,
		StateUnhealthy:      true,
		StateReconnecting:   false,
		StateFailed:         false,
	}
	for s, want := range tt {
		if got := s.canSend(); got != want {
			t.Errorf("%s.canSend() = %v, want %v", s, got, want)
		}
	}
}

func TestStateString(t *testing.T) {
	if got := StateConnected.String(); got != "CONNECTED" {
		t.Errorf("StateConnected.String() = %q, want %q", got, "CONNECTED")
	}
	if got := State(99).String(); got != "UNKNOWN" {
		t.Errorf("State(99).String() = %q, want %q", got, "UNKNOWN")
	}
}
