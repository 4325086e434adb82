package model

import "testing"

func TestSessionState_String(t *testing.T) {
	tests := []struct {
		name string
		ss   SessionState
		want string
	}{
		{"idle", StateIdle, "IDLE"},
		{"starting", StateStarting, "STARTING"},
		{"running", StateRunning, "RUNNING"},
		{"stopping", StateStopping, "STOPPING"},
		{"invalid", SessionState(42), "INVALID"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ss.String(); got != tt.want {
				t.Errorf("SessionState.String() = %v, want %v", got, tt.want)
			}
		})
	}
}
