package model

import "testing"

func TestJobStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobPending, JobRunning, true},
		{JobRunning, JobSuccess, true},
		{JobRunning, JobFailed, true},
		{JobPending, JobSuccess, false},
		{JobSuccess, JobFailed, false},
		{JobFailed, JobRunning, false},
		{JobRunning, JobRunning, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s.CanTransition(%s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}

	for _, s := range []JobStatus{JobSuccess, JobFailed} {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}
	for _, s := range []JobStatus{JobPending, JobRunning} {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
}

func TestUnifiedEntity_SourcesIsACopy(t *testing.T) {
	var e UnifiedEntity
	if got := e.Sources(); len(got) != 0 {
		t.Errorf("Sources() on empty entity = %v, want empty", got)
	}
}
