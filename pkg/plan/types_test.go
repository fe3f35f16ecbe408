package plan

import (
	"testing"
	"time"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{"500ms", 500 * time.Millisecond, false},
		{"30s", 30 * time.Second, false},
		{"5m", 5 * time.Minute, false},
		{"2h", 2 * time.Hour, false},
		{"45", 45 * time.Second, false}, // bare integer means seconds
		{"0", 0, false},
		{"", 0, true},
		{"-5s", 0, true},
		{"1.5s", 0, true},
		{"10d", 0, true},
		{"abc", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseDuration(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseDuration(%q): expected error, got %v", tt.input, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseDuration(%q): unexpected error: %v", tt.input, err)
			continue
		}
		if got.Std() != tt.want {
			t.Errorf("ParseDuration(%q) = %v, want %v", tt.input, got.Std(), tt.want)
		}
	}
}

func TestDuration_String(t *testing.T) {
	tests := []struct {
		value Duration
		want  string
	}{
		{Duration(0), "0s"},
		{Duration(250 * time.Millisecond), "250ms"},
		{Duration(90 * time.Second), "90s"},
		{Duration(3 * time.Minute), "3m"},
		{Duration(2 * time.Hour), "2h"},
	}
	for _, tt := range tests {
		if got := tt.value.String(); got != tt.want {
			t.Errorf("Duration(%d).String() = %q, want %q", tt.value, got, tt.want)
		}
	}
}

func TestPhase_MaxAttempts(t *testing.T) {
	tests := []struct {
		name  string
		retry *Retry
		want  int
	}{
		{"no retry block", nil, 1},
		{"zero maxAttempts", &Retry{MaxAttempts: 0}, 1},
		{"explicit budget", &Retry{MaxAttempts: 5}, 5},
	}
	for _, tt := range tests {
		ph := &Phase{ID: "p", Retry: tt.retry}
		if got := ph.MaxAttempts(); got != tt.want {
			t.Errorf("%s: MaxAttempts() = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestPhase_FailureAction(t *testing.T) {
	tests := []struct {
		name    string
		handler *Handler
		want    HandlerAction
	}{
		{"no handler raises", nil, ActionRaise},
		{"handler without action raises", &Handler{}, ActionRaise},
		{"explicit raise", &Handler{Action: ActionRaise}, ActionRaise},
		{"explicit continue", &Handler{Action: ActionContinue}, ActionContinue},
	}
	for _, tt := range tests {
		ph := &Phase{ID: "p", OnFailure: tt.handler}
		if got := ph.FailureAction(); got != tt.want {
			t.Errorf("%s: FailureAction() = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestPlan_Mode(t *testing.T) {
	p := &Plan{DefaultInstanceMode: InstanceModeOnUse}
	if got := p.Mode(&Phase{}); got != InstanceModeOnUse {
		t.Errorf("Expected plan default to apply, got %q", got)
	}
	if got := p.Mode(&Phase{InstanceMode: InstanceModeImmediate}); got != InstanceModeImmediate {
		t.Errorf("Expected phase override to win, got %q", got)
	}

	empty := &Plan{}
	if got := empty.Mode(&Phase{}); got != InstanceModeImmediate {
		t.Errorf("Expected immediate fallback, got %q", got)
	}
}
