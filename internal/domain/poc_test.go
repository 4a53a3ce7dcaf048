package domain

import "testing"

func TestNewPoCID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewPoCID()
		if len(id) != 32 {
			t.Fatalf("poc id length = %d, want 32", len(id))
		}
		for _, c := range id {
			if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
				t.Fatalf("poc id %q contains non-hex character %q", id, c)
			}
		}
		if seen[id] {
			t.Fatalf("duplicate poc id %q", id)
		}
		seen[id] = true
	}
}

func TestModeIsValid(t *testing.T) {
	tests := []struct {
		mode Mode
		want bool
	}{
		{ModeVul, true},
		{ModeFix, true},
		{Mode("latest"), false},
		{Mode(""), false},
	}
	for _, tt := range tests {
		if got := tt.mode.IsValid(); got != tt.want {
			t.Fatalf("Mode(%q).IsValid() = %v, want %v", tt.mode, got, tt.want)
		}
	}
}

func TestIsCustomExitCode(t *testing.T) {
	if !IsCustomExitCode(ExitTimeout) {
		t.Fatal("ExitTimeout should be custom")
	}
	for _, code := range []int{0, 1, 137, 299} {
		if IsCustomExitCode(code) {
			t.Fatalf("code %d should not be custom", code)
		}
	}
	if CustomErrorMessages[ExitTimeout] != "Timeout waiting for the program" {
		t.Fatalf("unexpected timeout message: %q", CustomErrorMessages[ExitTimeout])
	}
}

func TestRecordExitCode(t *testing.T) {
	one, two := 1, 2
	rec := &PoCRecord{VulExitCode: &one, FixExitCode: &two}

	if got := rec.ExitCode(ModeVul); got == nil || *got != 1 {
		t.Fatalf("ExitCode(vul) = %v, want 1", got)
	}
	if got := rec.ExitCode(ModeFix); got == nil || *got != 2 {
		t.Fatalf("ExitCode(fix) = %v, want 2", got)
	}

	empty := &PoCRecord{}
	if empty.ExitCode(ModeVul) != nil || empty.ExitCode(ModeFix) != nil {
		t.Fatal("fresh record should have no exit codes")
	}
}
