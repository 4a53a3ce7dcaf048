package task

import (
	"strings"
	"testing"
)

func TestChecksumDeterministic(t *testing.T) {
	a := Checksum("arvo:1", "agent", "salt")
	b := Checksum("arvo:1", "agent", "salt")
	if a != b {
		t.Fatalf("checksum not deterministic: %q vs %q", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("checksum length = %d, want 64", len(a))
	}
}

func TestChecksumVaries(t *testing.T) {
	base := Checksum("arvo:1", "agent", "salt")
	if Checksum("arvo:2", "agent", "salt") == base {
		t.Fatal("checksum should depend on task_id")
	}
	if Checksum("arvo:1", "other", "salt") == base {
		t.Fatal("checksum should depend on agent_id")
	}
	if Checksum("arvo:1", "agent", "pepper") == base {
		t.Fatal("checksum should depend on salt")
	}
}

func TestVerifyTask(t *testing.T) {
	sum := Checksum("arvo:3938", "A", "salt")

	if !VerifyTask("arvo:3938", "A", sum, "salt") {
		t.Fatal("valid checksum rejected")
	}
	if !VerifyTask("arvo:3938", "A", strings.ToUpper(sum), "salt") {
		t.Fatal("uppercase hex rejected")
	}
	if VerifyTask("arvo:3938", "A", "deadbeef", "salt") {
		t.Fatal("bogus checksum accepted")
	}
	if VerifyTask("arvo:3938", "A", sum, "other-salt") {
		t.Fatal("checksum accepted under wrong salt")
	}
	if VerifyTask("arvo:3938", "B", sum, "salt") {
		t.Fatal("checksum accepted for wrong agent")
	}
}
