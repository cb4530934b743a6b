package common

import (
	"errors"
	"testing"
)

func TestGuardModuleAndAction(t *testing.T) {
	if err := Guard(nil, "lending", "borrow"); err != nil {
		t.Fatalf("nil pause view should pass, got %v", err)
	}
	pauses := NewPauses("lending.borrow")
	if err := Guard(pauses, "lending", "supply"); err != nil {
		t.Fatalf("supply should not be paused: %v", err)
	}
	err := Guard(pauses, "lending", "borrow")
	if !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if err.Error() != "module paused: lending.borrow" {
		t.Fatalf("unexpected message %q", err.Error())
	}

	pauses.Set("LENDING", true)
	if err := Guard(pauses, "lending", "supply"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("module switch should pause every action, got %v", err)
	}
	pauses.Set("lending", false)
	pauses.Set("lending.borrow", false)
	if err := Guard(pauses, "lending", "borrow"); err != nil {
		t.Fatalf("expected unpaused, got %v", err)
	}
	if len(pauses.List()) != 0 {
		t.Fatalf("expected no switches, got %v", pauses.List())
	}
}
