package runlock

import (
	"errors"
	"testing"

	"hansard/internal/testsupport"
)

func TestAcquireAndRelease(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	guard := New(cfg)

	if err := guard.Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := guard.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// Reacquirable after release.
	if err := guard.Acquire(); err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if err := guard.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestSecondGuardSeesBusy(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	first := New(cfg)
	if err := first.Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer first.Release()

	second := New(cfg)
	err := second.Acquire()
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestReleaseWithoutAcquire(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := New(cfg).Release(); err != nil {
		t.Fatalf("Release without Acquire: %v", err)
	}
}
