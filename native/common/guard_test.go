package common

import (
	"errors"
	"testing"
	"time"

	coreerrors "milestonemarket/core/errors"
)

func TestReentrancyGuardRejectsNestedEntry(t *testing.T) {
	var g ReentrancyGuard
	release, err := g.Enter()
	if err != nil {
		t.Fatalf("first enter: %v", err)
	}
	if _, err := g.Enter(); !errors.Is(err, coreerrors.ErrReentrant) {
		t.Fatalf("expected ErrReentrant, got %v", err)
	}
	release()
	if g.Busy() {
		t.Fatalf("guard should be free after release")
	}
	if _, err := g.Enter(); err != nil {
		t.Fatalf("re-enter after release: %v", err)
	}
}

func TestManualClockIsMonotonic(t *testing.T) {
	c := NewManualClock(100)
	c.Advance(-time.Hour)
	if c.Now() != 100 {
		t.Fatalf("clock moved backwards: %d", c.Now())
	}
	c.Advance(90 * time.Second)
	if c.Now() != 190 {
		t.Fatalf("unexpected time %d", c.Now())
	}
	c.Set(150)
	if c.Now() != 190 {
		t.Fatalf("Set must not rewind, got %d", c.Now())
	}
	c.Set(200)
	if c.Now() != 200 {
		t.Fatalf("unexpected time %d", c.Now())
	}
}
