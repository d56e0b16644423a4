package errors

import (
	"fmt"
	"testing"
)

func TestKindUnwrapsSentinels(t *testing.T) {
	wrapped := fmt.Errorf("%w: milestone 3 not released", ErrHasPendingMilestones)
	if got := Kind(wrapped); got != "has_pending_milestones" {
		t.Fatalf("unexpected kind: %s", got)
	}
	if got := Kind(nil); got != "ok" {
		t.Fatalf("expected ok for nil error, got %s", got)
	}
	if got := Kind(fmt.Errorf("boom")); got != "internal" {
		t.Fatalf("expected internal for unknown error, got %s", got)
	}
}

func TestKindNamesAreUnique(t *testing.T) {
	seen := make(map[string]struct{}, len(kinds))
	for _, entry := range kinds {
		if _, ok := seen[entry.name]; ok {
			t.Fatalf("duplicate kind name %s", entry.name)
		}
		seen[entry.name] = struct{}{}
	}
}
