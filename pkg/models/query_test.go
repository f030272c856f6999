package models

import (
	"strings"
	"testing"
)

func TestQueryKey_Equal(t *testing.T) {
	base := QueryKey{Collection: "orders", Filters: "status=open", OrderBy: "createdAt desc"}

	if !base.Equal(base) {
		t.Error("descriptor should equal itself")
	}

	withLimit := base.WithLimit(20)
	if base.Equal(withLimit) {
		t.Error("descriptor with limit should differ from one without")
	}
	if !withLimit.Equal(base.WithLimit(20)) {
		t.Error("descriptors with the same limit should be equal")
	}
	if withLimit.Equal(base.WithLimit(21)) {
		t.Error("descriptors with different limits should differ")
	}

	other := base
	other.Filters = "status=closed"
	if base.Equal(other) {
		t.Error("descriptors with different filters should differ")
	}
}

func TestQueryKey_WithLimitDoesNotMutate(t *testing.T) {
	base := QueryKey{Collection: "users"}
	_ = base.WithLimit(5)
	if base.Limit != nil {
		t.Error("WithLimit should return a copy, not mutate the receiver")
	}
}

func TestQueryKey_String(t *testing.T) {
	q := QueryKey{Collection: "orders", Filters: "status=open"}
	s := q.String()
	if !strings.Contains(s, "orders") || !strings.Contains(s, "status=open") {
		t.Errorf("String() should mention collection and filters, got %q", s)
	}
	if !strings.Contains(s, "limit=-") {
		t.Errorf("absent limit should render as '-', got %q", s)
	}

	q = q.WithLimit(20)
	if !strings.Contains(q.String(), "limit=20") {
		t.Errorf("limit should render numerically, got %q", q.String())
	}
}
