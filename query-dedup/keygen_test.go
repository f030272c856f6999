package querydedup

import (
	"strings"
	"testing"

	"encore.app/pkg/models"
)

func intPtr(n int) *int { return &n }

func TestGenerateKey_Basic(t *testing.T) {
	q := models.QueryKey{
		Collection: "orders",
		Filters:    "status=open",
		Limit:      intPtr(20),
		OrderBy:    "createdAt desc",
	}

	key := GenerateKey(q)
	expected := "orders|status=open|20|createdAt desc"
	if key != expected {
		t.Errorf("Expected %q, got %q", expected, key)
	}
}

func TestGenerateKey_Deterministic(t *testing.T) {
	q := models.QueryKey{
		Collection: "users",
		Filters:    "age>30",
		Limit:      intPtr(10),
		OrderBy:    "name",
	}

	first := GenerateKey(q)
	for i := 0; i < 100; i++ {
		if got := GenerateKey(q); got != first {
			t.Fatalf("Key not deterministic: %q vs %q", first, got)
		}
	}

	// Equal descriptors built independently must produce equal keys.
	q2 := models.QueryKey{
		Collection: "users",
		Filters:    "age>30",
		Limit:      intPtr(10),
		OrderBy:    "name",
	}
	if GenerateKey(q2) != first {
		t.Errorf("Independently built equal descriptor produced a different key")
	}
}

func TestGenerateKey_AbsentComponents(t *testing.T) {
	q := models.QueryKey{Collection: "orders"}

	key := GenerateKey(q)
	expected := "orders|||"
	if key != expected {
		t.Errorf("Expected %q, got %q", expected, key)
	}

	// Nil limit and limit 0 are distinct shapes.
	q2 := models.QueryKey{Collection: "orders", Limit: intPtr(0)}
	if GenerateKey(q2) == key {
		t.Error("Nil limit and zero limit should produce different keys")
	}
}

func TestGenerateKey_DelimiterInComponent(t *testing.T) {
	// A delimiter inside the filter signature must not collide with a
	// field boundary.
	a := models.QueryKey{Collection: "orders", Filters: "a|b"}
	b := models.QueryKey{Collection: "orders", Filters: "a", OrderBy: "b"}

	if GenerateKey(a) == GenerateKey(b) {
		t.Errorf("Delimiter collision: %q == %q", GenerateKey(a), GenerateKey(b))
	}
}

func TestGenerateKey_PercentInComponent(t *testing.T) {
	// Literal "%7C" in the input must not decode as an escaped delimiter.
	a := models.QueryKey{Collection: "orders", Filters: "a%7Cb"}
	b := models.QueryKey{Collection: "orders", Filters: "a|b"}

	if GenerateKey(a) == GenerateKey(b) {
		t.Errorf("Escape collision: %q == %q", GenerateKey(a), GenerateKey(b))
	}
}

func TestGenerateKey_CrossFieldCollisions(t *testing.T) {
	// Pairs of distinct descriptors that would collide under naive joining.
	cases := []struct {
		name string
		a, b models.QueryKey
	}{
		{
			name: "collection vs filters",
			a:    models.QueryKey{Collection: "orders|x"},
			b:    models.QueryKey{Collection: "orders", Filters: "x"},
		},
		{
			name: "filters vs orderBy",
			a:    models.QueryKey{Collection: "c", Filters: "f||o"},
			b:    models.QueryKey{Collection: "c", Filters: "f", OrderBy: "o"},
		},
		{
			name: "trailing delimiter",
			a:    models.QueryKey{Collection: "c", Filters: "f|"},
			b:    models.QueryKey{Collection: "c", Filters: "f"},
		},
	}

	for _, tc := range cases {
		if GenerateKey(tc.a) == GenerateKey(tc.b) {
			t.Errorf("%s: distinct descriptors collided on %q", tc.name, GenerateKey(tc.a))
		}
	}
}

func TestGenerateKey_ArbitraryContent(t *testing.T) {
	// No validation: any string content is accepted.
	q := models.QueryKey{
		Collection: "weird/..%%||name",
		Filters:    "\x00\n\t",
		OrderBy:    strings.Repeat("|", 10),
	}

	key := GenerateKey(q)
	if key == "" {
		t.Error("Expected non-empty key for arbitrary content")
	}

	// Still exactly three unescaped delimiters.
	if got := strings.Count(key, KeyDelimiter); got != 3 {
		t.Errorf("Expected exactly 3 field delimiters, got %d in %q", got, key)
	}
}
