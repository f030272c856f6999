package querydedup

import (
	"strconv"
	"strings"

	"encore.app/pkg/models"
)

// KeyDelimiter separates descriptor components in a canonical query key.
// It is reserved: occurrences inside component values are percent-escaped.
const KeyDelimiter = "|"

// GenerateKey derives the canonical, collision-free string key for a query
// descriptor. Components are escaped independently before joining, so a
// delimiter appearing inside the filter signature can never be mistaken for
// a field boundary:
//
//	{collection: "orders", filters: "a|b"}       -> "orders|a%7Cb||"
//	{collection: "orders", filters: "a", orderBy: "b"} -> "orders|a||b"
//
// An absent limit or orderBy serializes as the empty string. The same
// descriptor (by value) always yields the same key, across calls and across
// process restarts.
//
// No validation is performed: any string content is accepted as-is.
// Complexity: O(n) in total descriptor length.
func GenerateKey(q models.QueryKey) string {
	limit := ""
	if q.Limit != nil {
		limit = strconv.Itoa(*q.Limit)
	}

	return escapeComponent(q.Collection) + KeyDelimiter +
		escapeComponent(q.Filters) + KeyDelimiter +
		limit + KeyDelimiter +
		escapeComponent(q.OrderBy)
}

// escapeComponent percent-encodes the escape character itself and the key
// delimiter. Percent must be escaped first, or "%7C" in the input would
// become ambiguous with an escaped delimiter.
func escapeComponent(s string) string {
	s = strings.ReplaceAll(s, "%", "%25")
	return strings.ReplaceAll(s, KeyDelimiter, "%7C")
}
