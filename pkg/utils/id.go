package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

// GenID returns a sortable opaque id: nanosecond timestamp plus random
// suffix. Used for message ids so lexical order roughly follows time.
func GenID() string {
	var b [6]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%020d-%s", time.Now().UTC().UnixNano(), hex.EncodeToString(b[:]))
}

// GenConvID returns a fresh group-conversation id.
func GenConvID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return "g-" + hex.EncodeToString(b[:])
}

// DirectConvID derives the deterministic conversation id for an
// unordered pair of identities. Both orderings of (a, b) map to the
// same id, which is what makes getOrCreateDirect idempotent: the id
// doubles as the uniqueness constraint in the store.
func DirectConvID(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return "d-" + pair[0] + ":" + pair[1]
}

// SortedPair returns the two ids in canonical order.
func SortedPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}
