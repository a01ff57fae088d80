// Package fingerprint computes stable, order-independent cache keys for a
// set of pricing attribute records.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// Namespace prefixes every fingerprint produced by this package, matching
// the "pricing:" key layout the coalescing cache and shared store use.
const Namespace = "pricing:"

// AttributeRecord is a single unit of pricing context: a stay period, a
// hotel, and a room type. Field recognition is case-insensitive; any other
// fields on the caller's source struct are not part of the fingerprint.
type AttributeRecord struct {
	Period string
	Hotel  string
	Room   string
}

// canonical is the normalized, lower-cased form of a record used for both
// sorting and hashing. Missing fields are omitted rather than defaulted, so
// two records differing only in which fields are present never collide.
type canonical struct {
	Period string `json:"period,omitempty"`
	Hotel  string `json:"hotel,omitempty"`
	Room   string `json:"room,omitempty"`
}

func canonicalize(a AttributeRecord) canonical {
	return canonical{
		Period: strings.ToLower(strings.TrimSpace(a.Period)),
		Hotel:  strings.ToLower(strings.TrimSpace(a.Hotel)),
		Room:   strings.ToLower(strings.TrimSpace(a.Room)),
	}
}

func (c canonical) sortKey() string {
	return c.Period + "\x00" + c.Hotel + "\x00" + c.Room
}

// Fingerprint computes the canonical cache key for a set of attribute
// records. Order of the input slice does not affect the result. Returns
// ok=false for a nil or empty input, signaling the caller to skip the cache
// entirely rather than fingerprint nothing.
func Fingerprint(attrs []AttributeRecord) (key string, ok bool) {
	if len(attrs) == 0 {
		return "", false
	}

	canon := make([]canonical, len(attrs))
	for i, a := range attrs {
		canon[i] = canonicalize(a)
	}
	sort.Slice(canon, func(i, j int) bool {
		return canon[i].sortKey() < canon[j].sortKey()
	})

	// Canonical JSON: struct field order is fixed by canonical's
	// definition and json.Marshal never reorders struct fields, so the
	// same sorted slice always serializes identically.
	payload, err := json.Marshal(canon)
	if err != nil {
		// canonical contains only strings; Marshal cannot fail here.
		panic(err)
	}

	sum := sha256.Sum256(payload)
	return Namespace + hex.EncodeToString(sum[:]), true
}
