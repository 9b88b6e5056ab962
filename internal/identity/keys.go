// Package identity maps between local order ids and ledger order hashes,
// hydrating external orders into local mirrors on first reference.
package identity

import (
	"strings"

	"github.com/google/uuid"
)

// externalOrderNamespace scopes the derived ids so they cannot collide with
// ids from other derivation domains.
var externalOrderNamespace = uuid.MustParse("6ba7b812-9dad-11d1-80b4-00c04fd430c8")

// LocalOrderID derives the deterministic local id for a ledger order hash.
// The hash is lowercased first, so checksummed and plain hex spellings of the
// same order converge. Collision domain: SHA-1 over the namespaced hash
// string (UUID v5); two distinct ledger hashes colliding would need a SHA-1
// collision within the namespace.
func LocalOrderID(externalID string) uuid.UUID {
	return uuid.NewSHA1(externalOrderNamespace, []byte(strings.ToLower(externalID)))
}

// IsExternalRef reports whether ref looks like a ledger order hash rather
// than a local uuid.
func IsExternalRef(ref string) bool {
	return strings.HasPrefix(ref, "0x") || strings.HasPrefix(ref, "0X")
}
