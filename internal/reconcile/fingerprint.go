package reconcile

import (
	"crypto/sha256"
	"encoding/hex"
	"maps"
	"slices"
	"strings"

	"github.com/isometry/adsync/internal/mapping"
)

// Fingerprint hashes the canonical fields, additional attributes, groups and
// roles of a user. Map keys and group/role sets are sorted first, so equal
// content always yields the same fingerprint.
func Fingerprint(fields mapping.Fields, groups, roles []string) string {
	h := sha256.New()
	write := func(parts ...string) {
		h.Write([]byte(strings.Join(parts, "\x1f")))
		h.Write([]byte{'\n'})
	}

	for _, name := range mapping.CanonicalFields {
		write("f", name, fields.Get(name))
	}
	for _, name := range slices.Sorted(maps.Keys(fields.AdditionalAttributes)) {
		write(append([]string{"a", name}, fields.AdditionalAttributes[name]...)...)
	}
	write(append([]string{"g"}, sortedSet(groups)...)...)
	write(append([]string{"r"}, sortedSet(roles)...)...)

	return hex.EncodeToString(h.Sum(nil))
}

func sortedSet(s []string) []string {
	out := slices.Clone(s)
	slices.Sort(out)
	return slices.Compact(out)
}
