package ldap

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/go-objectsid"
	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"

	"github.com/isometry/adsync/internal/directory"
)

// GUIDBytesLength is the size of a binary objectGUID.
const GUIDBytesLength = 16

// GUIDFromBytes renders an Active Directory objectGUID. AD stores the first
// three fields little-endian and the last eight bytes big-endian.
func GUIDFromBytes(b []byte) (string, error) {
	if len(b) != GUIDBytesLength {
		return "", fmt.Errorf("invalid GUID byte length: expected %d, got %d", GUIDBytesLength, len(b))
	}

	var u uuid.UUID
	u[0], u[1], u[2], u[3] = b[3], b[2], b[1], b[0]
	u[4], u[5] = b[5], b[4]
	u[6], u[7] = b[7], b[6]
	copy(u[8:], b[8:])

	return u.String(), nil
}

// GUIDToBytes is the inverse of GUIDFromBytes. It accepts any form
// uuid.Parse understands.
func GUIDToBytes(s string) ([]byte, error) {
	u, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid GUID %q: %w", s, err)
	}

	b := make([]byte, GUIDBytesLength)
	b[0], b[1], b[2], b[3] = u[3], u[2], u[1], u[0]
	b[4], b[5] = u[5], u[4]
	b[6], b[7] = u[7], u[6]
	copy(b[8:], u[8:])
	return b, nil
}

// SIDFromBytes renders a binary objectSid as S-1-5-21-...
func SIDFromBytes(b []byte) (string, error) {
	// revision, sub-authority count and the 6-byte identifier authority
	if len(b) < 8 {
		return "", fmt.Errorf("binary SID too short: %d bytes", len(b))
	}
	if want := 8 + 4*int(b[1]); len(b) < want {
		return "", fmt.Errorf("binary SID truncated: %d bytes, want %d", len(b), want)
	}
	return objectsid.Decode(b).String(), nil
}

// binaryAttributes are decoded from their raw values rather than passed
// through as text.
var binaryAttributes = map[string]func([]byte) (string, error){
	"objectguid": GUIDFromBytes,
	"objectsid":  SIDFromBytes,
}

// toEntry converts a search result entry. Binary identifiers are rendered as
// strings; the identity key is the first value of identityAttr, or the DN
// when the entry lacks it.
func toEntry(e *ldap.Entry, identityAttr string) directory.Entry {
	attrs := make(map[string][]string, len(e.Attributes))
	for _, a := range e.Attributes {
		decode, binary := binaryAttributes[strings.ToLower(a.Name)]
		if !binary {
			attrs[a.Name] = a.Values
			continue
		}

		values := make([]string, 0, len(a.ByteValues))
		for _, raw := range a.ByteValues {
			v, err := decode(raw)
			if err != nil {
				v = fmt.Sprintf("%x", raw)
			}
			values = append(values, v)
		}
		attrs[a.Name] = values
	}

	entry := directory.Entry{DN: e.DN, Attributes: attrs}
	entry.IdentityKey = entry.Value(identityAttr)
	if entry.IdentityKey == "" {
		entry.IdentityKey = e.DN
	}
	return entry
}
