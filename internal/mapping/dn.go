package mapping

import (
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// ValidateDN checks that dn is a syntactically valid distinguished name.
func ValidateDN(dn string) error {
	if dn == "" {
		return fmt.Errorf("DN cannot be empty")
	}

	if _, err := ldap.ParseDN(dn); err != nil {
		return fmt.Errorf("invalid DN syntax %q: %w", dn, err)
	}

	return nil
}

// IsDNWithin reports whether dn equals base or lies beneath it. Attribute
// types and values are compared case-insensitively.
func IsDNWithin(dn, base string) (bool, error) {
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return false, fmt.Errorf("invalid DN syntax %q: %w", dn, err)
	}

	parsedBase, err := ldap.ParseDN(base)
	if err != nil {
		return false, fmt.Errorf("invalid base DN syntax %q: %w", base, err)
	}

	if len(parsed.RDNs) < len(parsedBase.RDNs) {
		return false, nil
	}

	tail := &ldap.DN{RDNs: parsed.RDNs[len(parsed.RDNs)-len(parsedBase.RDNs):]}
	return strings.EqualFold(rdnString(tail), rdnString(parsedBase)), nil
}

// rdnString rebuilds a DN with uppercase attribute types and unescaped values.
func rdnString(dn *ldap.DN) string {
	rdns := make([]string, 0, len(dn.RDNs))
	for _, rdn := range dn.RDNs {
		attrs := make([]string, 0, len(rdn.Attributes))
		for _, attr := range rdn.Attributes {
			attrs = append(attrs, strings.ToUpper(attr.Type)+"="+attr.Value)
		}
		rdns = append(rdns, strings.Join(attrs, "+"))
	}
	return strings.Join(rdns, ",")
}
