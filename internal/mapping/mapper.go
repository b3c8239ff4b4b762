package mapping

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// FieldMapping binds one canonical field to a directory attribute.
type FieldMapping struct {
	Field     string `json:"field"`
	Attribute string `json:"attribute"`
}

// AttributeMapping is an ordered list of canonical field bindings.
type AttributeMapping []FieldMapping

// DefaultAttributeMapping returns the Active Directory bindings used when no
// mapping has been configured.
func DefaultAttributeMapping() AttributeMapping {
	return AttributeMapping{
		{Field: FieldDisplayName, Attribute: "displayName"},
		{Field: FieldEmail, Attribute: "mail"},
		{Field: FieldUsername, Attribute: "sAMAccountName"},
		{Field: FieldDepartment, Attribute: "department"},
		{Field: FieldTitle, Attribute: "title"},
		{Field: FieldPhone, Attribute: "telephoneNumber"},
		{Field: FieldManager, Attribute: "manager"},
	}
}

// Validate checks that every binding has a non-empty, unique field and a
// non-empty attribute.
func (m AttributeMapping) Validate() error {
	var errs []error
	seen := make(map[string]int, len(m))

	for i, fm := range m {
		field := strings.TrimSpace(fm.Field)
		switch {
		case field == "":
			errs = append(errs, fmt.Errorf("entry %d: canonical field name cannot be empty", i))
		case seen[field] > 0:
			errs = append(errs, fmt.Errorf("entry %d: duplicate canonical field %q (first defined at entry %d)", i, field, seen[field]-1))
		default:
			seen[field] = i + 1
		}

		if strings.TrimSpace(fm.Attribute) == "" {
			errs = append(errs, fmt.Errorf("entry %d: attribute name for %q cannot be empty", i, fm.Field))
		}
	}

	return errors.Join(errs...)
}

// Attributes returns the directory attribute names referenced by the mapping.
func (m AttributeMapping) Attributes() []string {
	out := make([]string, 0, len(m))
	for _, fm := range m {
		attr := strings.TrimSpace(fm.Attribute)
		if attr != "" && !slices.ContainsFunc(out, func(a string) bool { return strings.EqualFold(a, attr) }) {
			out = append(out, attr)
		}
	}
	return out
}

// Mapper applies an AttributeMapping to raw attribute bags.
type Mapper struct {
	mapping  AttributeMapping
	consumed map[string]struct{}
}

// NewMapper returns a mapper for m. The excluded attribute names (compared
// case-insensitively) are never copied into AdditionalAttributes; callers
// pass the identity attribute and the membership attribute here.
//
// Field and attribute names are trimmed the same way Validate trims them.
func NewMapper(m AttributeMapping, excluded ...string) *Mapper {
	bindings := make(AttributeMapping, 0, len(m))
	consumed := make(map[string]struct{}, len(m)+len(excluded))
	for _, fm := range m {
		fm = FieldMapping{Field: strings.TrimSpace(fm.Field), Attribute: strings.TrimSpace(fm.Attribute)}
		if fm.Field == "" || fm.Attribute == "" {
			continue
		}
		bindings = append(bindings, fm)
		consumed[strings.ToLower(fm.Attribute)] = struct{}{}
	}
	for _, name := range excluded {
		if name = strings.TrimSpace(name); name != "" {
			consumed[strings.ToLower(name)] = struct{}{}
		}
	}
	return &Mapper{mapping: bindings, consumed: consumed}
}

// Map produces canonical fields from a raw attribute bag.
//
// Built-in fields take the first value of their attribute. Bindings to
// non-built-in field names keep every value under that field name in
// AdditionalAttributes. Unmapped attributes are copied verbatim.
func (m *Mapper) Map(attrs map[string][]string) Fields {
	index := make(map[string]string, len(attrs))
	for name := range attrs {
		index[strings.ToLower(name)] = name
	}

	var out Fields
	for _, fm := range m.mapping {
		name, ok := index[strings.ToLower(fm.Attribute)]
		if !ok {
			continue
		}
		values := attrs[name]
		if len(values) == 0 {
			continue
		}
		if !out.set(fm.Field, values[0]) {
			out.addAdditional(fm.Field, values)
		}
	}

	for name, values := range attrs {
		if _, ok := m.consumed[strings.ToLower(name)]; ok {
			continue
		}
		if _, clash := out.AdditionalAttributes[name]; clash {
			continue
		}
		out.addAdditional(name, values)
	}

	return out
}

func (f *Fields) addAdditional(name string, values []string) {
	if f.AdditionalAttributes == nil {
		f.AdditionalAttributes = make(map[string][]string)
	}
	f.AdditionalAttributes[name] = slices.Clone(values)
}
