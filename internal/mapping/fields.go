package mapping

import (
	"maps"
	"slices"
)

// Canonical field names understood by the mapper.
const (
	FieldDisplayName = "displayName"
	FieldEmail       = "email"
	FieldUsername    = "username"
	FieldDepartment  = "department"
	FieldTitle       = "title"
	FieldPhone       = "phone"
	FieldManager     = "manager"
)

// CanonicalFields lists the built-in canonical fields in their stable order.
var CanonicalFields = []string{
	FieldDisplayName,
	FieldEmail,
	FieldUsername,
	FieldDepartment,
	FieldTitle,
	FieldPhone,
	FieldManager,
}

// Fields are the canonical user fields produced by the mapper.
type Fields struct {
	DisplayName          string              `json:"displayName,omitempty"`
	Email                string              `json:"email,omitempty"`
	Username             string              `json:"username,omitempty"`
	Department           string              `json:"department,omitempty"`
	Title                string              `json:"title,omitempty"`
	Phone                string              `json:"phone,omitempty"`
	Manager              string              `json:"manager,omitempty"`
	AdditionalAttributes map[string][]string `json:"additionalAttributes,omitempty"`
}

// Get returns a canonical field by name.
func (f *Fields) Get(field string) string {
	switch field {
	case FieldDisplayName:
		return f.DisplayName
	case FieldEmail:
		return f.Email
	case FieldUsername:
		return f.Username
	case FieldDepartment:
		return f.Department
	case FieldTitle:
		return f.Title
	case FieldPhone:
		return f.Phone
	case FieldManager:
		return f.Manager
	}
	return ""
}

// set assigns a canonical field and reports whether the name was built-in.
func (f *Fields) set(field, value string) bool {
	switch field {
	case FieldDisplayName:
		f.DisplayName = value
	case FieldEmail:
		f.Email = value
	case FieldUsername:
		f.Username = value
	case FieldDepartment:
		f.Department = value
	case FieldTitle:
		f.Title = value
	case FieldPhone:
		f.Phone = value
	case FieldManager:
		f.Manager = value
	default:
		return false
	}
	return true
}

// Clone returns a deep copy.
func (f Fields) Clone() Fields {
	out := f
	if f.AdditionalAttributes != nil {
		out.AdditionalAttributes = make(map[string][]string, len(f.AdditionalAttributes))
		for k, v := range f.AdditionalAttributes {
			out.AdditionalAttributes[k] = slices.Clone(v)
		}
	}
	return out
}

// Equal compares two field sets, treating nil and empty attribute maps alike.
func (f Fields) Equal(o Fields) bool {
	for _, name := range CanonicalFields {
		if f.Get(name) != o.Get(name) {
			return false
		}
	}
	return maps.EqualFunc(f.AdditionalAttributes, o.AdditionalAttributes, slices.Equal)
}
