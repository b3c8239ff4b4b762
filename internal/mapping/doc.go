// Package mapping turns raw directory attribute bags into canonical user
// fields and resolves group membership DNs into application groups and roles.
//
// Mapping never fails at run time: a missing attribute leaves its field
// empty. Malformed tables are caught by the Validate functions when settings
// are saved.
package mapping
