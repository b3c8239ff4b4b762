package settings

import (
	"errors"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/isometry/adsync/internal/mapping"
)

// MaxPageSize bounds PageSizeLimit.
const MaxPageSize = 10000

func (s LDAPSettings) validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	switch s.Protocol {
	case ProtocolLDAP, ProtocolLDAPS:
	default:
		add(fieldError("ldap.protocol", "must be %q or %q, got %q", ProtocolLDAP, ProtocolLDAPS, s.Protocol))
	}

	if s.Port < 1 || s.Port > 65535 {
		add(fieldError("ldap.port", "must be between 1 and 65535, got %d", s.Port))
	}
	if s.ConnectionTimeout <= 0 {
		add(fieldError("ldap.connectionTimeout", "must be positive, got %d", s.ConnectionTimeout))
	}
	if s.PageSizeLimit < 1 || s.PageSizeLimit > MaxPageSize {
		add(fieldError("ldap.pageSizeLimit", "must be between 1 and %d, got %d", MaxPageSize, s.PageSizeLimit))
	}
	if !s.StagingMode.Valid() {
		add(fieldError("ldap.stagingMode", "must be one of full, new-only, disabled, got %q", s.StagingMode))
	}
	if _, err := s.Scope(); err != nil {
		add(wrapField("ldap.userSearchScope", err))
	}
	if strings.TrimSpace(s.IdentityAttribute) == "" {
		add(fieldError("ldap.identityAttribute", "cannot be empty"))
	}
	if strings.TrimSpace(s.MemberOfAttribute) == "" {
		add(fieldError("ldap.memberOfAttribute", "cannot be empty"))
	}
	if s.AutoSync && s.SyncIntervalMinutes <= 0 {
		add(fieldError("ldap.syncIntervalMinutes", "must be positive when autoSync is enabled"))
	}
	if s.BindPassword != "" && s.BindDN == "" {
		add(fieldError("ldap.bindDN", "is required when a bind password is set"))
	}

	if s.UserSearchFilter != "" {
		if _, err := ldap.CompileFilter(s.UserSearchFilter); err != nil {
			add(wrapField("ldap.userSearchFilter", err))
		}
	}

	add(wrapField("ldap.attributeMapping", s.AttributeMapping.Validate()))
	add(wrapField("ldap.groupMappings", s.GroupMappings.Validate()))
	add(wrapField("ldap.roleMappings", s.RoleMappings.Validate()))

	if s.IsEnabled {
		errs = append(errs, s.validateConnection()...)
	}

	return errors.Join(errs...)
}

// validateConnection applies the checks that only matter once the directory
// is actually contacted.
func (s LDAPSettings) validateConnection() []error {
	var errs []error

	if strings.TrimSpace(s.Server) == "" && strings.TrimSpace(s.Domain) == "" {
		errs = append(errs, fieldError("ldap.server", "server or domain is required"))
	}
	if strings.TrimSpace(s.UserSearchFilter) == "" {
		errs = append(errs, fieldError("ldap.userSearchFilter", "cannot be empty"))
	}

	if strings.TrimSpace(s.BaseDN) == "" {
		errs = append(errs, fieldError("ldap.baseDN", "cannot be empty"))
		return errs
	}
	if err := mapping.ValidateDN(s.BaseDN); err != nil {
		errs = append(errs, wrapField("ldap.baseDN", err))
		return errs
	}

	if strings.TrimSpace(s.UserSearchBase) != "" {
		within, err := mapping.IsDNWithin(s.UserSearchBase, s.BaseDN)
		switch {
		case err != nil:
			errs = append(errs, wrapField("ldap.userSearchBase", err))
		case !within:
			errs = append(errs, fieldError("ldap.userSearchBase", "%q is not within base DN %q", s.UserSearchBase, s.BaseDN))
		}
	}

	return errs
}

func (s SyncSettings) validate() error {
	var errs []error

	if s.RetryAttempts < 0 {
		errs = append(errs, fieldError("sync.retryAttempts", "cannot be negative, got %d", s.RetryAttempts))
	}
	if s.RetryAttempts > 0 && s.RetryInterval <= 0 {
		errs = append(errs, fieldError("sync.retryInterval", "must be positive when retries are enabled"))
	}
	if s.FullSyncInterval < 0 {
		errs = append(errs, fieldError("sync.fullSyncInterval", "cannot be negative, got %d", s.FullSyncInterval))
	}

	if !s.Enabled {
		return errors.Join(errs...)
	}

	if !s.Frequency.Valid() {
		errs = append(errs, fieldError("sync.frequency", "must be one of HOURLY, DAILY, WEEKLY, MONTHLY, got %q", s.Frequency))
	}
	if _, _, err := s.Clock(); err != nil {
		errs = append(errs, wrapField("sync.syncTime", err))
	}
	if _, err := s.Location(); err != nil {
		errs = append(errs, wrapField("sync.timezone", err))
	}
	if s.Frequency == FrequencyWeekly && (s.DayOfWeek < int(time.Sunday) || s.DayOfWeek > int(time.Saturday)) {
		errs = append(errs, fieldError("sync.dayOfWeek", "must be between 0 (Sunday) and 6, got %d", s.DayOfWeek))
	}
	if s.Frequency == FrequencyMonthly && (s.DayOfMonth < 1 || s.DayOfMonth > 31) {
		errs = append(errs, fieldError("sync.dayOfMonth", "must be between 1 and 31, got %d", s.DayOfMonth))
	}

	return errors.Join(errs...)
}

// ValidateConnection checks s as if the directory were enabled, for
// connection tests and previews of unsaved settings.
func (s LDAPSettings) ValidateConnection() error {
	s.IsEnabled = true
	return s.validate()
}
