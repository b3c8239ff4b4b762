// Package settings holds the persisted directory and schedule configuration
// along with the validation applied when it is saved.
package settings

import (
	"fmt"
	"strings"
	"time"

	"github.com/creasty/defaults"

	"github.com/isometry/adsync/internal/directory"
	"github.com/isometry/adsync/internal/mapping"
)

// Protocol selects plain LDAP or LDAP over TLS.
type Protocol string

const (
	ProtocolLDAP  Protocol = "ldap"
	ProtocolLDAPS Protocol = "ldaps"
)

// StagingMode controls which reconciled records go through review.
type StagingMode string

const (
	// StagingFull sends every classified record to staging.
	StagingFull StagingMode = "full"
	// StagingNewOnly stages NEW and DISABLED records and applies UPDATED and
	// EXISTING records directly to the committed store.
	StagingNewOnly StagingMode = "new-only"
	// StagingDisabled applies every record directly.
	StagingDisabled StagingMode = "disabled"
)

// Valid reports whether m is a known staging mode.
func (m StagingMode) Valid() bool {
	switch m {
	case StagingFull, StagingNewOnly, StagingDisabled:
		return true
	}
	return false
}

// Frequency is the cadence of scheduled runs.
type Frequency string

const (
	FrequencyHourly  Frequency = "HOURLY"
	FrequencyDaily   Frequency = "DAILY"
	FrequencyWeekly  Frequency = "WEEKLY"
	FrequencyMonthly Frequency = "MONTHLY"
)

// Valid reports whether f is a known frequency.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyHourly, FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		return true
	}
	return false
}

// Settings is the complete persisted configuration.
type Settings struct {
	LDAP LDAPSettings `json:"ldap"`
	Sync SyncSettings `json:"sync"`
}

// Default returns settings with every default applied.
func Default() Settings {
	var s Settings
	defaults.MustSet(&s.LDAP)
	defaults.MustSet(&s.Sync)
	return s
}

// Validate checks both sections.
func (s Settings) Validate() error {
	return joinConfigErrors(s.LDAP.validate(), s.Sync.validate())
}

// LDAPSettings configures the directory connection, the user search and the
// mapping of directory data onto canonical users.
type LDAPSettings struct {
	IsEnabled bool `json:"isEnabled"`

	Server string `json:"server"`
	// Domain enables DNS SRV discovery of domain controllers when Server is empty.
	Domain              string   `json:"domain,omitempty"`
	Port                int      `json:"port"`
	Protocol            Protocol `json:"protocol" default:"ldap"`
	SecureConnection    bool     `json:"secureConnection"`
	AllowSelfSignedCert bool     `json:"allowSelfSignedCert"`
	// ConnectionTimeout is in seconds.
	ConnectionTimeout int `json:"connectionTimeout" default:"30"`

	BaseDN       string `json:"baseDN"`
	BindDN       string `json:"bindDN"`
	BindPassword string `json:"bindPassword,omitempty"`

	KerberosRealm  string `json:"kerberosRealm,omitempty"`
	KerberosKeytab string `json:"kerberosKeytab,omitempty"`
	KerberosConfig string `json:"kerberosConfig,omitempty"`
	KerberosSPN    string `json:"kerberosSPN,omitempty"`

	UserSearchBase   string `json:"userSearchBase"`
	UserSearchFilter string `json:"userSearchFilter" default:"(&(objectCategory=person)(objectClass=user))"`
	UserSearchScope  string `json:"userSearchScope" default:"sub"`
	PageSizeLimit    int    `json:"pageSizeLimit" default:"500"`

	// IdentityAttribute names the attribute used as the reconciliation key.
	// Entries without it fall back to their DN.
	IdentityAttribute string `json:"identityAttribute" default:"objectGUID"`
	MemberOfAttribute string `json:"memberOfAttribute" default:"memberOf"`
	// ChangedAttribute is the modification timestamp used by incremental runs.
	ChangedAttribute string `json:"changedAttribute" default:"whenChanged"`

	// IgnoredAttributes are left out of AdditionalAttributes, and so out of
	// change detection, in addition to OperationalAttributes.
	IgnoredAttributes []string `json:"ignoredAttributes,omitempty"`

	AttributeMapping mapping.AttributeMapping `json:"attributeMapping"`
	GroupMappings    mapping.GroupMapping     `json:"groupMappings"`
	RoleMappings     mapping.RoleMapping      `json:"roleMappings"`

	// AutoSync with SyncIntervalMinutes runs on a fixed interval when the
	// calendar schedule in SyncSettings is disabled.
	AutoSync               bool        `json:"autoSync"`
	SyncIntervalMinutes    int         `json:"syncIntervalMinutes"`
	DeactivateRemovedUsers bool        `json:"deactivateRemovedUsers"`
	StagingMode            StagingMode `json:"stagingMode" default:"full"`
}

// SetDefaults fills values that depend on other fields.
func (s *LDAPSettings) SetDefaults() {
	if s.Port == 0 {
		s.Port = 389
		if s.Protocol == ProtocolLDAPS {
			s.Port = 636
		}
	}
	if len(s.AttributeMapping) == 0 {
		s.AttributeMapping = mapping.DefaultAttributeMapping()
	}
}

// Timeout returns the connection timeout as a duration.
func (s LDAPSettings) Timeout() time.Duration {
	return time.Duration(s.ConnectionTimeout) * time.Second
}

// SearchBase returns the user search base, defaulting to the base DN.
func (s LDAPSettings) SearchBase() string {
	if strings.TrimSpace(s.UserSearchBase) != "" {
		return s.UserSearchBase
	}
	return s.BaseDN
}

// Scope converts UserSearchScope into a directory scope.
func (s LDAPSettings) Scope() (directory.Scope, error) {
	switch strings.ToLower(strings.TrimSpace(s.UserSearchScope)) {
	case "", "sub", "subtree", "wholesubtree":
		return directory.ScopeWholeSubtree, nil
	case "one", "onelevel", "singlelevel":
		return directory.ScopeSingleLevel, nil
	case "base", "baseobject":
		return directory.ScopeBaseObject, nil
	}
	return 0, fmt.Errorf("unknown search scope %q", s.UserSearchScope)
}

// SearchAttributes lists the attributes requested from the directory: the
// mapped attributes, the identity and membership attributes, and "*" so that
// unmapped attributes are still returned for AdditionalAttributes.
func (s LDAPSettings) SearchAttributes() []string {
	attrs := []string{"*", s.IdentityAttribute, s.MemberOfAttribute}
	return append(attrs, s.AttributeMapping.Attributes()...)
}

// SearchRequest builds the paged user search. A non-empty extra filter is
// AND-ed with the configured one.
func (s LDAPSettings) SearchRequest(extraFilter string) (directory.SearchRequest, error) {
	scope, err := s.Scope()
	if err != nil {
		return directory.SearchRequest{}, err
	}

	filter := s.UserSearchFilter
	if extraFilter != "" {
		filter = "(&" + filter + extraFilter + ")"
	}

	return directory.SearchRequest{
		BaseDN:     s.SearchBase(),
		Filter:     filter,
		Scope:      scope,
		PageSize:   s.PageSizeLimit,
		Attributes: s.SearchAttributes(),
	}, nil
}

// OperationalAttributes are maintained by the directory itself and change on
// logon or replication. They are never copied into AdditionalAttributes
// unless explicitly mapped.
var OperationalAttributes = []string{
	"badPasswordTime",
	"badPwdCount",
	"dSCorePropagationData",
	"lastLogoff",
	"lastLogon",
	"lastLogonTimestamp",
	"lockoutTime",
	"logonCount",
	"modifyTimestamp",
	"msDS-LastSuccessfulInteractiveLogonTime",
	"pwdLastSet",
	"replPropertyMetaData",
	"uSNChanged",
	"uSNCreated",
	"whenChanged",
}

// Mapper returns the attribute mapper for these settings.
func (s LDAPSettings) Mapper() *mapping.Mapper {
	excluded := []string{s.IdentityAttribute, s.MemberOfAttribute, s.ChangedAttribute}
	excluded = append(excluded, OperationalAttributes...)
	excluded = append(excluded, s.IgnoredAttributes...)
	return mapping.NewMapper(s.AttributeMapping, excluded...)
}

// Resolver returns the group and role resolver for these settings.
func (s LDAPSettings) Resolver() *mapping.Resolver {
	return mapping.NewResolver(s.GroupMappings, s.RoleMappings)
}

// RedactedSecret replaces secrets in Redacted settings. Saving it back keeps
// the stored secret.
const RedactedSecret = "********"

// Redacted returns a copy safe to log or return to API callers.
func (s LDAPSettings) Redacted() LDAPSettings {
	if s.BindPassword != "" {
		s.BindPassword = RedactedSecret
	}
	return s
}

// SyncSettings is the calendar schedule for automatic runs.
type SyncSettings struct {
	Enabled   bool      `json:"enabled"`
	Frequency Frequency `json:"frequency" default:"DAILY"`
	// SyncTime is "HH:MM" in Timezone. HOURLY schedules use only the minute.
	SyncTime string `json:"syncTime" default:"02:00"`
	Timezone string `json:"timezone" default:"UTC"`
	// DayOfWeek applies to WEEKLY schedules, 0 is Sunday.
	DayOfWeek int `json:"dayOfWeek"`
	// DayOfMonth applies to MONTHLY schedules and is clamped to the month length.
	DayOfMonth    int `json:"dayOfMonth" default:"1"`
	RetryAttempts int `json:"retryAttempts" default:"3"`
	// RetryInterval is in minutes.
	RetryInterval int `json:"retryInterval" default:"15"`
	// FullSyncInterval is in days; runs in between are incremental. Zero makes
	// every run a full run.
	FullSyncInterval int `json:"fullSyncInterval" default:"7"`
}

// Location loads the configured timezone.
func (s SyncSettings) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}

// Clock parses SyncTime.
func (s SyncSettings) Clock() (hour, minute int, err error) {
	return parseClock(s.SyncTime)
}

// RetryDelay returns the spacing between retries of a failed run.
func (s SyncSettings) RetryDelay() time.Duration {
	return time.Duration(s.RetryInterval) * time.Minute
}

// FullSyncEvery returns the maximum age of the last full run before the next
// run must be full.
func (s SyncSettings) FullSyncEvery() time.Duration {
	return time.Duration(s.FullSyncInterval) * 24 * time.Hour
}

func parseClock(v string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(v))
	if err != nil {
		return 0, 0, fmt.Errorf("time of day %q must be HH:MM", v)
	}
	return t.Hour(), t.Minute(), nil
}
