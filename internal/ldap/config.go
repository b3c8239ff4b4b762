package ldap

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/isometry/adsync/internal/directory"
	"github.com/isometry/adsync/internal/settings"
)

// MaxConnectionPoolLimit is the maximum allowed connections in a pool.
const MaxConnectionPoolLimit = 100

// AuthMethod is how a connection authenticates after dialing.
type AuthMethod int

const (
	AuthMethodAnonymous AuthMethod = iota
	AuthMethodSimpleBind
	AuthMethodKerberos
)

// String returns string representation of the authentication method.
func (a AuthMethod) String() string {
	switch a {
	case AuthMethodAnonymous:
		return "anonymous"
	case AuthMethodSimpleBind:
		return "simple"
	case AuthMethodKerberos:
		return "kerberos"
	default:
		return "unknown"
	}
}

// ServerInfo describes one directory server candidate.
type ServerInfo struct {
	Host     string
	Port     int
	UseTLS   bool
	Priority int
	Weight   int
	Source   string // config, srv or fallback
}

// Config holds everything needed to open connections to a directory.
type Config struct {
	// Servers are tried in order. When empty, Domain is resolved through
	// DNS SRV records.
	Servers []*ServerInfo
	Domain  string

	// StartTLS upgrades plain connections after dialing.
	StartTLS  bool
	TLSConfig *tls.Config
	Timeout   time.Duration

	MaxConnections int
	MaxIdleTime    time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64

	BindDN       string
	BindPassword string

	KerberosRealm  string
	KerberosKeytab string
	KerberosConfig string
	KerberosSPN    string

	// IdentityAttribute selects Entry.IdentityKey; entries without it fall
	// back to their DN.
	IdentityAttribute string
	PageSize          int
}

// DefaultConfig returns a Config with conservative connection defaults.
func DefaultConfig() *Config {
	return &Config{
		TLSConfig:         &tls.Config{MinVersion: tls.VersionTLS12},
		Timeout:           30 * time.Second,
		MaxConnections:    4,
		MaxIdleTime:       5 * time.Minute,
		MaxRetries:        2,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffFactor:     2,
		IdentityAttribute: "objectGUID",
		PageSize:          directory.DefaultPageSize,
	}
}

// FromSettings builds a Config from persisted directory settings. Server may
// hold a host name, host:port, or one or more comma separated ldap:// or
// ldaps:// URLs.
func FromSettings(s settings.LDAPSettings) (*Config, error) {
	cfg := DefaultConfig()
	cfg.Domain = strings.TrimSpace(s.Domain)
	cfg.StartTLS = s.SecureConnection && s.Protocol != settings.ProtocolLDAPS
	cfg.TLSConfig.InsecureSkipVerify = s.AllowSelfSignedCert //nolint:gosec // operator opt-in
	if s.ConnectionTimeout > 0 {
		cfg.Timeout = s.Timeout()
	}
	cfg.BindDN = s.BindDN
	cfg.BindPassword = s.BindPassword
	cfg.KerberosRealm = s.KerberosRealm
	cfg.KerberosKeytab = s.KerberosKeytab
	cfg.KerberosConfig = s.KerberosConfig
	cfg.KerberosSPN = s.KerberosSPN
	if s.IdentityAttribute != "" {
		cfg.IdentityAttribute = s.IdentityAttribute
	}
	if s.PageSizeLimit > 0 {
		cfg.PageSize = s.PageSizeLimit
	}

	for part := range strings.SplitSeq(s.Server, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		server, err := parseServer(part, s.Port, s.Protocol == settings.ProtocolLDAPS)
		if err != nil {
			return nil, fmt.Errorf("invalid server %q: %w", part, err)
		}
		cfg.Servers = append(cfg.Servers, server)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseServer(s string, port int, useTLS bool) (*ServerInfo, error) {
	if strings.Contains(s, "://") {
		return ParseLDAPURL(s)
	}

	host := s
	if h, p, err := net.SplitHostPort(s); err == nil {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid port number: %s", p)
		}
		host, port = h, n
	}
	if port == 0 {
		port = defaultPort(useTLS)
	}

	server := &ServerInfo{
		Host:   host,
		Port:   port,
		UseTLS: useTLS,
		Weight: 100,
		Source: "config",
	}
	return server, ValidateServerInfo(server)
}

func defaultPort(useTLS bool) int {
	if useTLS {
		return 636
	}
	return 389
}

// AuthMethod reports the authentication method implied by the configured
// credentials.
func (c *Config) AuthMethod() AuthMethod {
	switch {
	case c.KerberosRealm != "":
		return AuthMethodKerberos
	case c.BindDN != "":
		return AuthMethodSimpleBind
	default:
		return AuthMethodAnonymous
	}
}

func (c *Config) validate() error {
	var errs []error

	if len(c.Servers) == 0 && c.Domain == "" {
		errs = append(errs, errors.New("either domain or server must be specified"))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %s", c.Timeout))
	}
	if c.MaxConnections < 1 || c.MaxConnections > MaxConnectionPoolLimit {
		errs = append(errs, fmt.Errorf("max connections must be between 1 and %d, got %d", MaxConnectionPoolLimit, c.MaxConnections))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries cannot be negative, got %d", c.MaxRetries))
	}
	if c.PageSize < 1 {
		errs = append(errs, fmt.Errorf("page size must be positive, got %d", c.PageSize))
	}
	if c.AuthMethod() == AuthMethodKerberos && c.BindDN == "" {
		errs = append(errs, errors.New("a principal (bind DN) is required for Kerberos authentication"))
	}
	if c.AuthMethod() == AuthMethodKerberos && c.KerberosKeytab == "" && c.BindPassword == "" {
		errs = append(errs, errors.New("kerberos authentication needs a keytab or a password"))
	}

	return errors.Join(errs...)
}
