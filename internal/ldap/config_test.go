package ldap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/adsync/internal/settings"
)

func baseSettings() settings.LDAPSettings {
	s := settings.Default().LDAP
	s.IsEnabled = true
	s.BaseDN = "DC=example,DC=com"
	return s
}

func TestFromSettings(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*settings.LDAPSettings)
		wantServers []string
		wantAuth    AuthMethod
		wantErr     string
		check       func(*testing.T, *Config)
	}{
		{
			name: "host with default port",
			mutate: func(s *settings.LDAPSettings) {
				s.Server = "dc1.example.com"
			},
			wantServers: []string{"ldap://dc1.example.com:389"},
			wantAuth:    AuthMethodAnonymous,
		},
		{
			name: "ldaps protocol",
			mutate: func(s *settings.LDAPSettings) {
				s.Server = "dc1.example.com"
				s.Protocol = settings.ProtocolLDAPS
				s.Port = 636
				s.AllowSelfSignedCert = true
			},
			wantServers: []string{"ldaps://dc1.example.com:636"},
			check: func(t *testing.T, c *Config) {
				assert.False(t, c.StartTLS)
				assert.True(t, c.TLSConfig.InsecureSkipVerify)
			},
		},
		{
			name: "starttls with explicit host port",
			mutate: func(s *settings.LDAPSettings) {
				s.Server = "dc1.example.com:1389"
				s.SecureConnection = true
				s.BindDN = "CN=svc,DC=example,DC=com"
				s.BindPassword = "secret"
			},
			wantServers: []string{"ldap://dc1.example.com:1389"},
			wantAuth:    AuthMethodSimpleBind,
			check: func(t *testing.T, c *Config) {
				assert.True(t, c.StartTLS)
				assert.False(t, c.TLSConfig.InsecureSkipVerify)
			},
		},
		{
			name: "url list",
			mutate: func(s *settings.LDAPSettings) {
				s.Server = "ldaps://dc1.example.com, ldap://dc2.example.com:3268"
			},
			wantServers: []string{"ldaps://dc1.example.com:636", "ldap://dc2.example.com:3268"},
		},
		{
			name: "domain only",
			mutate: func(s *settings.LDAPSettings) {
				s.Domain = "example.com"
			},
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, "example.com", c.Domain)
			},
		},
		{
			name: "kerberos with keytab",
			mutate: func(s *settings.LDAPSettings) {
				s.Server = "dc1.example.com"
				s.BindDN = "svc-sync"
				s.KerberosRealm = "EXAMPLE.COM"
				s.KerberosKeytab = "/etc/adsync.keytab"
			},
			wantServers: []string{"ldap://dc1.example.com:389"},
			wantAuth:    AuthMethodKerberos,
		},
		{
			name: "timeouts and paging",
			mutate: func(s *settings.LDAPSettings) {
				s.Server = "dc1.example.com"
				s.ConnectionTimeout = 7
				s.PageSizeLimit = 250
				s.IdentityAttribute = "sAMAccountName"
			},
			wantServers: []string{"ldap://dc1.example.com:389"},
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, 7*time.Second, c.Timeout)
				assert.Equal(t, 250, c.PageSize)
				assert.Equal(t, "sAMAccountName", c.IdentityAttribute)
			},
		},
		{
			name:    "no server or domain",
			mutate:  func(s *settings.LDAPSettings) {},
			wantErr: "either domain or server must be specified",
		},
		{
			name: "bad url",
			mutate: func(s *settings.LDAPSettings) {
				s.Server = "https://dc1.example.com"
			},
			wantErr: "unsupported scheme",
		},
		{
			name: "kerberos without credentials",
			mutate: func(s *settings.LDAPSettings) {
				s.Server = "dc1.example.com"
				s.BindDN = "svc-sync"
				s.KerberosRealm = "EXAMPLE.COM"
			},
			wantErr: "keytab or a password",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := baseSettings()
			tt.mutate(&s)

			cfg, err := FromSettings(s)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)

			var urls []string
			for _, server := range cfg.Servers {
				urls = append(urls, server.URL())
			}
			assert.Equal(t, tt.wantServers, urls)
			assert.Equal(t, tt.wantAuth, cfg.AuthMethod())
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestAuthMethod_String(t *testing.T) {
	assert.Equal(t, "anonymous", AuthMethodAnonymous.String())
	assert.Equal(t, "simple", AuthMethodSimpleBind.String())
	assert.Equal(t, "kerberos", AuthMethodKerberos.String())
	assert.Equal(t, "unknown", AuthMethod(42).String())
}
