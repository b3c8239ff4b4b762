package ldap

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/go-ldap/ldap/v3/gssapi"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	krb5client "github.com/jcmturner/gokrb5/v8/client"
	krb5config "github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/keytab"
)

// kerberosBind performs a GSSAPI bind on conn using the configured keytab or
// password.
func kerberosBind(ctx context.Context, conn *ldap.Conn, cfg *Config, server *ServerInfo) error {
	if err := gssapiBind(ctx, conn, cfg, server); err != nil {
		return &LDAPError{
			Operation: "bind",
			Category:  ErrorCategoryAuthentication,
			Message:   err.Error(),
			Cause:     err,
		}
	}
	return nil
}

func gssapiBind(ctx context.Context, conn *ldap.Conn, cfg *Config, server *ServerInfo) error {
	principal, realm := kerberosPrincipal(cfg)

	krb5conf, err := loadKrb5Config(ctx, cfg, realm)
	if err != nil {
		return fmt.Errorf("kerberos configuration error: %w", err)
	}

	var krb *krb5client.Client
	if cfg.KerberosKeytab != "" {
		kt, err := keytab.Load(cfg.KerberosKeytab)
		if err != nil {
			return fmt.Errorf("load keytab %s: %w", cfg.KerberosKeytab, err)
		}
		krb = krb5client.NewWithKeytab(principal, realm, kt, krb5conf, krb5client.DisablePAFXFAST(true))
	} else {
		krb = krb5client.NewWithPassword(principal, realm, cfg.BindPassword, krb5conf, krb5client.DisablePAFXFAST(true))
	}
	if err := krb.Login(); err != nil {
		return fmt.Errorf("kerberos login as %s@%s: %w", principal, realm, err)
	}
	defer krb.Destroy()

	gss := &gssapi.Client{Client: krb}
	defer func() {
		_ = gss.DeleteSecContext()
	}()

	spn, err := buildServicePrincipal(cfg, server)
	if err != nil {
		return err
	}

	tflog.SubsystemDebug(ctx, "ldap", "Performing GSSAPI bind", map[string]any{
		"principal": principal,
		"realm":     realm,
		"spn":       spn,
	})
	if err := conn.GSSAPIBind(gss, spn, ""); err != nil {
		return fmt.Errorf("GSSAPI bind failed: %w", err)
	}
	return nil
}

// kerberosPrincipal splits user@REALM bind names; the configured realm
// otherwise applies.
func kerberosPrincipal(cfg *Config) (principal, realm string) {
	principal, realm = cfg.BindDN, strings.ToUpper(cfg.KerberosRealm)
	if user, r, ok := strings.Cut(cfg.BindDN, "@"); ok {
		principal = user
		if realm == "" {
			realm = strings.ToUpper(r)
		}
	}
	return principal, realm
}

// buildServicePrincipal returns the LDAP service principal for server unless
// cfg.KerberosSPN overrides it.
func buildServicePrincipal(cfg *Config, server *ServerInfo) (string, error) {
	if cfg.KerberosSPN != "" {
		return cfg.KerberosSPN, nil
	}
	if server == nil || server.Host == "" {
		return "", fmt.Errorf("hostname is required for service principal")
	}
	return "ldap/" + server.Host, nil
}

// loadKrb5Config reads the configured krb5.conf, falling back to the system
// file and finally to a generated configuration relying on DNS discovery of
// the KDCs.
func loadKrb5Config(ctx context.Context, cfg *Config, realm string) (*krb5config.Config, error) {
	path := cfg.KerberosConfig
	if path != "" {
		return krb5config.Load(path)
	}
	if _, err := os.Stat("/etc/krb5.conf"); err == nil {
		return krb5config.Load("/etc/krb5.conf")
	}

	tflog.SubsystemDebug(ctx, "ldap", "No krb5.conf found, generating runtime configuration", map[string]any{
		"realm": realm,
	})
	return krb5config.NewFromString(runtimeKrb5Conf(realm, cfg.Domain))
}

func runtimeKrb5Conf(realm, domain string) string {
	realm = strings.ToUpper(realm)
	if domain == "" {
		domain = realm
	}
	domain = strings.ToLower(domain)

	return fmt.Sprintf(`[libdefaults]
    default_realm = %[1]s
    dns_lookup_kdc = true
    dns_lookup_realm = false
    rdns = false

[realms]
    %[1]s = {
    }

[domain_realm]
    .%[2]s = %[1]s
    %[2]s = %[1]s
`, realm, domain)
}
