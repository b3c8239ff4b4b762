/*
Package ldap implements directory.Client on top of go-ldap for Active
Directory and other LDAPv3 servers.

# Connection Management

Servers come from the configured server list or, when only a domain is set,
from DNS SRV records (_ldaps, then _ldap, then _gc). Connections are pooled
and dialed with exponential backoff across servers. Plain connections can be
upgraded with StartTLS.

Authentication is chosen from the configured credentials:

  - Kerberos (GSSAPI) when a realm is set, using a keytab or the bind password
  - Simple bind when a bind DN is set
  - Anonymous otherwise

# Searching

Search drives the RFC 2696 paged results control and yields one server page
at a time. Binary objectGUID and objectSid values are rendered in their
canonical string forms. Failures are reported as *directory.Error so callers
can tell unreachable servers, rejected credentials and timeouts apart.
*/
package ldap
