package ldap

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/adsync/internal/directory"
	"github.com/isometry/adsync/internal/settings"
)

// rootDSEAttributes are read by ServerInfo.
var rootDSEAttributes = []string{
	"defaultNamingContext",
	"rootDomainNamingContext",
	"dnsHostName",
	"serverName",
	"supportedLDAPVersion",
	"supportedSASLMechanisms",
	"domainFunctionality",
	"forestFunctionality",
	"domainControllerFunctionality",
}

// Client is a pooled directory.Client backed by an LDAP server.
type Client struct {
	cfg  *Config
	pool *connectionPool
}

var (
	_ directory.Client             = (*Client)(nil)
	_ directory.ServerInfoProvider = (*Client)(nil)
)

// Dial builds a client from settings and opens its first connection, so that
// unreachable servers and rejected credentials surface immediately. It
// satisfies syncer.Connector.
func Dial(ctx context.Context, s settings.LDAPSettings) (directory.Client, error) {
	cfg, err := FromSettings(s)
	if err != nil {
		return nil, directory.NewError(directory.KindOther, "configure", err)
	}
	c, err := New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// New resolves the configured servers and connects.
func New(ctx context.Context, cfg *Config) (*Client, error) {
	servers := cfg.Servers
	if len(servers) == 0 {
		discoverCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()

		var err error
		servers, err = NewSRVDiscovery(nil).DiscoverServers(discoverCtx, cfg.Domain)
		if err != nil {
			return nil, directory.NewError(directory.KindConnection, "discover", err)
		}
	}

	pool, err := newConnectionPool(cfg, servers)
	if err != nil {
		return nil, directory.NewError(directory.KindConnection, "connect", err)
	}
	c := &Client{cfg: cfg, pool: pool}

	err = LogOperation(ctx, "connect", map[string]any{
		"server_count": len(servers),
		"auth_method":  cfg.AuthMethod().String(),
	}, func() error {
		pc, err := pool.get(ctx)
		if err != nil {
			return err
		}
		pool.put(pc)
		return nil
	})
	if err != nil {
		pool.close()
		return nil, classify("connect", err)
	}
	return c, nil
}

// Search runs a paged search on a single connection. Each yielded slice is
// one server page. A consumer that stops early abandons the search and the
// connection is closed rather than returned to the pool.
func (c *Client) Search(ctx context.Context, req directory.SearchRequest) iter.Seq2[[]directory.Entry, error] {
	return func(yield func([]directory.Entry, error) bool) {
		pageSize := req.PageSize
		if pageSize <= 0 {
			pageSize = c.cfg.PageSize
		}
		scope, err := searchScope(req.Scope)
		if err != nil {
			yield(nil, directory.NewError(directory.KindOther, "search", err))
			return
		}

		pc, err := c.pool.get(ctx)
		if err != nil {
			yield(nil, classify("search", err))
			return
		}
		complete := false
		defer func() {
			if complete {
				c.pool.put(pc)
			} else {
				c.pool.discard(pc)
			}
		}()

		tflog.SubsystemDebug(ctx, "ldap", "Starting paged search", map[string]any{
			"base_dn":   req.BaseDN,
			"filter":    req.Filter,
			"scope":     req.Scope.String(),
			"page_size": pageSize,
			"server":    pc.server.URL(),
		})

		paging := ldap.NewControlPaging(uint32(pageSize))
		for page := 1; ; page++ {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			sr := ldap.NewSearchRequest(
				req.BaseDN, scope, ldap.NeverDerefAliases,
				0, int(c.cfg.Timeout/time.Second), false,
				req.Filter, req.Attributes,
				[]ldap.Control{paging},
			)

			start := time.Now()
			entries, cookie, err := c.searchPage(ctx, pc.conn, sr)
			if err != nil {
				err = classify("search", err)
				if ctx.Err() == nil {
					LogLDAPError(ctx, "search", err, map[string]any{"page": page})
				}
				yield(nil, err)
				return
			}

			tflog.SubsystemTrace(ctx, "ldap", "Fetched page", map[string]any{
				"page":        page,
				"entries":     len(entries),
				"duration_ms": time.Since(start).Milliseconds(),
			})

			if !yield(entries, nil) {
				return
			}
			if len(cookie) == 0 {
				complete = true
				return
			}
			paging.SetCookie(cookie)
		}
	}
}

func (c *Client) searchPage(ctx context.Context, conn *ldap.Conn, sr *ldap.SearchRequest) ([]directory.Entry, []byte, error) {
	resp := conn.SearchAsync(ctx, sr, 0)

	var entries []directory.Entry
	for resp.Next() {
		if e := resp.Entry(); e != nil {
			entries = append(entries, toEntry(e, c.cfg.IdentityAttribute))
		}
	}
	if err := resp.Err(); err != nil {
		return nil, nil, err
	}

	var cookie []byte
	if ctrl, ok := ldap.FindControl(resp.Controls(), ldap.ControlTypePaging).(*ldap.ControlPaging); ok {
		cookie = ctrl.Cookie
	}
	return entries, cookie, nil
}

func searchScope(s directory.Scope) (int, error) {
	switch s {
	case directory.ScopeBaseObject:
		return ldap.ScopeBaseObject, nil
	case directory.ScopeSingleLevel:
		return ldap.ScopeSingleLevel, nil
	case directory.ScopeWholeSubtree:
		return ldap.ScopeWholeSubtree, nil
	}
	return 0, fmt.Errorf("unsupported search scope %d", s)
}

// TestConnection reads the root DSE over a pooled connection.
func (c *Client) TestConnection(ctx context.Context) error {
	return LogOperation(ctx, "ping", nil, func() error {
		_, err := c.rootDSE(ctx, []string{"defaultNamingContext"})
		return err
	})
}

// ServerInfo returns root DSE attributes of the connected server along with
// the identity the connection is bound as.
func (c *Client) ServerInfo(ctx context.Context) (map[string]string, error) {
	info, err := c.rootDSE(ctx, rootDSEAttributes)
	if err != nil {
		return nil, err
	}

	pc, err := c.pool.get(ctx)
	if err != nil {
		return info, nil
	}
	defer c.pool.put(pc)

	info["server"] = pc.server.URL()
	if res, err := pc.conn.WhoAmI(nil); err == nil && res.AuthzID != "" {
		info["authzId"] = strings.TrimPrefix(res.AuthzID, "u:")
	}
	return info, nil
}

func (c *Client) rootDSE(ctx context.Context, attrs []string) (map[string]string, error) {
	pc, err := c.pool.get(ctx)
	if err != nil {
		return nil, classify("root DSE", err)
	}

	sr := ldap.NewSearchRequest("", ldap.ScopeBaseObject, ldap.NeverDerefAliases,
		1, int(c.cfg.Timeout/time.Second), false, "(objectClass=*)", attrs, nil)

	resp := pc.conn.SearchAsync(ctx, sr, 0)
	var entry *ldap.Entry
	for resp.Next() {
		if e := resp.Entry(); e != nil && entry == nil {
			entry = e
		}
	}
	if err := resp.Err(); err != nil {
		c.pool.discard(pc)
		return nil, classify("root DSE", err)
	}
	c.pool.put(pc)

	if entry == nil {
		return nil, directory.NewError(directory.KindOther, "root DSE", fmt.Errorf("no root DSE returned"))
	}

	info := make(map[string]string, len(attrs))
	for _, attr := range attrs {
		if values := entry.GetAttributeValues(attr); len(values) > 0 {
			info[attr] = strings.Join(values, ",")
		}
	}
	return info, nil
}

// Stats reports pool counters.
func (c *Client) Stats() PoolStats {
	return c.pool.stats()
}

// Close closes every pooled connection.
func (c *Client) Close() error {
	c.pool.close()
	LogPoolEvent(context.Background(), "pool_closed", map[string]any{
		"total_created": c.pool.totalCreated.Load(),
	})
	return nil
}
