package syncer

import (
	"context"
	"fmt"

	"github.com/isometry/adsync/internal/mapping"
	"github.com/isometry/adsync/internal/settings"
)

// DefaultPreviewLimit is used when Preview is called without a limit.
const DefaultPreviewLimit = 10

// PreviewEntry is a directory entry as a sync run would see it.
type PreviewEntry struct {
	IdentityKey string              `json:"identityKey"`
	DN          string              `json:"dn"`
	Fields      mapping.Fields      `json:"fields"`
	Groups      []string            `json:"groups"`
	Roles       []string            `json:"roles"`
	Fingerprint string              `json:"fingerprint"`
	Raw         map[string][]string `json:"raw"`
}

// Preview maps and resolves up to limit entries using cfg, which need not be
// saved yet. Nothing is staged or recorded.
func (e *Executor) Preview(ctx context.Context, cfg settings.LDAPSettings, limit int) ([]PreviewEntry, error) {
	if limit <= 0 {
		limit = DefaultPreviewLimit
	}

	req, err := cfg.SearchRequest("")
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.PageSize = min(limit, max(req.PageSize, 1))

	client, err := e.cfg.Connect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to directory: %w", err)
	}
	defer client.Close()

	mapper := cfg.Mapper()
	resolver := cfg.Resolver()

	var out []PreviewEntry
	for page, err := range client.Search(ctx, req) {
		if err != nil {
			return nil, fmt.Errorf("search directory: %w", err)
		}

		for _, entry := range page {
			c, ok := candidate(ctx, entry, mapper, resolver, cfg.MemberOfAttribute)
			if !ok {
				continue
			}
			out = append(out, PreviewEntry{
				IdentityKey: c.IdentityKey,
				DN:          c.DN,
				Fields:      c.Fields,
				Groups:      c.Groups,
				Roles:       c.Roles,
				Fingerprint: c.Fingerprint(),
				Raw:         entry.Attributes,
			})
			if len(out) == limit {
				return out, nil
			}
		}
	}
	return out, nil
}
