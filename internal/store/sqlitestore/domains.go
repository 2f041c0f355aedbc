package sqlitestore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/optimode/mailverify/types"
)

func (s *Store) LoadDomain(ctx context.Context, domain string) (types.DomainCacheEntry, bool, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM domain_cache WHERE domain = ?`, domain).Scan(&body)
	if isNoRows(err) {
		return types.DomainCacheEntry{}, false, nil
	}
	if err != nil {
		return types.DomainCacheEntry{}, false, fmt.Errorf("sqlitestore: load domain %s: %w", domain, err)
	}
	var e types.DomainCacheEntry
	if err := json.Unmarshal([]byte(body), &e); err != nil {
		return types.DomainCacheEntry{}, false, fmt.Errorf("sqlitestore: decode domain %s: %w", domain, err)
	}
	return e, true, nil
}

// SaveDomain replaces the stored entry; concurrent writers race and the
// last one wins.
func (s *Store) SaveDomain(ctx context.Context, e types.DomainCacheEntry) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	updated := e.CachedAt
	if e.CatchAllCachedAt.After(updated) {
		updated = e.CatchAllCachedAt
	}
	err = s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO domain_cache (domain, body, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(domain) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
			e.Domain, string(body), unixNano(updated))
		return err
	})
	if err != nil {
		s.metrics.StorageError("domain_cache")
		return fmt.Errorf("sqlitestore: save domain %s: %w", e.Domain, err)
	}
	return nil
}
