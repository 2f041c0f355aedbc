// Package dedup keeps the durable map from normalized address to its last
// known validation record, and splits incoming batches into addresses seen
// for the first time and addresses already on file.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/optimode/mailverify/internal/metrics"
	"github.com/optimode/mailverify/internal/parse"
	"github.com/optimode/mailverify/types"
)

var (
	ErrNotFound       = errors.New("dedup: record not found")
	ErrLengthMismatch = errors.New("dedup: addresses and verdicts differ in length")
)

// Partition is the result of checking a batch against the store.
// Addresses are normalized and keep their input order.
type Partition struct {
	New       []string `json:"new"`
	Duplicate []string `json:"duplicate"`
}

type Stats struct {
	TotalUnique              int64 `json:"total_unique"`
	TotalSessions            int64 `json:"total_sessions"`
	TotalDuplicatesPrevented int64 `json:"total_duplicates_prevented"`
}

// Session is the audit row written for every Partition call.
type Session struct {
	ID        string
	CreatedAt time.Time
	Total     int
	New       int
	Duplicate int
}

// UpdateFunc receives the stored records (soft-deleted ones included) and
// returns the records to write and an optional session row.
type UpdateFunc func(existing map[string]types.EmailRecord) ([]types.EmailRecord, *Session, error)

// Backend is the durable storage under a Store. UpdateRecords must run the
// load, fn and the write in one transaction that excludes every other
// writer on the same database, in this process or another, and must not
// return before the commit is on stable storage. fn may run more than once.
type Backend interface {
	LoadRecords(ctx context.Context, addresses []string) (map[string]types.EmailRecord, error)
	UpdateRecords(ctx context.Context, addresses []string, fn UpdateFunc) error
	// SoftDelete marks the given addresses deleted, or every record when
	// addresses is nil, and returns how many rows changed.
	SoftDelete(ctx context.Context, addresses []string, at time.Time) (int64, error)
	Stats(ctx context.Context) (Stats, error)
}

// Store serializes writes to a Backend within the process; the backend
// transaction serializes them across processes. Reads go straight to the
// backend.
type Store struct {
	backend Backend
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time

	mu sync.Mutex
}

type Option func(*Store)

func WithMetrics(m *metrics.Metrics) Option { return func(s *Store) { s.metrics = m } }

func WithLogger(l zerolog.Logger) Option { return func(s *Store) { s.log = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

func New(b Backend, opts ...Option) *Store {
	s := &Store{backend: b, log: zerolog.Nop(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Partition records every address as seen and reports which ones were
// already on file. A repeat inside the same call counts as a duplicate.
// A soft-deleted record counts as new and is revived.
func (s *Store) Partition(ctx context.Context, addresses []string) (Partition, error) {
	normalized := normalizeAll(addresses)
	var p Partition
	if len(normalized) == 0 {
		return p, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var session *Session
	err := s.backend.UpdateRecords(ctx, unique(normalized), func(existing map[string]types.EmailRecord) ([]types.EmailRecord, *Session, error) {
		now := s.now().UTC()
		var records []types.EmailRecord
		p, records = partition(normalized, existing, now)
		session = &Session{
			ID:        ulid.Make().String(),
			CreatedAt: now,
			Total:     len(normalized),
			New:       len(p.New),
			Duplicate: len(p.Duplicate),
		}
		return records, session, nil
	})
	if err != nil {
		s.metrics.StorageError("dedup")
		return Partition{}, fmt.Errorf("dedup: partition: %w", err)
	}
	s.metrics.Dedup(len(p.New), len(p.Duplicate))
	s.log.Debug().Str("session", session.ID).Int("new", session.New).Int("duplicate", session.Duplicate).Msg("batch partitioned")
	return p, nil
}

// partition splits normalized against the stored records and returns the
// records to write back, in first-seen order.
func partition(normalized []string, existing map[string]types.EmailRecord, now time.Time) (Partition, []types.EmailRecord) {
	var p Partition
	pending := make(map[string]types.EmailRecord, len(normalized))
	order := make([]string, 0, len(normalized))
	for _, addr := range normalized {
		if _, seen := pending[addr]; seen {
			p.Duplicate = append(p.Duplicate, addr)
			continue
		}
		rec, ok := existing[addr]
		switch {
		case ok && rec.DeletedAt == nil:
			p.Duplicate = append(p.Duplicate, addr)
		case ok:
			rec.DeletedAt = nil
			p.New = append(p.New, addr)
		default:
			rec = types.EmailRecord{Address: addr, Type: types.TypeUnknown, FirstSeen: now}
			p.New = append(p.New, addr)
		}
		rec.LastSeen = now
		pending[addr] = rec
		order = append(order, addr)
	}

	records := make([]types.EmailRecord, len(order))
	for i, addr := range order {
		records[i] = pending[addr]
	}
	return p, records
}

// Upsert stores the validation fields of rec, creating the record on first
// sighting and incrementing its validation count.
func (s *Store) Upsert(ctx context.Context, rec types.EmailRecord) error {
	return s.UpsertMany(ctx, []types.EmailRecord{rec})
}

// UpsertMany is Upsert for several records in one transaction.
func (s *Store) UpsertMany(ctx context.Context, records []types.EmailRecord) error {
	addresses := make([]string, len(records))
	for i, r := range records {
		addresses[i] = r.Address
	}
	return s.apply(ctx, addresses, func(dst *types.EmailRecord, i int) {
		src := records[i]
		dst.SyntaxValid = src.SyntaxValid
		dst.DomainValid = src.DomainValid
		dst.HasMX = src.HasMX
		dst.Type = src.Type
		dst.SMTPOutcome = src.SMTPOutcome
		dst.Confidence = src.Confidence
		dst.SMTPCode = src.SMTPCode
		dst.MXHost = src.MXHost
		dst.Reason = src.Reason
		dst.Suggestion = src.Suggestion
	})
}

// RecordVerdicts applies probe verdicts to the records of addresses,
// leaving their other fields untouched.
func (s *Store) RecordVerdicts(ctx context.Context, addresses []string, verdicts []types.Verdict) error {
	if len(addresses) != len(verdicts) {
		return fmt.Errorf("%w: %d != %d", ErrLengthMismatch, len(addresses), len(verdicts))
	}
	return s.apply(ctx, addresses, func(dst *types.EmailRecord, i int) {
		dst.ApplyVerdict(verdicts[i])
	})
}

func (s *Store) apply(ctx context.Context, addresses []string, fn func(*types.EmailRecord, int)) error {
	normalized := make([]string, len(addresses))
	for i, a := range addresses {
		normalized[i] = parse.Normalize(a)
	}
	keys := unique(normalized)
	if len(keys) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.backend.UpdateRecords(ctx, keys, func(existing map[string]types.EmailRecord) ([]types.EmailRecord, *Session, error) {
		now := s.now().UTC()
		merged := make(map[string]types.EmailRecord, len(keys))
		for i, addr := range normalized {
			if addr == "" {
				continue
			}
			rec, ok := merged[addr]
			if !ok {
				if rec, ok = existing[addr]; !ok {
					rec = types.EmailRecord{Address: addr, Type: types.TypeUnknown, FirstSeen: now}
				}
			}
			fn(&rec, i)
			rec.Address = addr
			rec.DeletedAt = nil
			rec.LastSeen = now
			rec.LastValidated = now
			rec.ValidationCount++
			merged[addr] = rec
		}

		out := make([]types.EmailRecord, 0, len(merged))
		for _, addr := range keys {
			out = append(out, merged[addr])
		}
		return out, nil, nil
	})
	if err != nil {
		s.metrics.StorageError("dedup")
		return fmt.Errorf("dedup: save records: %w", err)
	}
	return nil
}

// Get returns the live record for address.
func (s *Store) Get(ctx context.Context, address string) (types.EmailRecord, error) {
	addr := parse.Normalize(address)
	recs, err := s.backend.LoadRecords(ctx, []string{addr})
	if err != nil {
		return types.EmailRecord{}, fmt.Errorf("dedup: load: %w", err)
	}
	rec, ok := recs[addr]
	if !ok || rec.DeletedAt != nil {
		return types.EmailRecord{}, fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	return rec, nil
}

// Forget soft-deletes the given addresses so the next sighting counts as new.
func (s *Store) Forget(ctx context.Context, addresses []string) (int64, error) {
	keys := unique(normalizeAll(addresses))
	if len(keys) == 0 {
		return 0, nil
	}
	return s.softDelete(ctx, keys)
}

// Clear soft-deletes every record.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	return s.softDelete(ctx, nil)
}

func (s *Store) softDelete(ctx context.Context, keys []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.backend.SoftDelete(ctx, keys, s.now().UTC())
	if err != nil {
		s.metrics.StorageError("dedup")
		return 0, fmt.Errorf("dedup: delete: %w", err)
	}
	s.log.Info().Int64("records", n).Msg("records forgotten")
	return n, nil
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st, err := s.backend.Stats(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("dedup: stats: %w", err)
	}
	return st, nil
}

func normalizeAll(addresses []string) []string {
	out := make([]string, 0, len(addresses))
	for _, a := range addresses {
		if n := parse.Normalize(a); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func unique(addresses []string) []string {
	seen := make(map[string]struct{}, len(addresses))
	out := make([]string, 0, len(addresses))
	for _, a := range addresses {
		if _, ok := seen[a]; ok || a == "" {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
