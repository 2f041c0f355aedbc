package dedup_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optimode/mailverify/internal/dedup"
	"github.com/optimode/mailverify/types"
)

// memBackend keeps records in a map and counts sessions.
type memBackend struct {
	mu       sync.Mutex
	records  map[string]types.EmailRecord
	sessions []dedup.Session
	saveErr  error
	// reruns makes UpdateRecords call fn this many extra times, as a
	// transaction retried on a busy database does.
	reruns int
}

func newMem() *memBackend {
	return &memBackend{records: map[string]types.EmailRecord{}}
}

func (m *memBackend) LoadRecords(_ context.Context, addresses []string) (map[string]types.EmailRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]types.EmailRecord)
	for _, a := range addresses {
		if rec, ok := m.records[a]; ok {
			out[a] = rec
		}
	}
	return out, nil
}

func (m *memBackend) UpdateRecords(_ context.Context, addresses []string, fn dedup.UpdateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := make(map[string]types.EmailRecord)
	for _, a := range addresses {
		if rec, ok := m.records[a]; ok {
			existing[a] = rec
		}
	}
	for range m.reruns {
		if _, _, err := fn(existing); err != nil {
			return err
		}
	}
	records, session, err := fn(existing)
	if err != nil {
		return err
	}
	if m.saveErr != nil {
		return m.saveErr
	}
	for _, rec := range records {
		m.records[rec.Address] = rec
	}
	if session != nil {
		m.sessions = append(m.sessions, *session)
	}
	return nil
}

func (m *memBackend) SoftDelete(_ context.Context, addresses []string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if addresses == nil {
		for a := range m.records {
			addresses = append(addresses, a)
		}
	}
	var n int64
	for _, a := range addresses {
		rec, ok := m.records[a]
		if !ok || rec.DeletedAt != nil {
			continue
		}
		rec.DeletedAt = &at
		m.records[a] = rec
		n++
	}
	return n, nil
}

func (m *memBackend) Stats(context.Context) (dedup.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var st dedup.Stats
	for _, rec := range m.records {
		if rec.DeletedAt == nil {
			st.TotalUnique++
		}
	}
	st.TotalSessions = int64(len(m.sessions))
	for _, s := range m.sessions {
		st.TotalDuplicatesPrevented += int64(s.Duplicate)
	}
	return st, nil
}

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestPartition(t *testing.T) {
	ctx := context.Background()
	mem := newMem()
	s := dedup.New(mem)

	p, err := s.Partition(ctx, []string{" A@Example.com", "b@example.com", "a@example.com", ""})
	require.NoError(t, err)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, p.New)
	assert.Equal(t, []string{"a@example.com"}, p.Duplicate)

	p, err = s.Partition(ctx, []string{"b@example.com", "c@example.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c@example.com"}, p.New)
	assert.Equal(t, []string{"b@example.com"}, p.Duplicate)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, dedup.Stats{TotalUnique: 3, TotalSessions: 2, TotalDuplicatesPrevented: 2}, st)

	p, err = s.Partition(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, p.New)
	assert.Len(t, mem.sessions, 2, "empty input writes no session")
}

func TestPartition_KeepsFirstSeen(t *testing.T) {
	ctx := context.Background()
	mem := newMem()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := dedup.New(mem, dedup.WithClock(fixedClock(t0))).Partition(ctx, []string{"a@example.com"})
	require.NoError(t, err)
	_, err = dedup.New(mem, dedup.WithClock(fixedClock(t0.Add(time.Hour)))).Partition(ctx, []string{"a@example.com"})
	require.NoError(t, err)

	rec := mem.records["a@example.com"]
	assert.Equal(t, t0, rec.FirstSeen)
	assert.Equal(t, t0.Add(time.Hour), rec.LastSeen)
	assert.Zero(t, rec.ValidationCount, "sighting is not a validation")
}

func TestUpsertMany_CountsEveryOccurrence(t *testing.T) {
	ctx := context.Background()
	s := dedup.New(newMem())

	rec := types.EmailRecord{Address: "User@Example.com", SyntaxValid: true, DomainValid: true, SMTPOutcome: types.OutcomeValid}
	require.NoError(t, s.UpsertMany(ctx, []types.EmailRecord{rec, rec}))
	require.NoError(t, s.Upsert(ctx, rec))

	got, err := s.Get(ctx, "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, 3, got.ValidationCount)
	assert.Equal(t, types.OutcomeValid, got.SMTPOutcome)
	assert.Equal(t, "user@example.com", got.Address)
	assert.False(t, got.LastValidated.IsZero())
}

func TestRecordVerdicts(t *testing.T) {
	ctx := context.Background()
	s := dedup.New(newMem())

	require.NoError(t, s.Upsert(ctx, types.EmailRecord{Address: "a@example.com", SyntaxValid: true, Type: types.TypePersonal}))
	err := s.RecordVerdicts(ctx,
		[]string{"a@example.com"},
		[]types.Verdict{{Outcome: types.OutcomeInvalid, Confidence: types.ConfidenceHigh, Verified: true, Code: 550}})
	require.NoError(t, err)

	got, err := s.Get(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeInvalid, got.SMTPOutcome)
	assert.Equal(t, 550, got.SMTPCode)
	assert.Equal(t, types.TypePersonal, got.Type, "untouched by the verdict")
	assert.Equal(t, 2, got.ValidationCount)

	err = s.RecordVerdicts(ctx, []string{"a@example.com"}, nil)
	assert.ErrorIs(t, err, dedup.ErrLengthMismatch)
}

func TestForgetAndRevive(t *testing.T) {
	ctx := context.Background()
	s := dedup.New(newMem())

	_, err := s.Partition(ctx, []string{"a@example.com", "b@example.com"})
	require.NoError(t, err)

	n, err := s.Forget(ctx, []string{"A@example.com", "ghost@example.com"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Get(ctx, "a@example.com")
	assert.ErrorIs(t, err, dedup.ErrNotFound)

	p, err := s.Partition(ctx, []string{"a@example.com", "b@example.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a@example.com"}, p.New)
	assert.Equal(t, []string{"b@example.com"}, p.Duplicate)

	n, err = s.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSaveFailure(t *testing.T) {
	ctx := context.Background()
	mem := newMem()
	mem.saveErr = errors.New("disk I/O error")
	s := dedup.New(mem)

	_, err := s.Partition(ctx, []string{"a@example.com"})
	assert.ErrorIs(t, err, mem.saveErr)
	err = s.Upsert(ctx, types.EmailRecord{Address: "a@example.com"})
	assert.ErrorIs(t, err, mem.saveErr)
}

func TestRetriedUpdateCountsOnce(t *testing.T) {
	ctx := context.Background()
	mem := newMem()
	mem.reruns = 2
	s := dedup.New(mem)

	p, err := s.Partition(ctx, []string{"a@example.com", "a@example.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a@example.com"}, p.New)
	assert.Equal(t, []string{"a@example.com"}, p.Duplicate)

	require.NoError(t, s.Upsert(ctx, types.EmailRecord{Address: "a@example.com"}))
	assert.Equal(t, 1, mem.records["a@example.com"].ValidationCount)
	assert.Len(t, mem.sessions, 1)
}
