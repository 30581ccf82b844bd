package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellan-io/castellan/pkg/contracts"
)

// fakeClock advances only when told to, and pins the local hour to midday so
// the off-hours heuristic stays quiet unless a test wants it.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 10, 14, 0, 0, 0, time.Local)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLedger() (*Ledger, *MemoryStore, *fakeClock) {
	store := NewMemoryStore()
	clock := newFakeClock()
	l := New(store, NewAlertStore()).WithClock(clock.Now)
	return l, store, clock
}

func appendSimple(t *testing.T, l *Ledger, actor, reason string) *contracts.AuditRecord {
	t.Helper()
	rec, err := l.Append(context.Background(), actor, contracts.ActionWeightAdjustment,
		"department_weight", "dept-7", nil, nil, reason)
	require.NoError(t, err)
	return rec
}

func TestAppend_LinksChain(t *testing.T) {
	l, _, clock := newTestLedger()
	ctx := context.Background()

	a := appendSimple(t, l, "u-1", "login")
	clock.Advance(time.Minute)
	b := appendSimple(t, l, "u-1", "logout")

	assert.Equal(t, Genesis, a.PreviousDigest)
	assert.Equal(t, a.IntegrityDigest, b.PreviousDigest)
	assert.Equal(t, uint64(1), a.Sequence)
	assert.Equal(t, uint64(2), b.Sequence)

	broken, err := l.VerifyChain(ctx, []string{a.ID, b.ID})
	require.NoError(t, err)
	assert.Empty(t, broken)
}

func TestAppend_RequiresReasonAndActor(t *testing.T) {
	l, _, _ := newTestLedger()
	ctx := context.Background()

	_, err := l.Append(ctx, "u-1", contracts.ActionSystemOverride, "config", "c-1", nil, nil, "")
	assert.ErrorIs(t, err, contracts.ErrInvalidState)

	_, err = l.Append(ctx, "", contracts.ActionSystemOverride, "config", "c-1", nil, nil, "maintenance")
	assert.ErrorIs(t, err, contracts.ErrInvalidState)
}

func TestVerify_DetectsTamperedReason(t *testing.T) {
	l, store, clock := newTestLedger()
	ctx := context.Background()

	a := appendSimple(t, l, "u-1", "login")
	clock.Advance(time.Minute)
	b := appendSimple(t, l, "u-1", "logout")

	okA, err := l.Verify(ctx, a.ID)
	require.NoError(t, err)
	okB, err := l.Verify(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, okA)
	assert.True(t, okB)

	// Tamper with B's stored reason behind the ledger's back.
	store.byID[b.ID].Reason = "logoutX"

	okB, err = l.Verify(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, okB)

	okA, err = l.Verify(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, okA, "untampered record must still verify")

	// The failed verification raised a critical integrity alert.
	alerts := l.Alerts().List(ctx, AlertFilter{Type: contracts.AlertIntegrityViolation})
	require.Len(t, alerts, 1)
	assert.Equal(t, contracts.SeverityCritical, alerts[0].Severity)
	assert.Contains(t, alerts[0].RelatedRecordIDs, b.ID)
}

func TestVerifyChain_ReportsBrokenIndices(t *testing.T) {
	l, store, clock := newTestLedger()
	ctx := context.Background()

	ids := make([]string, 0, 4)
	for _, reason := range []string{"one", "two", "three", "four"} {
		ids = append(ids, appendSimple(t, l, "u-1", reason).ID)
		clock.Advance(time.Minute)
	}

	store.byID[ids[2]].Reason = "tampered"

	broken, err := l.VerifyChain(ctx, ids)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, broken)
}

func TestVerifyChain_BrokenLinkage(t *testing.T) {
	l, store, clock := newTestLedger()
	ctx := context.Background()

	a := appendSimple(t, l, "u-1", "one")
	clock.Advance(time.Minute)
	b := appendSimple(t, l, "u-1", "two")

	// Re-point B at a bogus predecessor; B's own digest stays valid.
	store.byID[b.ID].PreviousDigest = "sha256:0000"

	broken, err := l.VerifyChain(ctx, []string{a.ID, b.ID})
	require.NoError(t, err)
	assert.Equal(t, []int{1}, broken)
}

func TestQuery_MostRecentFirstWithFilters(t *testing.T) {
	l, _, clock := newTestLedger()
	ctx := context.Background()

	appendSimple(t, l, "u-1", "first")
	clock.Advance(time.Minute)
	appendSimple(t, l, "u-2", "second")
	clock.Advance(time.Minute)
	third := appendSimple(t, l, "u-1", "third")

	all, err := l.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, third.ID, all[0].ID)

	mine, err := l.Query(ctx, Filter{ActorID: "u-1"})
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, "third", mine[0].Reason)

	limited, err := l.Query(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestDigest_IndependentOfStorageSequence(t *testing.T) {
	l, _, _ := newTestLedger()
	rec := appendSimple(t, l, "u-1", "check")

	rec.Sequence = 999
	digest, err := computeDigest(rec)
	require.NoError(t, err)
	assert.Equal(t, rec.IntegrityDigest, digest)
}

func TestExportPack(t *testing.T) {
	l, _, clock := newTestLedger()
	ctx := context.Background()

	appendSimple(t, l, "u-1", "one")
	clock.Advance(time.Minute)
	appendSimple(t, l, "u-1", "two")

	pack, checksum, err := l.ExportPack(ctx, ExportRequest{})
	require.NoError(t, err)
	assert.NotEmpty(t, pack)
	assert.Len(t, checksum, len("sha256:")+64)

	_, _, err = l.ExportPack(ctx, ExportRequest{ActorID: "nobody"})
	assert.ErrorIs(t, err, ErrEmptyExport)

	_, _, err = l.ExportPack(ctx, ExportRequest{
		StartTime: clock.Now(),
		EndTime:   clock.Now().Add(-time.Hour),
	})
	assert.ErrorIs(t, err, ErrInvalidTimeRange)
}

func TestArchiver_MovesAndPurges(t *testing.T) {
	l, store, clock := newTestLedger()
	ctx := context.Background()

	old := appendSimple(t, l, "u-1", "ancient")
	clock.Advance(48 * time.Hour)
	fresh := appendSimple(t, l, "u-1", "recent")

	archive := NewMemoryArchive()
	arch, err := NewArchiver(l, archive, 24*time.Hour, 240*time.Hour)
	require.NoError(t, err)

	require.NoError(t, arch.Run(ctx))

	require.Len(t, archive.Records(), 1)
	archived := archive.Records()[0]
	assert.Equal(t, old.ID, archived.ID)
	// Chain fields survive archival verbatim.
	assert.Equal(t, old.IntegrityDigest, archived.IntegrityDigest)
	assert.Equal(t, old.PreviousDigest, archived.PreviousDigest)

	remaining, err := store.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, fresh.ID, remaining[0].ID)

	// Far enough in the future, the archive purges too.
	clock.Advance(300 * time.Hour)
	require.NoError(t, arch.Run(ctx))
	assert.Empty(t, archive.Records())
}

func TestArchiver_RejectsInvertedRetention(t *testing.T) {
	l, _, _ := newTestLedger()
	_, err := NewArchiver(l, NewMemoryArchive(), 48*time.Hour, 24*time.Hour)
	assert.ErrorIs(t, err, contracts.ErrConfigurationGap)
}
