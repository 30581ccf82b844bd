package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/castellan-io/castellan/pkg/contracts"
)

// ArchiveStore receives records retired from the online ledger. The archive
// must keep every chain field verbatim so archived spans re-verify.
type ArchiveStore interface {
	Put(ctx context.Context, recs []*contracts.AuditRecord) error
	// Purge permanently deletes archived records older than cutoff and
	// returns how many were removed.
	Purge(ctx context.Context, cutoff time.Time) (int, error)
}

// Archiver is the retention batch job: it moves online records past the
// retention age into the archive, and purges archive entries past the
// (longer) deletion age.
type Archiver struct {
	ledger      *Ledger
	archive     ArchiveStore
	retention   time.Duration
	deleteAfter time.Duration
	logger      *slog.Logger
}

// NewArchiver wires a retention job. deleteAfter must exceed retention.
func NewArchiver(l *Ledger, archive ArchiveStore, retention, deleteAfter time.Duration) (*Archiver, error) {
	if deleteAfter <= retention {
		return nil, fmt.Errorf("archiver: delete-after (%s) must exceed retention (%s): %w",
			deleteAfter, retention, contracts.ErrConfigurationGap)
	}
	return &Archiver{
		ledger:      l,
		archive:     archive,
		retention:   retention,
		deleteAfter: deleteAfter,
		logger:      slog.Default().With("component", "archiver"),
	}, nil
}

// Run performs one archival pass. Records are written to the archive before
// removal from the online store, so a failure leaves nothing lost.
func (a *Archiver) Run(ctx context.Context) error {
	now := a.ledger.clock().UTC()

	// Peek first: only remove from the online store once the archive write
	// has succeeded.
	cutoff := now.Add(-a.retention)
	until := cutoff.Add(-time.Nanosecond)
	expired, err := a.ledger.Query(ctx, Filter{Until: &until})
	if err != nil {
		return fmt.Errorf("archiver: scan: %w", err)
	}
	if len(expired) > 0 {
		if err := a.archive.Put(ctx, expired); err != nil {
			return fmt.Errorf("archiver: archive write: %w", err)
		}
		if _, err := a.ledger.store.RemoveOlderThan(ctx, cutoff); err != nil {
			return fmt.Errorf("archiver: online removal: %w", err)
		}
		a.logger.Info("archived audit records", "count", len(expired), "cutoff", cutoff)
	}

	purged, err := a.archive.Purge(ctx, now.Add(-a.deleteAfter))
	if err != nil {
		return fmt.Errorf("archiver: purge: %w", err)
	}
	if purged > 0 {
		a.logger.Info("purged archived audit records", "count", purged)
	}
	return nil
}

// MemoryArchive is an in-memory ArchiveStore for tests and lite mode.
type MemoryArchive struct {
	records []*contracts.AuditRecord
}

// NewMemoryArchive creates an empty archive.
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{}
}

func (m *MemoryArchive) Put(ctx context.Context, recs []*contracts.AuditRecord) error {
	_ = ctx
	m.records = append(m.records, recs...)
	return nil
}

func (m *MemoryArchive) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	_ = ctx
	kept := m.records[:0]
	purged := 0
	for _, rec := range m.records {
		if rec.Timestamp.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, rec)
	}
	m.records = kept
	return purged, nil
}

// Records returns the archived records in archival order.
func (m *MemoryArchive) Records() []*contracts.AuditRecord {
	return m.records
}
