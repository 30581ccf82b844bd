package ledger

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/castellan-io/castellan/pkg/canonicalize"
)

var (
	// ErrEmptyExport is returned when no records match an export filter.
	ErrEmptyExport = errors.New("ledger: no records match export filter")
	// ErrInvalidTimeRange is returned when an export window is inverted.
	ErrInvalidTimeRange = errors.New("ledger: start time must be before end time")
)

// ExportRequest bounds an evidence export.
type ExportRequest struct {
	ActorID   string    `json:"actor_id,omitempty"`
	StartTime time.Time `json:"start_time,omitempty"`
	EndTime   time.Time `json:"end_time,omitempty"`
}

// ExportPack produces a zip bundle of matching records plus a manifest, and
// returns the bundle with its checksum. The chain fields in exported records
// are preserved verbatim so the bundle can be re-verified offline.
func (l *Ledger) ExportPack(ctx context.Context, req ExportRequest) ([]byte, string, error) {
	if !req.StartTime.IsZero() && !req.EndTime.IsZero() && req.StartTime.After(req.EndTime) {
		return nil, "", ErrInvalidTimeRange
	}

	filter := Filter{ActorID: req.ActorID}
	if !req.StartTime.IsZero() {
		filter.Since = &req.StartTime
	}
	if !req.EndTime.IsZero() {
		filter.Until = &req.EndTime
	}
	records, err := l.Query(ctx, filter)
	if err != nil {
		return nil, "", fmt.Errorf("ledger: export query: %w", err)
	}
	if len(records) == 0 {
		return nil, "", ErrEmptyExport
	}

	recordsJSON, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("ledger: export marshal: %w", err)
	}

	manifest := map[string]any{
		"pack_id":      uuid.New().String(),
		"generated_at": l.clock().UTC(),
		"record_count": len(records),
		"chain_head":   records[0].IntegrityDigest,
		"period": map[string]any{
			"start": req.StartTime,
			"end":   req.EndTime,
		},
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("ledger: export manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	for name, content := range map[string][]byte{
		"records.json":  recordsJSON,
		"manifest.json": manifestJSON,
	} {
		f, err := w.Create(name)
		if err != nil {
			return nil, "", fmt.Errorf("ledger: export zip: %w", err)
		}
		_, _ = f.Write(content)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("ledger: export zip: %w", err)
	}

	pack := buf.Bytes()
	return pack, canonicalize.HashBytes(pack), nil
}
