package models

import (
	"context"

	"github.com/agrios/offline/internal/db"
	"github.com/agrios/offline/internal/logging"
	"github.com/agrios/offline/internal/schema"
	"github.com/agrios/offline/internal/telemetry"
)

// CheckIntegrity finds live logs whose farmer row is gone. Each orphan is
// logged and reported to sink; the logs themselves are left untouched.
func CheckIntegrity(ctx context.Context, r Reader, sink telemetry.Sink) ([]*OrphanReferenceError, error) {
	sink = telemetry.OrNop(sink)

	logs, err := ListLogs(ctx, r, db.OrderBy(schema.ColumnCreatedAt, false))
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		return nil, nil
	}

	var farmerIDs []interface{}
	seen := make(map[string]bool)
	for _, l := range logs {
		if !seen[l.FarmerID] {
			seen[l.FarmerID] = true
			farmerIDs = append(farmerIDs, l.FarmerID)
		}
	}
	farmers, err := r.Query(ctx, schema.TableFarmers, db.WithDeleted(), db.In(schema.ColumnID, farmerIDs...))
	if err != nil {
		return nil, err
	}
	exists := make(map[string]bool, len(farmers))
	for _, f := range farmers {
		exists[f.ID] = true
	}

	var orphans []*OrphanReferenceError
	for _, l := range logs {
		if exists[l.FarmerID] {
			continue
		}
		orphan := &OrphanReferenceError{LogID: l.ID, FarmerID: l.FarmerID, Err: db.ErrNotFound}
		orphans = append(orphans, orphan)

		ctxMap := map[string]interface{}{"log_id": l.ID, "farmer_id": l.FarmerID}
		logging.Warn("Orphaned log detected", ctxMap)
		sink.TrackError(orphan, ctxMap)
	}
	return orphans, nil
}
