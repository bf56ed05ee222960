package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"fovpipe/internal/artifact"
	"fovpipe/internal/fov"
	"fovpipe/internal/table"
)

// Missing identifies a catalog row whose artifact was not found.
type Missing struct {
	FOVId int64  `json:"fov_id"`
	Key   string `json:"key"`
}

// Consolidate loads the artifact for every row, in catalog order, into one
// table. Absent artifacts are logged and skipped; unreadable ones fail.
func Consolidate(ctx context.Context, store artifact.Store, rows []fov.Row, log *slog.Logger) (table.Table, []Missing, error) {
	if log == nil {
		log = slog.Default()
	}
	out := table.Table{Records: make([]table.Record, 0, len(rows))}
	var missing []Missing
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return table.Table{}, nil, err
		}
		key := artifact.StatsKey(row.PlateID, row.FOVId)
		rec, err := artifact.GetStats(ctx, store, key)
		if errors.Is(err, artifact.ErrNotFound) {
			log.Warn("stats artifact missing", "fov_id", row.FOVId, "key", key)
			missing = append(missing, Missing{FOVId: row.FOVId, Key: key})
			continue
		}
		if err != nil {
			return table.Table{}, nil, fmt.Errorf("consolidate FOV %d: %w", row.FOVId, err)
		}
		out.Records = append(out.Records, table.FromRow(row, rec.Features))
	}
	return out, missing, nil
}
