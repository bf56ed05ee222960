package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fovpipe/internal/config"
	"fovpipe/internal/stats"
)

// QCDir is the results subdirectory holding statistics and QC outputs.
const QCDir = "qc"

// StatsKey is the artifact key for one FOV. FOVs without a plate are stored
// directly under QCDir.
func StatsKey(plateID string, fovID int64) string {
	if plateID == "" {
		return fmt.Sprintf("%s/stats_%d.json", QCDir, fovID)
	}
	return fmt.Sprintf("%s/plate_%s/stats_%d.json", QCDir, plateID, fovID)
}

// StatsRecord is the persisted form of one FOV's features.
type StatsRecord struct {
	FOVId      int64          `json:"FOVId"`
	ComputedAt time.Time      `json:"computed_at"`
	Features   stats.Features `json:"features"`
}

// PutStats serialises rec under key.
func PutStats(ctx context.Context, s Store, key string, rec StatsRecord) (Info, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return Info{}, err
	}
	return s.Put(ctx, key, bytes.NewReader(b), PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"fov_id": fmt.Sprint(rec.FOVId)},
	})
}

// GetStats loads the record stored under key.
func GetStats(ctx context.Context, s Store, key string) (StatsRecord, error) {
	_, rc, err := s.Get(ctx, key)
	if err != nil {
		return StatsRecord{}, err
	}
	defer rc.Close()
	var rec StatsRecord
	if err := json.NewDecoder(rc).Decode(&rec); err != nil {
		return StatsRecord{}, fmt.Errorf("decode %s: %w", key, err)
	}
	return rec, nil
}

// Open selects a store from configuration. The filesystem driver defaults to
// the results directory so keys land next to the other outputs.
func Open(ctx context.Context, cfg config.Blob, resultsDir string) (Store, error) {
	switch Driver(cfg.Driver) {
	case "", DriverFilesystem:
		root := cfg.FSRoot
		if root == "" {
			root = resultsDir
		}
		return NewFilesystem(root)
	case DriverS3:
		return NewS3(ctx, S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
			Prefix:    cfg.S3Prefix,
		})
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown artifact driver %s", cfg.Driver)
	}
}
