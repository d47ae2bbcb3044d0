package policy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/tripmate/internal/observability"
	"github.com/harun/tripmate/internal/tracing"
)

// SyncResult summarizes an IngestDir run.
type SyncResult struct {
	Files   int           `json:"files"`
	Chunks  int           `json:"chunks"`
	Removed int           `json:"removed"`
	Failed  []string      `json:"failed,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// IngestDir ingests every supported file under dir, using the path relative
// to dir as source id, and removes sources whose files are gone. A file that
// fails to load or ingest is reported in Failed and does not stop the run.
func IngestDir(ctx context.Context, idx Index, loader *Loader, dir string, logger zerolog.Logger) (*SyncResult, error) {
	ctx, span := tracing.StartSpan(ctx, "tripmate.policy", "policy.sync")
	defer span.End()
	logger = tracing.LoggerFromContext(ctx, logger)

	start := time.Now()
	result := &SyncResult{}
	seen := make(map[string]bool)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !loader.Supported(path) {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		sourceID := filepath.ToSlash(rel)
		seen[sourceID] = true

		text, err := loader.Load(path)
		if err != nil {
			logger.Warn().Err(err).Str("file", sourceID).Msg("Failed to load policy document")
			result.Failed = append(result.Failed, sourceID)
			return nil
		}

		n, err := idx.Ingest(ctx, sourceID, text)
		if err != nil {
			logger.Warn().Err(err).Str("file", sourceID).Msg("Failed to ingest policy document")
			span.RecordError(err)
			result.Failed = append(result.Failed, sourceID)
			return nil
		}
		result.Files++
		result.Chunks += n
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		span.RecordError(err)
		return nil, fmt.Errorf("walk policy dir: %w", err)
	}

	sources, err := idx.Sources(ctx)
	if err != nil {
		return nil, err
	}
	for _, src := range sources {
		if seen[src.ID] {
			continue
		}
		if err := idx.Remove(ctx, src.ID); err != nil {
			logger.Warn().Err(err).Str("source_id", src.ID).Msg("Failed to remove stale policy source")
			continue
		}
		result.Removed++
	}

	result.Elapsed = time.Since(start)
	status := "success"
	if len(result.Failed) > 0 {
		status = "partial"
	}
	observability.RecordPolicyAudit(ctx, "policy_sync", status, map[string]interface{}{
		"dir":     dir,
		"files":   result.Files,
		"chunks":  result.Chunks,
		"removed": result.Removed,
		"failed":  len(result.Failed),
	})
	logger.Info().
		Int("files", result.Files).
		Int("chunks", result.Chunks).
		Int("removed", result.Removed).
		Int("failed", len(result.Failed)).
		Dur("duration", result.Elapsed).
		Msg("Policy directory synced")

	return result, nil
}
