// Package backup writes scheduled JSONL exports of the memory store and the
// policy index.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/harun/tripmate/internal/observability"
	"github.com/harun/tripmate/internal/tracing"
)

const (
	timestampFormat = "20060102T150405Z"
	defaultKeep     = 7

	memoriesPrefix = "memories-"
	policyPrefix   = "policy-"
)

// Exporter streams every stored item as JSON lines.
type Exporter interface {
	ExportAll(ctx context.Context, w io.Writer) (int, error)
}

// Config configures a Service.
type Config struct {
	Dir      string
	Schedule string
	Memory   Exporter
	// Policy is optional.
	Policy Exporter
	// Keep is how many snapshots of each kind are retained.
	Keep   int
	Logger zerolog.Logger
	Now    func() time.Time
}

// Result describes one backup run.
type Result struct {
	Time     time.Time `json:"time"`
	Files    []string  `json:"files"`
	Memories int       `json:"memories"`
	Chunks   int       `json:"chunks"`
}

// Service runs backups on a cron schedule.
type Service struct {
	cfg     Config
	cron    *cron.Cron
	mu      sync.Mutex
	running sync.Mutex
	started bool
	stopped bool
	last    *Result
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a Service. The schedule accepts standard five-field cron
// expressions and descriptors such as @daily.
func New(cfg Config) (*Service, error) {
	if cfg.Dir == "" {
		return nil, errors.New("backup directory is required")
	}
	if cfg.Memory == nil {
		return nil, errors.New("memory exporter is required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@daily"
	}
	if cfg.Keep <= 0 {
		cfg.Keep = defaultKeep
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{cfg: cfg, cron: c, ctx: ctx, cancel: cancel}

	if _, err := c.AddFunc(cfg.Schedule, s.scheduled); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid backup schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

// Start begins running the schedule.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.cron.Start()

	s.cfg.Logger.Info().
		Str("schedule", s.cfg.Schedule).
		Str("dir", s.cfg.Dir).
		Msg("Backup scheduler started")
}

// Stop halts the schedule and waits for a running backup to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	<-s.cron.Stop().Done()
	s.cfg.Logger.Info().Msg("Backup scheduler stopped")
}

// Last returns the most recent successful run, or nil.
func (s *Service) Last() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Service) scheduled() {
	if _, err := s.RunOnce(s.ctx); err != nil {
		s.cfg.Logger.Error().Err(err).Msg("Scheduled backup failed")
	}
}

// RunOnce writes one snapshot of each exporter and prunes old snapshots.
func (s *Service) RunOnce(ctx context.Context) (*Result, error) {
	s.running.Lock()
	defer s.running.Unlock()

	ctx, span := tracing.StartSpan(ctx, "tripmate.backup", "backup.run")
	defer span.End()

	if err := os.MkdirAll(s.cfg.Dir, 0700); err != nil {
		tracing.Fail(span, err, "backup directory unavailable")
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	now := s.cfg.Now().UTC()
	stamp := now.Format(timestampFormat)
	result := &Result{Time: now}

	path := filepath.Join(s.cfg.Dir, memoriesPrefix+stamp+".jsonl")
	n, err := writeSnapshot(ctx, path, s.cfg.Memory)
	if err != nil {
		tracing.Fail(span, err, "memory export failed")
		return nil, fmt.Errorf("memory backup failed: %w", err)
	}
	result.Memories = n
	result.Files = append(result.Files, path)

	if s.cfg.Policy != nil {
		path := filepath.Join(s.cfg.Dir, policyPrefix+stamp+".jsonl")
		n, err := writeSnapshot(ctx, path, s.cfg.Policy)
		if err != nil {
			tracing.Fail(span, err, "policy export failed")
			return nil, fmt.Errorf("policy backup failed: %w", err)
		}
		result.Chunks = n
		result.Files = append(result.Files, path)
	}

	for _, prefix := range []string{memoriesPrefix, policyPrefix} {
		if err := s.prune(prefix); err != nil {
			s.cfg.Logger.Warn().Err(err).Str("prefix", prefix).Msg("Failed to prune old backups")
		}
	}

	s.mu.Lock()
	s.last = result
	s.mu.Unlock()

	observability.RecordBackupAudit(ctx, "success", map[string]interface{}{
		"memories": result.Memories,
		"chunks":   result.Chunks,
	})
	s.cfg.Logger.Info().
		Int("memories", result.Memories).
		Int("chunks", result.Chunks).
		Strs("files", result.Files).
		Msg("Backup completed")

	return result, nil
}

// writeSnapshot exports into a temp file and renames it into place so a
// partial export never looks like a finished snapshot.
func writeSnapshot(ctx context.Context, path string, exp Exporter) (int, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".backup-*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	n, err := exp.ExportAll(ctx, tmp)
	if err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, err
	}
	return n, nil
}

// prune removes all but the newest Keep snapshots with prefix.
func (s *Service) prune(prefix string) error {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return err
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) && strings.HasSuffix(e.Name(), ".jsonl") {
			names = append(names, e.Name())
		}
	}
	if len(names) <= s.cfg.Keep {
		return nil
	}

	// Timestamps sort lexically.
	sort.Strings(names)
	for _, name := range names[:len(names)-s.cfg.Keep] {
		if err := os.Remove(filepath.Join(s.cfg.Dir, name)); err != nil {
			return err
		}
	}
	return nil
}

// Latest returns the newest memory snapshot in dir and when it was taken.
func Latest(dir string) (string, time.Time, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", time.Time{}, false
	}

	var newest string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, memoriesPrefix) || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		if name > newest {
			newest = name
		}
	}
	if newest == "" {
		return "", time.Time{}, false
	}

	stamp := strings.TrimSuffix(strings.TrimPrefix(newest, memoriesPrefix), ".jsonl")
	at, err := time.Parse(timestampFormat, stamp)
	if err != nil {
		return "", time.Time{}, false
	}
	return newest, at, true
}
