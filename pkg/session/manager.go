package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/tripmate/internal/observability"
	"github.com/harun/tripmate/internal/tracing"
)

// Roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single conversation turn
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Metadata  *Metadata `json:"metadata,omitempty"`
}

// Metadata carries the structured state of an assistant turn so the next
// turn does not have to re-derive it from text.
type Metadata struct {
	Intent           string            `json:"intent,omitempty"`
	Outcome          string            `json:"outcome,omitempty"`
	Slots            map[string]string `json:"slots,omitempty"`
	PendingSelection string            `json:"pending_selection,omitempty"`
}

// Entry is one stored line.
type Entry struct {
	SessionKey string  `json:"sessionKey"`
	Message    Message `json:"message"`
}

// UserKey returns the session key of a user.
func UserKey(userID string) string {
	return "user:" + userID
}

// Config configures a Manager.
type Config struct {
	Dir string
	// MaxHistory caps stored messages per key; 0 keeps everything.
	MaxHistory int
	Logger     zerolog.Logger
}

// Manager manages conversation persistence using JSONL format
type Manager struct {
	dir        string
	maxHistory int
	logger     zerolog.Logger

	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
}

// New creates a new Manager
func New(cfg Config) (*Manager, error) {
	observability.EnsureRegistered()

	if cfg.Dir == "" {
		return nil, fmt.Errorf("sessions directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	m := &Manager{
		dir:        cfg.Dir,
		maxHistory: cfg.MaxHistory,
		logger:     cfg.Logger,
		writeLocks: make(map[string]*sync.Mutex),
	}

	m.logger.Info().Str("dir", cfg.Dir).Int("max_history", cfg.MaxHistory).Msg("Session manager initialized")
	return m, nil
}

// validateKey validates the session key for security
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("session key cannot be empty")
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("session key cannot contain '..'")
	}
	if strings.ContainsAny(key, "/\\") {
		return fmt.Errorf("session key cannot contain path separators")
	}
	if strings.Contains(key, "\x00") {
		return fmt.Errorf("session key cannot contain null bytes")
	}
	return nil
}

func (m *Manager) path(key string) string {
	return filepath.Join(m.dir, key+".jsonl")
}

func (m *Manager) lockFor(key string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	if lock, ok := m.writeLocks[key]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	m.writeLocks[key] = lock
	return lock
}

// Append writes messages to a session in order, then trims the session to
// MaxHistory messages.
func (m *Manager) Append(ctx context.Context, key string, messages ...Message) error {
	ctx, span := tracing.StartSpan(ctx, "tripmate.session", "session.append",
		attribute.String("session_key", key),
		attribute.Int("messages", len(messages)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)
	start := time.Now()
	defer func() {
		observability.RecordSessionSave(time.Since(start))
	}()

	if err := validateKey(key); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	var buf []byte
	for _, msg := range messages {
		if msg.Role == "" {
			return fmt.Errorf("message role cannot be empty")
		}
		if msg.Content == "" {
			return fmt.Errorf("message content cannot be empty")
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now().UTC()
		}
		data, err := json.Marshal(Entry{SessionKey: key, Message: msg})
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		buf = append(buf, data...)
		buf = append(buf, '\n')
	}
	if len(buf) == 0 {
		return nil
	}

	lock := m.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	file, err := os.OpenFile(m.path(key), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to open session file: %w", err)
	}

	// One write keeps a turn's messages adjacent.
	if _, err := file.Write(buf); err != nil {
		file.Close()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("failed to sync file: %w", err)
	}
	file.Close()

	if m.maxHistory > 0 {
		entries, err := m.readEntries(key, logger)
		if err != nil {
			return err
		}
		if len(entries) > m.maxHistory {
			if err := m.rewrite(key, entries[len(entries)-m.maxHistory:]); err != nil {
				span.RecordError(err)
				return err
			}
			logger.Debug().Str("session_key", key).Int("dropped", len(entries)-m.maxHistory).Msg("Session trimmed")
		}
	}

	logger.Debug().Str("session_key", key).Int("messages", len(messages)).Msg("Messages appended")
	return nil
}

// Load returns every valid entry of a session, oldest first. A missing
// session is empty, not an error.
func (m *Manager) Load(ctx context.Context, key string) ([]Entry, error) {
	ctx, span := tracing.StartSpan(ctx, "tripmate.session", "session.load",
		attribute.String("session_key", key),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)
	start := time.Now()
	defer func() {
		observability.RecordSessionLoad(time.Since(start))
	}()

	if err := validateKey(key); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	entries, err := m.readEntries(key, logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return entries, nil
}

// Recent returns the last n messages of a session, oldest first.
func (m *Manager) Recent(ctx context.Context, key string, n int) ([]Message, error) {
	entries, err := m.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return []Message{}, nil
	}
	if len(entries) > n {
		entries = entries[len(entries)-n:]
	}

	messages := make([]Message, len(entries))
	for i, e := range entries {
		messages[i] = e.Message
	}
	return messages, nil
}

func (m *Manager) readEntries(key string, logger zerolog.Logger) ([]Entry, error) {
	file, err := os.Open(m.path(key))
	if os.IsNotExist(err) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	entries := []Entry{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			logger.Warn().
				Str("session_key", key).
				Int("line", lineNum).
				Err(err).
				Msg("Failed to parse line, skipping")
			continue
		}
		if entry.Message.Role == "" || entry.Message.Content == "" {
			logger.Warn().
				Str("session_key", key).
				Int("line", lineNum).
				Msg("Invalid entry, skipping")
			continue
		}
		entries = append(entries, entry)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}
	return entries, nil
}

// rewrite replaces a session file through a temp file and rename. The caller
// holds the key's write lock.
func (m *Manager) rewrite(key string, entries []Entry) error {
	sessionPath := m.path(key)
	tempPath := sessionPath + ".tmp"

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	w := bufio.NewWriter(file)
	for _, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			file.Close()
			os.Remove(tempPath)
			return fmt.Errorf("failed to marshal entry: %w", err)
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to write entries: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync file: %w", err)
	}
	file.Close()

	if err := os.Rename(tempPath, sessionPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}

// Repair rewrites a session without its corrupt lines.
func (m *Manager) Repair(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	lock := m.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	logger := tracing.LoggerFromContext(ctx, m.logger)
	entries, err := m.readEntries(key, logger)
	if err != nil {
		return err
	}
	if err := m.rewrite(key, entries); err != nil {
		return err
	}

	logger.Info().Str("session_key", key).Int("entries", len(entries)).Msg("Session repaired")
	return nil
}

// Delete removes a session.
func (m *Manager) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	lock := m.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(m.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete session file: %w", err)
	}
	logger := tracing.LoggerFromContext(ctx, m.logger)
	logger.Info().Str("session_key", key).Msg("Session deleted")
	return nil
}

// List lists all session keys.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	keys := []string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, ".jsonl"))
	}
	return keys, nil
}
