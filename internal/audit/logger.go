//
//
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mdobak/go-xerrors"
)

// Outcomes recorded in audit entries.
const (
	OutcomeSuccess = "SUCCESS"
	OutcomeFailure = "FAILURE"
)

// FileName is the audit log file created inside the log directory.
const FileName = "audit.jsonl"

// ErrClosed is reported when writing to a closed logger.
var ErrClosed = errors.New("audit log closed")

// Entry is one audit record, serialized as a single JSON line.
type Entry struct {
	Timestamp time.Time              `json:"ts"`
	User      string                 `json:"user"`
	RadioID   string                 `json:"radioId"`
	Action    string                 `json:"action"`
	Params    map[string]interface{} `json:"params"`
	Outcome   string                 `json:"outcome"`
	Code      string                 `json:"code"`
	LatencyMs int64                  `json:"latencyMs"`
}

type contextKey int

const (
	userKey contextKey = iota
	paramsKey
)

// WithUser returns ctx carrying the acting user.
func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// UserFromContext returns the acting user, or "unknown".
func UserFromContext(ctx context.Context) string {
	if user, ok := ctx.Value(userKey).(string); ok && user != "" {
		return user
	}
	return "unknown"
}

// WithParams returns ctx carrying the command parameters to audit.
func WithParams(ctx context.Context, params map[string]interface{}) context.Context {
	return context.WithValue(ctx, paramsKey, params)
}

func paramsFromContext(ctx context.Context) map[string]interface{} {
	if params, ok := ctx.Value(paramsKey).(map[string]interface{}); ok && params != nil {
		return params
	}
	return map[string]interface{}{}
}

// Logger appends audit entries to audit.jsonl. The file is opened O_APPEND
// and synced after every entry; existing lines are never rewritten.
type Logger struct {
	mu       sync.Mutex
	filePath string
	file     *os.File
	logger   *slog.Logger
	now      func() time.Time
}

// NewLogger creates logDir if needed and opens the audit log in it.
func NewLogger(logDir string) (*Logger, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	filePath := filepath.Join(logDir, FileName)
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	return &Logger{
		filePath: filePath,
		file:     file,
		logger:   slog.Default(),
		now:      time.Now,
	}, nil
}

// SetLogger sets where audit write failures are reported.
func (l *Logger) SetLogger(logger *slog.Logger) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger = logger
}

// LogAction records one command. result is SUCCESS or the normalized error
// code and is always written as the entry code; anything other than SUCCESS
// is a FAILURE.
// User and params come from ctx. Write failures are reported to the
// operational log and never reach the caller.
func (l *Logger) LogAction(ctx context.Context, action, radioID, result string, latency time.Duration) {
	entry := Entry{
		Timestamp: l.now().UTC(),
		User:      UserFromContext(ctx),
		RadioID:   radioID,
		Action:    action,
		Params:    paramsFromContext(ctx),
		Outcome:   OutcomeSuccess,
		Code:      result,
		LatencyMs: latency.Milliseconds(),
	}
	if result != OutcomeSuccess {
		entry.Outcome = OutcomeFailure
	}

	if err := l.write(entry); err != nil {
		l.mu.Lock()
		logger := l.logger
		l.mu.Unlock()
		logger.ErrorContext(ctx, "audit write failed",
			slog.String("action", action),
			slog.String("radioId", radioID),
			slog.Any("error", xerrors.New(err)))
	}
}

func (l *Logger) write(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return ErrClosed
	}
	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	return nil
}

// Close closes the audit log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// GetFilePath returns the path to the audit log file.
func (l *Logger) GetFilePath() string {
	return l.filePath
}

// ReadEntries parses every line of the audit log at path.
func ReadEntries(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
