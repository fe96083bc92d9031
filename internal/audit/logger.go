package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Audited actions.
const (
	ActionStart            = "monitor.start"
	ActionStop             = "monitor.stop"
	ActionEmergency        = "monitor.emergency"
	ActionThresholds       = "thresholds.set"
	ActionAlert            = "alert.raised"
	ActionSubscriberAuth   = "subscriber.auth"
	ActionInboundRejected  = "subscriber.inbound_rejected"
	ActionSubscriberAction = "subscriber.command"
	ActionHTTPRejected     = "http.rejected"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// FileName is the active audit file inside the configured directory.
const FileName = "audit.jsonl"

// Entry represents a single audit log entry.
type Entry struct {
	Timestamp     time.Time              `json:"ts"`
	Actor         string                 `json:"actor"`
	PlantID       string                 `json:"plantId"`
	Action        string                 `json:"action"`
	Target        string                 `json:"target,omitempty"`
	Params        map[string]interface{} `json:"params,omitempty"`
	Outcome       string                 `json:"outcome"`
	Code          string                 `json:"code"`
	CorrelationID string                 `json:"correlationId"`
}

// Options configures a Logger.
type Options struct {
	Dir        string
	PlantID    string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Logger receives write failures; the audit path never returns them to callers.
	Logger *slog.Logger
}

// Logger writes audit entries as JSON lines.
type Logger struct {
	mu      sync.Mutex
	out     *lumberjack.Logger
	path    string
	plantID string
	log     *slog.Logger
}

// NewLogger creates the audit directory and a rotating writer inside it.
func NewLogger(opts Options) (*Logger, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("audit directory is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	path := filepath.Join(opts.Dir, FileName)
	return &Logger{
		out: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
		},
		path:    path,
		plantID: opts.PlantID,
		log:     log,
	}, nil
}

type contextKey int

const (
	actorKey contextKey = iota
	correlationKey
)

// WithActor attaches the acting principal to ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// WithCorrelationID attaches a correlation id to ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey, id)
}

// LogAction records action against target. A nil err is a success.
func (l *Logger) LogAction(ctx context.Context, action, target string, params map[string]interface{}, err error) {
	entry := Entry{
		Action:  action,
		Target:  target,
		Params:  params,
		Outcome: OutcomeSuccess,
		Code:    "SUCCESS",
	}
	if err != nil {
		entry.Outcome = OutcomeFailure
		entry.Code = CodeFromError(err)
		entry.Params = maps.Clone(params)
		if entry.Params == nil {
			entry.Params = map[string]interface{}{}
		}
		entry.Params["error"] = err.Error()
	}
	l.Record(ctx, entry)
}

// Record fills defaults for ts, actor, plant id and correlation id, then writes e.
func (l *Logger) Record(ctx context.Context, e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Actor == "" {
		e.Actor = "system"
		if actor, ok := ctx.Value(actorKey).(string); ok && actor != "" {
			e.Actor = actor
		}
	}
	if e.PlantID == "" {
		e.PlantID = l.plantID
	}
	if e.CorrelationID == "" {
		if id, ok := ctx.Value(correlationKey).(string); ok && id != "" {
			e.CorrelationID = id
		} else {
			e.CorrelationID = uuid.NewString()
		}
	}
	l.writeEntry(e)
}

func (l *Logger) writeEntry(e Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		l.log.Error("failed to marshal audit entry", "action", e.Action, "error", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.out == nil {
		return
	}
	if _, err := l.out.Write(append(data, '\n')); err != nil {
		l.log.Error("failed to write audit entry", "action", e.Action, "error", err)
	}
}

// CodeFromError returns the first upper-case sentinel message found in err's
// chain, or "ERROR" when there is none.
func CodeFromError(err error) string {
	if err == nil {
		return "SUCCESS"
	}
	if code, ok := findCode(err); ok {
		return code
	}
	return "ERROR"
}

func findCode(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	if isCode(err.Error()) {
		return err.Error(), true
	}
	switch u := err.(type) {
	case interface{ Unwrap() []error }:
		for _, e := range u.Unwrap() {
			if code, ok := findCode(e); ok {
				return code, true
			}
		}
		return "", false
	default:
		return findCode(errors.Unwrap(err))
	}
}

func isCode(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < 'A' || r > 'Z') && r != '_' {
			return false
		}
	}
	return true
}

// Close closes the audit logger and its file. Later entries are dropped.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.out == nil {
		return nil
	}
	err := l.out.Close()
	l.out = nil
	return err
}

// GetFilePath returns the path to the active audit log file.
func (l *Logger) GetFilePath() string {
	return l.path
}

// Rotate moves the active file to a timestamped backup and starts a new one.
func (l *Logger) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.out == nil {
		return fmt.Errorf("audit logger is closed")
	}
	return l.out.Rotate()
}
