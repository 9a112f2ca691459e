// Package audit records one access record per authenticated request without
// ever delaying or failing the request it describes.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cargolane.io/internal/auth"
	"cargolane.io/internal/obs"
)

const (
	DefaultQueueSize    = 1024
	DefaultWorkers      = 2
	DefaultWriteTimeout = 2 * time.Second
	defaultErrorBuffer  = 64
)

var (
	ErrQueueFull = errors.New("audit: queue full, record dropped")
	ErrClosed    = errors.New("audit: logger closed, record dropped")
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Logger queues access records on a bounded channel and writes them to a
// sink from background workers. Failures are reported on Errors, logged and
// counted; callers never see them.
type Logger struct {
	sink         auth.AuditSink
	queue        chan auth.AccessRecord
	errs         chan error
	workers      int
	writeTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

var _ auth.Auditor = (*Logger)(nil)

type Option func(*Logger)

func WithQueueSize(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.queue = make(chan auth.AccessRecord, n)
		}
	}
}

func WithWorkers(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.workers = n
		}
	}
}

// WithWriteTimeout bounds each sink write.
func WithWriteTimeout(d time.Duration) Option {
	return func(l *Logger) {
		if d > 0 {
			l.writeTimeout = d
		}
	}
}

// NewLogger starts the workers. Close must be called to drain the queue.
func NewLogger(sink auth.AuditSink, opts ...Option) *Logger {
	l := &Logger{
		sink:         sink,
		queue:        make(chan auth.AccessRecord, DefaultQueueSize),
		errs:         make(chan error, defaultErrorBuffer),
		workers:      DefaultWorkers,
		writeTimeout: DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	for i := 0; i < l.workers; i++ {
		l.wg.Add(1)
		go l.run()
	}
	return l
}

// Append enqueues rec without blocking.
func (l *Logger) Append(rec auth.AccessRecord) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		obs.RecordAuditDropped()
		l.report(ErrClosed)
		return
	}
	select {
	case l.queue <- rec:
	default:
		obs.RecordAuditDropped()
		l.report(ErrQueueFull)
	}
}

// Errors exposes dropped-record and sink failures. The channel is buffered;
// errors are discarded when nobody drains it.
func (l *Logger) Errors() <-chan error { return l.errs }

// Close stops accepting records and waits for queued ones to be written or
// for ctx to end.
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Logger) run() {
	defer l.wg.Done()
	for rec := range l.queue {
		l.write(rec)
	}
}

func (l *Logger) write(rec auth.AccessRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), l.writeTimeout)
	defer cancel()
	if err := l.sink.Append(ctx, rec); err != nil {
		obs.RecordAuditSinkError()
		l.report(fmt.Errorf("audit: write record %s: %w", rec.ID, err))
	}
}

func (l *Logger) report(err error) {
	obs.Log("warn", "audit record not persisted", map[string]any{"type": "audit", "error": err})
	select {
	case l.errs <- err:
	default:
	}
}

// LogSink writes records as JSON lines through the shared logger.
type LogSink struct{}

func (LogSink) Append(_ context.Context, rec auth.AccessRecord) error {
	entry := map[string]any{
		"ts":     rec.Timestamp.UTC().Format(time.RFC3339Nano),
		"type":   "audit",
		"event":  "access",
		"fields": rec,
	}
	if rec.RequestID != "" {
		entry["request_id"] = rec.RequestID
	}
	if rec.SubjectID != "" {
		entry["user_id"] = rec.SubjectID
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}

// MultiSink fans a record out to every sink and joins their errors.
type MultiSink []auth.AuditSink

func (m MultiSink) Append(ctx context.Context, rec auth.AccessRecord) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Append(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
