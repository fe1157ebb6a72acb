// Package metrics ships per-stage timings to ClickHouse.
//
// Sink implements stage.Observer. Stage events are queued on a buffered channel and a
// single goroutine appends them to a batch that is sent when the run finishes, when a
// buffer's worth of rows is pending, or when the sink is closed.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/lucasnoah/wayfinder/internal/stage"
)

const (
	DefaultTable      = "stage_metrics"
	DefaultBufferSize = 256
	sendTimeout       = 10 * time.Second
)

// ErrClosed is returned by AfterStage once the sink is closed.
var ErrClosed = errors.New("metrics sink closed")

// Config is the ClickHouse connection for the sink.
type Config struct {
	Addr        []string
	Database    string
	Username    string
	Password    string
	DialTimeout time.Duration
	BufferSize  int
}

// Batch is one pending INSERT. driver.Batch implements it.
type Batch interface {
	Append(v ...any) error
	Send() error
}

// Conn is the subset of a ClickHouse connection the sink uses.
type Conn interface {
	Exec(ctx context.Context, query string, args ...any) error
	PrepareBatch(ctx context.Context, query string) (Batch, error)
	Close() error
}

// Record is one row of the stage_metrics table.
type Record struct {
	SessionID   string
	RunID       string
	StageID     string
	StageNumber int
	Outcome     string
	DurationMs  int64
	Timestamp   time.Time
}

// Sink buffers stage events and writes them to ClickHouse in batches.
type Sink struct {
	conn    Conn
	table   string
	logger  stage.Logger
	records chan Record
	flushes chan chan error
	done    chan struct{}
	flushAt int

	mu     sync.RWMutex
	closed bool
}

// Open connects to ClickHouse, ensures the table exists and starts a sink.
func Open(ctx context.Context, cfg Config, logger stage.Logger) (*Sink, error) {
	if len(cfg.Addr) == 0 {
		return nil, errors.New("clickhouse: no address configured")
	}
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: cfg.DialTimeout,
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse: open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clickhouse: ping %v: %w", cfg.Addr, err)
	}

	c := &driverConn{conn: conn}
	table := cfg.Database + "." + DefaultTable
	if err := EnsureSchema(ctx, c, cfg.Database, table); err != nil {
		conn.Close()
		return nil, err
	}
	return NewSink(c, table, cfg.BufferSize, logger), nil
}

// EnsureSchema creates the database and the metrics table if they do not exist.
func EnsureSchema(ctx context.Context, conn Conn, database, table string) error {
	if database != "" {
		if err := conn.Exec(ctx, "CREATE DATABASE IF NOT EXISTS "+database); err != nil {
			return fmt.Errorf("clickhouse: create database %s: %w", database, err)
		}
	}
	err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+table+` (
			session_id   String,
			run_id       String,
			stage_id     String,
			stage_number UInt8,
			outcome      LowCardinality(String),
			duration_ms  UInt64,
			timestamp    DateTime64(3)
		) ENGINE = MergeTree()
		ORDER BY (session_id, run_id, stage_number, timestamp)`)
	if err != nil {
		return fmt.Errorf("clickhouse: create table %s: %w", table, err)
	}
	return nil
}

// NewSink starts a sink writing to table through conn.
func NewSink(conn Conn, table string, bufferSize int, logger stage.Logger) *Sink {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Sink{
		conn:    conn,
		table:   table,
		logger:  logger,
		records: make(chan Record, bufferSize),
		flushes: make(chan chan error),
		done:    make(chan struct{}),
		flushAt: bufferSize,
	}
	go s.loop()
	return s
}

func (s *Sink) loop() {
	defer close(s.done)
	var pending []Record
	for {
		select {
		case r, ok := <-s.records:
			if !ok {
				if err := s.send(pending); err != nil {
					s.logger.Error("metrics flush on close failed", "rows", len(pending), "error", err)
				}
				return
			}
			pending = append(pending, r)
			if len(pending) >= s.flushAt {
				if err := s.send(pending); err != nil {
					s.logger.Warn("metrics flush failed", "rows", len(pending), "error", err)
				}
				pending = nil
			}
		case reply := <-s.flushes:
			pending = s.drain(pending)
			reply <- s.send(pending)
			pending = nil
		}
	}
}

// drain picks up records queued before a flush request.
func (s *Sink) drain(pending []Record) []Record {
	for {
		select {
		case r, ok := <-s.records:
			if !ok {
				return pending
			}
			pending = append(pending, r)
		default:
			return pending
		}
	}
}

func (s *Sink) send(rows []Record) error {
	if len(rows) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.table+
		" (session_id, run_id, stage_id, stage_number, outcome, duration_ms, timestamp)")
	if err != nil {
		return fmt.Errorf("clickhouse: prepare batch: %w", err)
	}
	for _, r := range rows {
		if err := batch.Append(
			r.SessionID,
			r.RunID,
			r.StageID,
			uint8(r.StageNumber),
			r.Outcome,
			uint64(r.DurationMs),
			r.Timestamp,
		); err != nil {
			return fmt.Errorf("clickhouse: append %s/%s: %w", r.RunID, r.StageID, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("clickhouse: send %d rows: %w", len(rows), err)
	}
	s.logger.Debug("metrics sent", "rows", len(rows), "table", s.table)
	return nil
}

// Flush sends everything queued so far.
func (s *Sink) Flush(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	reply := make(chan error, 1)
	select {
	case s.flushes <- reply:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes pending rows and closes the connection.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.records)
	s.mu.Unlock()

	<-s.done
	return s.conn.Close()
}

func (s *Sink) BeforeRun(context.Context, *stage.Context, []string) error { return nil }

func (s *Sink) AfterStage(ctx context.Context, sc *stage.Context, ev stage.StageEvent) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	r := Record{
		SessionID:   sc.SessionID,
		RunID:       sc.RunID,
		StageID:     ev.StageID,
		StageNumber: ev.StageNumber,
		Outcome:     ev.Outcome,
		DurationMs:  ev.DurationMs,
		Timestamp:   time.Now().UTC(),
	}
	select {
	case s.records <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AfterRun sends the run's rows.
func (s *Sink) AfterRun(ctx context.Context, _ *stage.Context, _ *stage.PipelineResult) error {
	return s.Flush(ctx)
}

var _ stage.Observer = (*Sink)(nil)

// driverConn adapts a clickhouse driver.Conn to Conn.
type driverConn struct {
	conn driver.Conn
}

func (c *driverConn) Exec(ctx context.Context, query string, args ...any) error {
	return c.conn.Exec(ctx, query, args...)
}

func (c *driverConn) PrepareBatch(ctx context.Context, query string) (Batch, error) {
	return c.conn.PrepareBatch(ctx, query)
}

func (c *driverConn) Close() error {
	return c.conn.Close()
}
