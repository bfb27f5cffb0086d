package usage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	_ "modernc.org/sqlite"

	log "github.com/nghyane/llm-relay/internal/logging"
)

// Persister writes accounting records to SQLite with async batched inserts.
type Persister struct {
	db            *sql.DB
	recordChan    chan Record
	flushTicker   *time.Ticker
	wg            sync.WaitGroup
	stopOnce      sync.Once
	stopChan      chan struct{}
	flushReq      chan chan struct{}
	batchSize     int
	retentionDays int
	scheduler     *cron.Cron
	dbPath        string
}

// PersisterOptions configures NewPersister; zero values take defaults.
type PersisterOptions struct {
	BatchSize         int
	FlushInterval     time.Duration
	RetentionDays     int
	RetentionSchedule string
}

const (
	defaultBatchSize         = 100
	defaultFlushInterval     = 5 * time.Second
	defaultRetentionDays     = 30
	defaultRetentionSchedule = "@daily"
	defaultChannelBufferSize = 1000
)

// NewPersister opens (creating if needed) the database at dbPath.
func NewPersister(dbPath string, opts PersisterOptions) (*Persister, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if strings.HasPrefix(dbPath, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dbPath = filepath.Join(home, dbPath[1:])
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = defaultRetentionDays
	}
	if opts.RetentionSchedule == "" {
		opts.RetentionSchedule = defaultRetentionSchedule
	}

	p := &Persister{
		db:            db,
		recordChan:    make(chan Record, defaultChannelBufferSize),
		flushTicker:   time.NewTicker(opts.FlushInterval),
		stopChan:      make(chan struct{}),
		flushReq:      make(chan chan struct{}),
		batchSize:     opts.BatchSize,
		retentionDays: opts.RetentionDays,
		scheduler:     cron.New(),
		dbPath:        dbPath,
	}
	if _, err := p.scheduler.AddFunc(opts.RetentionSchedule, func() {
		if err := p.cleanup(); err != nil {
			log.Errorf("failed to clean up old usage records: %v", err)
		}
	}); err != nil {
		p.flushTicker.Stop()
		_ = db.Close()
		return nil, fmt.Errorf("invalid retention schedule %q: %w", opts.RetentionSchedule, err)
	}

	p.wg.Add(1)
	go p.writeLoop()
	p.scheduler.Start()
	return p, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS usage_records (
		id TEXT PRIMARY KEY,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		upstream_model TEXT NOT NULL DEFAULT '',
		tenant_id TEXT NOT NULL DEFAULT '',
		requested_at TIMESTAMP NOT NULL,
		elapsed_seconds REAL NOT NULL DEFAULT 0,
		streamed BOOLEAN NOT NULL DEFAULT 0,
		failed BOOLEAN NOT NULL DEFAULT 0,
		error_kind TEXT NOT NULL DEFAULT '',
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		reasoning_tokens INTEGER NOT NULL DEFAULT 0,
		cached_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		estimated BOOLEAN NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_usage_requested_at ON usage_records(requested_at);
	CREATE INDEX IF NOT EXISTS idx_usage_tenant ON usage_records(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_usage_provider_model ON usage_records(provider, model);
	`)
	return err
}

// HandleUsage implements Plugin. Never blocks; drops when the queue is full.
func (p *Persister) HandleUsage(_ context.Context, record Record) {
	if p == nil {
		return
	}
	select {
	case p.recordChan <- record:
	default:
		log.Warnf("usage persistence queue full, dropping record for %s/%s", record.Provider, record.Model)
	}
}

func (p *Persister) writeLoop() {
	defer p.wg.Done()

	batch := make([]Record, 0, p.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := p.writeBatch(batch); err != nil {
			log.Errorf("failed to write usage batch: %v", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case record := <-p.recordChan:
			batch = append(batch, record)
			if len(batch) >= p.batchSize {
				flush()
			}
		case <-p.flushTicker.C:
			flush()
		case done := <-p.flushReq:
			for drained := false; !drained; {
				select {
				case record := <-p.recordChan:
					batch = append(batch, record)
				default:
					drained = true
				}
			}
			flush()
			close(done)
		case <-p.stopChan:
			for {
				select {
				case record := <-p.recordChan:
					batch = append(batch, record)
					if len(batch) >= p.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (p *Persister) writeBatch(records []Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO usage_records (
			id, provider, model, upstream_model, tenant_id, requested_at,
			elapsed_seconds, streamed, failed, error_kind,
			input_tokens, output_tokens, reasoning_tokens, cached_tokens, total_tokens, estimated
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		tokens := r.Tokens.Normalize()
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.Provider, r.Model, r.UpstreamModel, r.TenantID, r.RequestedAt.UTC(),
			r.ElapsedSeconds, r.Streamed, r.Failed, r.ErrorKind,
			tokens.PromptTokens, tokens.CompletionTokens, tokens.ReasoningTokens,
			tokens.CachedTokens, tokens.TotalTokens, tokens.Estimated,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to insert record: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (p *Persister) cleanup() error {
	cutoff := time.Now().AddDate(0, 0, -p.retentionDays).UTC()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	result, err := p.db.ExecContext(ctx, `DELETE FROM usage_records WHERE requested_at < ?`, cutoff)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n > 0 {
		log.Infof("cleaned up %d usage records older than %d days", n, p.retentionDays)
	}
	return nil
}

// SummaryRow aggregates persisted records for one provider/model pair.
type SummaryRow struct {
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	Requests         int64   `json:"requests"`
	Failures         int64   `json:"failures"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	AvgElapsed       float64 `json:"avg_elapsed_seconds"`
}

// Summary aggregates records requested at or after since.
func (p *Persister) Summary(ctx context.Context, since time.Time) ([]SummaryRow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT provider, model, COUNT(*), SUM(failed), SUM(input_tokens), SUM(output_tokens),
		       SUM(total_tokens), AVG(elapsed_seconds)
		FROM usage_records
		WHERE requested_at >= ?
		GROUP BY provider, model
		ORDER BY provider, model
	`, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SummaryRow
	for rows.Next() {
		var r SummaryRow
		if err := rows.Scan(&r.Provider, &r.Model, &r.Requests, &r.Failures,
			&r.PromptTokens, &r.CompletionTokens, &r.TotalTokens, &r.AvgElapsed); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Flush writes every queued record before returning.
func (p *Persister) Flush() {
	done := make(chan struct{})
	select {
	case p.flushReq <- done:
		<-done
	case <-p.stopChan:
	}
}

// Stop flushes pending writes, stops the retention schedule and closes the db.
func (p *Persister) Stop() error {
	if p == nil {
		return nil
	}
	var err error
	p.stopOnce.Do(func() {
		close(p.stopChan)
		p.flushTicker.Stop()
		<-p.scheduler.Stop().Done()
		p.wg.Wait()
		if p.db != nil {
			err = p.db.Close()
		}
	})
	return err
}

// DBPath returns the filesystem path to the database.
func (p *Persister) DBPath() string {
	if p == nil {
		return ""
	}
	return p.dbPath
}
