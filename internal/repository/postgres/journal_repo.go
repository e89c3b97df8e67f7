package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/trainwatch/internal/journal"
)

// Колонок в training_events, не считая id
const journalColumns = 10

const journalSchema = `
CREATE TABLE IF NOT EXISTS training_events (
	id           UUID PRIMARY KEY,
	job_id       TEXT NOT NULL,
	network_id   TEXT NOT NULL DEFAULT '',
	kind         TEXT NOT NULL,
	mode         TEXT NOT NULL,
	epoch        INTEGER NOT NULL DEFAULT 0,
	total_epochs INTEGER NOT NULL DEFAULT 0,
	accuracy     DOUBLE PRECISION,
	progress     DOUBLE PRECISION NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT '',
	timestamp    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS training_events_job_idx ON training_events (job_id, timestamp);`

type JournalRepo struct {
	pool *pgxpool.Pool
}

// NewJournalRepo поднимает пул соединений. Доступность БД проверяется отдельно через Ping.
func NewJournalRepo(ctx context.Context, connString string, maxConns, minConns int32) (*JournalRepo, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: invalid connection string: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to create pool: %w", err)
	}
	return &JournalRepo{pool: pool}, nil
}

func (r *JournalRepo) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *JournalRepo) Close() {
	r.pool.Close()
}

// EnsureSchema создает таблицу журнала, если ее нет
func (r *JournalRepo) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, journalSchema); err != nil {
		return fmt.Errorf("postgres: failed to ensure journal schema: %w", err)
	}
	return nil
}

// WriteBatch пишет пачку одним INSERT ... VALUES (...), (...)
func (r *JournalRepo) WriteBatch(ctx context.Context, entries []journal.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	query, args := buildJournalInsert(entries)
	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("postgres: failed to write journal batch: %w", err)
	}
	return nil
}

func buildJournalInsert(entries []journal.Entry) (string, []any) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO training_events (id, job_id, network_id, kind, mode, epoch, total_epochs, accuracy, progress, error, timestamp) VALUES ")

	args := make([]any, 0, len(entries)*(journalColumns+1))
	for i, e := range entries {
		if i > 0 {
			sb.WriteString(", ")
		}
		p := i * (journalColumns + 1)
		sb.WriteString("(")
		for c := 1; c <= journalColumns+1; c++ {
			if c > 1 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", p+c)
		}
		sb.WriteString(")")

		args = append(args,
			e.ID, e.JobID, e.NetworkID, e.Kind, e.Mode,
			e.Epoch, e.TotalEpochs, e.Accuracy, e.Progress, e.Error, e.Timestamp,
		)
	}
	return sb.String(), args
}

// History возвращает последние limit записей по задаче в хронологическом порядке
func (r *JournalRepo) History(ctx context.Context, jobID string, limit int) ([]journal.Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, job_id, network_id, kind, mode, epoch, total_epochs, accuracy, progress, error, timestamp
		FROM (
			SELECT * FROM training_events
			WHERE job_id = $1
			ORDER BY timestamp DESC
			LIMIT $2
		) last
		ORDER BY timestamp ASC`

	rows, err := r.pool.Query(ctx, query, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query journal: %w", err)
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (journal.Entry, error) {
		var e journal.Entry
		err := row.Scan(&e.ID, &e.JobID, &e.NetworkID, &e.Kind, &e.Mode,
			&e.Epoch, &e.TotalEpochs, &e.Accuracy, &e.Progress, &e.Error, &e.Timestamp)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to scan journal: %w", err)
	}
	return entries, nil
}
