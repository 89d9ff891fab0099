package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// Registers the postgres driver.
	_ "github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS evaluator_audit_logs (
	event_id    VARCHAR(255) PRIMARY KEY,
	timestamp   TIMESTAMPTZ NOT NULL,
	request_id  VARCHAR(255),
	method      VARCHAR(16) NOT NULL,
	path        TEXT NOT NULL,
	tenant      VARCHAR(255),
	ip_hash     VARCHAR(64),
	user_hash   VARCHAR(64),
	agent_hash  VARCHAR(64),
	amount_band VARCHAR(16),
	status      INT NOT NULL,
	latency_ms  BIGINT NOT NULL,
	decision    VARCHAR(8),
	code        VARCHAR(64),
	receipt_id  VARCHAR(64),
	degraded    BOOLEAN NOT NULL DEFAULT FALSE,
	created_at  TIMESTAMPTZ DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_eval_audit_tenant_ts ON evaluator_audit_logs(tenant, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_eval_audit_decision ON evaluator_audit_logs(decision);
CREATE INDEX IF NOT EXISTS idx_eval_audit_request_id ON evaluator_audit_logs(request_id) WHERE request_id IS NOT NULL;
`

// postgresWriter persists audit events in PostgreSQL.
type postgresWriter struct {
	db *sql.DB
}

// NewPostgresWriter opens a postgres connection, ensures the audit table
// exists and returns a writer on it.
func NewPostgresWriter(ctx context.Context, dsn string) (Writer, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect audit database: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize audit schema: %w", err)
	}
	return &postgresWriter{db: db}, nil
}

func (w *postgresWriter) Write(event *Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := w.db.ExecContext(ctx, `
		INSERT INTO evaluator_audit_logs (
			event_id, timestamp, request_id, method, path, tenant,
			ip_hash, user_hash, agent_hash, amount_band,
			status, latency_ms, decision, code, receipt_id, degraded
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (event_id) DO NOTHING`,
		event.EventID, event.Timestamp, nullable(event.RequestID),
		event.Method, event.Path, nullable(event.Tenant),
		nullable(event.IPHash), nullable(event.UserHash), nullable(event.AgentHash),
		nullable(event.AmountBand),
		event.Status, event.LatencyMS,
		nullable(event.Decision), nullable(event.Code), nullable(event.ReceiptID),
		event.Degraded,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (w *postgresWriter) Close() error {
	return w.db.Close()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
