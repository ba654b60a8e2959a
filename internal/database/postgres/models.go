package postgres

import (
	"time"
)

const schema = `
CREATE TABLE IF NOT EXISTS shares (
	id                BIGSERIAL PRIMARY KEY,
	pool              TEXT        NOT NULL,
	job_id            TEXT        NOT NULL,
	nonce             CHAR(8)     NOT NULL,
	digest            CHAR(64)    NOT NULL,
	difficulty        BIGINT      NOT NULL,
	actual_difficulty BIGINT      NOT NULL,
	accepted          BOOLEAN     NOT NULL,
	reason            TEXT        NOT NULL DEFAULT '',
	latency_ms        BIGINT      NOT NULL DEFAULT 0,
	submitted_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS shares_pool_submitted_at_idx ON shares (pool, submitted_at DESC);
`

// Share is one submitted share and the pool's verdict
type Share struct {
	ID               int64     `db:"id"`
	Pool             string    `db:"pool"`
	JobID            string    `db:"job_id"`
	Nonce            string    `db:"nonce"`
	Digest           string    `db:"digest"`
	Difficulty       int64     `db:"difficulty"`
	ActualDifficulty int64     `db:"actual_difficulty"`
	Accepted         bool      `db:"accepted"`
	Reason           string    `db:"reason"`
	LatencyMs        int64     `db:"latency_ms"`
	SubmittedAt      time.Time `db:"submitted_at"`
}

// ShareSummary aggregates a pool's shares
type ShareSummary struct {
	Pool     string `db:"pool"`
	Accepted int64  `db:"accepted"`
	Rejected int64  `db:"rejected"`
}
