package postgres

import (
	"context"
	"fmt"
)

// Schema is the authoritative DDL for the pipeline tables. Deployments run
// real migrations; EnsureSchema exists for development and integration tests.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	phase TEXT NOT NULL,
	industry TEXT NOT NULL DEFAULT '',
	top_amz INT NOT NULL DEFAULT 0,
	top_ebay INT NOT NULL DEFAULT 0,
	queries JSONB NOT NULL DEFAULT '{}',
	platforms TEXT[] NOT NULL DEFAULT '{}',
	recency_days INT NOT NULL DEFAULT 0,
	has_products BOOLEAN NOT NULL DEFAULT TRUE,
	has_videos BOOLEAN NOT NULL DEFAULT TRUE,
	failure_reason TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	cancelled_at TIMESTAMPTZ,
	cancellation_reason TEXT NOT NULL DEFAULT '',
	cancellation_notes TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS phase_events (
	job_id TEXT NOT NULL,
	name TEXT NOT NULL,
	event_id TEXT NOT NULL,
	received_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (job_id, name)
);

CREATE TABLE IF NOT EXISTS processed_events (
	event_id TEXT NOT NULL,
	consumer TEXT NOT NULL,
	job_id TEXT NOT NULL DEFAULT '',
	processed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (event_id, consumer)
);
CREATE INDEX IF NOT EXISTS processed_events_job_idx ON processed_events (job_id);

CREATE TABLE IF NOT EXISTS job_progress (
	job_id TEXT NOT NULL,
	stage TEXT NOT NULL,
	expected INT NOT NULL DEFAULT 0,
	done INT NOT NULL DEFAULT 0,
	failed INT NOT NULL DEFAULT 0,
	expected_known BOOLEAN NOT NULL DEFAULT FALSE,
	completion_emitted BOOLEAN NOT NULL DEFAULT FALSE,
	watermark_expires_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (job_id, stage)
);

CREATE TABLE IF NOT EXISTS products (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	src TEXT NOT NULL DEFAULT '',
	asin_or_itemid TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	brand TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS products_job_idx ON products (job_id);

CREATE TABLE IF NOT EXISTS product_images (
	id TEXT PRIMARY KEY,
	product_id TEXT NOT NULL,
	job_id TEXT NOT NULL,
	local_path TEXT NOT NULL DEFAULT '',
	masked_local_path TEXT NOT NULL DEFAULT '',
	emb_rgb REAL[],
	emb_gray REAL[],
	kp_blob_path TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS product_images_job_idx ON product_images (job_id);

CREATE TABLE IF NOT EXISTS videos (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	platform TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	duration_s DOUBLE PRECISION NOT NULL DEFAULT 0,
	published_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS videos_job_idx ON videos (job_id);

CREATE TABLE IF NOT EXISTS video_frames (
	id TEXT PRIMARY KEY,
	video_id TEXT NOT NULL,
	job_id TEXT NOT NULL,
	ts DOUBLE PRECISION NOT NULL DEFAULT 0,
	local_path TEXT NOT NULL DEFAULT '',
	masked_local_path TEXT NOT NULL DEFAULT '',
	emb_rgb REAL[],
	emb_gray REAL[],
	kp_blob_path TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS video_frames_job_idx ON video_frames (job_id);

CREATE TABLE IF NOT EXISTS matches (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	product_id TEXT NOT NULL,
	video_id TEXT NOT NULL,
	score DOUBLE PRECISION NOT NULL,
	best_img_id TEXT NOT NULL DEFAULT '',
	best_frame_id TEXT NOT NULL DEFAULT '',
	best_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	deep_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	kp_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	ts DOUBLE PRECISION NOT NULL DEFAULT 0,
	evidence_path TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (job_id, product_id, video_id)
);
CREATE INDEX IF NOT EXISTS matches_job_idx ON matches (job_id);
`

// EnsureSchema applies the DDL above. Every statement is idempotent.
func EnsureSchema(ctx context.Context, pool PgxPool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("op=schema.ensure: %w", err)
	}
	return nil
}
