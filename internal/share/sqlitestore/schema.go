package sqlitestore

var schema = []string{
	`CREATE TABLE IF NOT EXISTS blobs (
        ref TEXT PRIMARY KEY,
        body TEXT NOT NULL,
        updated_at TEXT NOT NULL
    )`,
	`CREATE TABLE IF NOT EXISTS sync_jobs (
        job_id TEXT PRIMARY KEY,
        job_type TEXT NOT NULL,
        status TEXT NOT NULL,
        trigger_source TEXT,
        file_json TEXT,
        result_json TEXT,
        error TEXT,
        retry_count INTEGER NOT NULL DEFAULT 0,
        max_retries INTEGER NOT NULL DEFAULT 0,
        created_at TEXT NOT NULL,
        started_at TEXT,
        completed_at TEXT
    )`,
	`CREATE INDEX IF NOT EXISTS idx_sync_jobs_created ON sync_jobs (created_at DESC)`,
}
