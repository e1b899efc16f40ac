package postgresql

// migrations returns the ordered schema migrations for the run ledger.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE SEQUENCE IF NOT EXISTS run_ids;

			CREATE TABLE IF NOT EXISTS runs (
				run_id      BIGINT PRIMARY KEY,
				pipeline_id TEXT NOT NULL,
				environment TEXT NOT NULL,
				params      JSONB NOT NULL,
				provenance  JSONB NOT NULL,
				stages      JSONB NOT NULL DEFAULT '[]',
				stage_count INTEGER NOT NULL DEFAULT 0,
				status      TEXT NOT NULL,
				created_at  TIMESTAMP WITH TIME ZONE NOT NULL,
				finished_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX IF NOT EXISTS idx_runs_pipeline_environment
				ON runs (pipeline_id, environment);

			CREATE INDEX IF NOT EXISTS idx_runs_status
				ON runs (status);

			CREATE INDEX IF NOT EXISTS idx_runs_created_at
				ON runs (created_at);
		`,
	}
}
