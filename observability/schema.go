package observability

// Schema creates the business event log table. Idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS business_event_logs (
	event_id     TEXT PRIMARY KEY,
	event_type   TEXT NOT NULL,
	service_name TEXT NOT NULL,
	entity_type  TEXT NOT NULL DEFAULT '',
	entity_id    TEXT NOT NULL DEFAULT '',
	tenant_id    TEXT NOT NULL DEFAULT '',
	action       TEXT NOT NULL DEFAULT '',
	details      TEXT NOT NULL DEFAULT '',
	success      INTEGER NOT NULL DEFAULT 1,
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bel_tenant_created
	ON business_event_logs(tenant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_bel_type_created
	ON business_event_logs(event_type, created_at);
`
