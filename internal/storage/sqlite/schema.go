package sqlite

const schema = `
-- Canonical signatures with their raw-signature aliases
CREATE TABLE IF NOT EXISTS canonical_signatures (
    name TEXT PRIMARY KEY,
    aliases TEXT NOT NULL DEFAULT '[]',
    relationship_category TEXT,
    relationship_counterpart TEXT,
    relationship_guidance TEXT,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Stories: at most one per canonical signature
CREATE TABLE IF NOT EXISTS stories (
    id TEXT PRIMARY KEY,
    signature TEXT NOT NULL UNIQUE,
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    confidence_score REAL NOT NULL DEFAULT 0,
    product_area TEXT NOT NULL DEFAULT '',
    conversation_ids TEXT NOT NULL DEFAULT '[]',
    excerpts TEXT NOT NULL DEFAULT '[]',
    evidence_hash TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_stories_signature ON stories(signature);

-- Orphans: conversations holding evidence below the story bar
CREATE TABLE IF NOT EXISTS orphans (
    signature TEXT PRIMARY KEY,
    conversation_ids TEXT NOT NULL DEFAULT '[]',
    last_reason TEXT NOT NULL DEFAULT '',
    fallback_count INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Run results for monitoring
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    started_at DATETIME NOT NULL,
    finished_at DATETIME NOT NULL,
    result TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`
