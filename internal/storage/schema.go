package storage

const schema = `
-- The 'cards' table stores every record, parents and synthesized children.
-- The payload lives in 'data' as JSON; the other columns are for lookups.
CREATE TABLE IF NOT EXISTS cards (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    parent_id TEXT,
    note_path TEXT,
    data TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cards_note ON cards(note_path);
CREATE INDEX IF NOT EXISTS idx_cards_parent ON cards(parent_id);

-- The 'states' table holds the scheduling state, keyed 1:1 by record id.
CREATE TABLE IF NOT EXISTS states (
    id TEXT PRIMARY KEY,
    data TEXT NOT NULL
);

-- The 'quarantine' table holds cards that failed validation.
CREATE TABLE IF NOT EXISTS quarantine (
    id TEXT PRIMARY KEY,
    note_path TEXT,
    line INTEGER,
    reason TEXT NOT NULL,
    data TEXT NOT NULL
);

-- The 'io' table holds image-occlusion geometry keyed by parent id.
CREATE TABLE IF NOT EXISTS io (
    parent_id TEXT PRIMARY KEY,
    data TEXT NOT NULL
);

-- The 'review_log' table is append-only and read by the scheduler.
CREATE TABLE IF NOT EXISTS review_log (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    card_id TEXT NOT NULL,
    grade INTEGER NOT NULL,
    reviewed_at DATETIME NOT NULL
);
`
