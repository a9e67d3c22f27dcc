// Package store persists civic records (meetings, documents, agenda items,
// transcripts, motions, votes, people, matters) in SQLite with natural-key
// upserts and per-phase transactional replace sets, so re-running any phase
// on unchanged input never duplicates rows.
package store
