// Package memory implements the append-only memory journal of a project.
//
// Each (project, source) pair owns one JSONL journal at
// projects/<key>/memory/<source>/journal.jsonl. Entries are immutable once
// written; corrections are appended as new entries with new ids. Ids are
// unique within their (project, source) partition, and AppendBatch silently
// skips ids already present. Journals are never compacted.
package memory
