// Package journal records session and learning events in a SQLite database so that viewer
// history survives restarts. Writes are queued to a single writer goroutine and never block the
// caller; when the queue is full the event is dropped and counted.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sugawarayuuta/sonnet"
)

// Event kinds stored in the kind column.
const (
	KindOpened   = "opened"
	KindClosed   = "closed"
	KindRejected = "rejected"
	KindLearned  = "learned"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	at      INTEGER NOT NULL,
	kind    TEXT    NOT NULL,
	session TEXT    NOT NULL DEFAULT '',
	remote  TEXT    NOT NULL DEFAULT '',
	status  INTEGER NOT NULL DEFAULT 0,
	detail  TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS events_session ON events (session);
`

var ErrClosed = errors.New("journal closed")

// Entry is one stored event.
type Entry struct {
	ID      int64     `json:"id"`
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	Session string    `json:"session,omitempty"`
	Remote  string    `json:"remote,omitempty"`
	Status  int       `json:"status,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

type Journal struct {
	db      *sql.DB
	log     *slog.Logger
	queue   chan Entry
	done    chan struct{}
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

// Open opens or creates the database at path and starts the writer.
func Open(path string, log *slog.Logger) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	// One connection serialises writes and keeps :memory: databases consistent.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}

	j := &Journal{
		db:    db,
		log:   log.With("component", "journal"),
		queue: make(chan Entry, 256),
		done:  make(chan struct{}),
	}
	go j.writer()
	return j, nil
}

func (j *Journal) writer() {
	defer close(j.done)

	stmt, err := j.db.Prepare(`INSERT INTO events (at, kind, session, remote, status, detail) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		j.log.Error("failed to prepare insert", "err", err)
		for range j.queue {
			j.dropped.Add(1)
		}
		return
	}
	defer stmt.Close()

	for e := range j.queue {
		if _, err := stmt.Exec(e.At.UnixNano(), e.Kind, e.Session, e.Remote, e.Status, e.Detail); err != nil {
			j.log.Warn("failed to write event", "kind", e.Kind, "err", err)
		}
	}
}

func (j *Journal) record(e Entry) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.queue <- e:
	default:
		j.dropped.Add(1)
	}
}

func (j *Journal) SessionOpened(id, remote, resource string, at time.Time) {
	j.record(Entry{At: at, Kind: KindOpened, Session: id, Remote: remote, Detail: resource})
}

func (j *Journal) SessionClosed(id, remote, reason string, at time.Time) {
	j.record(Entry{At: at, Kind: KindClosed, Session: id, Remote: remote, Detail: reason})
}

func (j *Journal) HandshakeRejected(remote string, status int, reason string, at time.Time) {
	j.record(Entry{At: at, Kind: KindRejected, Remote: remote, Status: status, Detail: reason})
}

// Learned stores the per-image chunk counts and the resulting skip value.
func (j *Journal) Learned(counts []int, linesToSkip int, at time.Time) {
	detail, err := sonnet.Marshal(struct {
		Counts      []int `json:"counts"`
		LinesToSkip int   `json:"lines_to_skip"`
	}{counts, linesToSkip})
	if err != nil {
		j.log.Warn("failed to encode learning result", "err", err)
		return
	}
	j.record(Entry{At: at, Kind: KindLearned, Detail: string(detail)})
}

// Dropped is the number of events lost to a full queue.
func (j *Journal) Dropped() uint64 {
	return j.dropped.Load()
}

// Recent returns up to limit events, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	j.mu.RLock()
	closed := j.closed
	j.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := j.db.QueryContext(ctx,
		`SELECT id, at, kind, session, remote, status, detail FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		var at int64
		if err := rows.Scan(&e.ID, &at, &e.Kind, &e.Session, &e.Remote, &e.Status, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.At = time.Unix(0, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close stops accepting events, writes everything still queued and closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.queue)
	j.mu.Unlock()

	<-j.done
	return j.db.Close()
}
