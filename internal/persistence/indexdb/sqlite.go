package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"craftpilot.ai/internal/recipes"
	"craftpilot.ai/internal/survival"
)

// SQLiteIndex is a queryable secondary index of run history. Writes are
// queued and applied by a single writer goroutine; a full queue drops the
// event rather than stall the bot.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	queueDropped atomic.Uint64
	writeFailed  atomic.Uint64
}

type reqKind int

const (
	reqEvent reqKind = iota + 1
	reqSync
)

type req struct {
	kind  reqKind
	event survival.Event
	done  chan struct{}
}

// Stats reports writer health.
type Stats struct {
	QueueDepth        int    `json:"queue_depth"`
	QueueCapacity     int    `json:"queue_capacity"`
	QueueDroppedTotal uint64 `json:"queue_dropped_total"`
	WriteFailTotal    uint64 `json:"write_fail_total"`
}

// RunRow is one run as recorded by the index.
type RunRow struct {
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	Status    string    `json:"status"`
	Stage     string    `json:"stage,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
	Inventory string    `json:"inventory,omitempty"`
}

const defaultQueue = 4096

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, defaultQueue)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{db: db, ch: make(chan req, queue)}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS catalogs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			status TEXT NOT NULL,
			stage TEXT,
			reason TEXT,
			error TEXT,
			inventory TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);`,
		`CREATE TABLE IF NOT EXISTS run_events (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			ts TEXT NOT NULL,
			kind TEXT NOT NULL,
			stage TEXT,
			idx INTEGER NOT NULL,
			attempt INTEGER NOT NULL,
			failure TEXT,
			error TEXT,
			inventory TEXT,
			PRIMARY KEY (run_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_stage ON run_events(stage, kind);`,
		`CREATE TABLE IF NOT EXISTS actions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			action TEXT NOT NULL,
			reason TEXT,
			failure TEXT,
			error TEXT,
			inventory TEXT
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// Emit queues an event; it never blocks.
func (s *SQLiteIndex) Emit(ev survival.Event) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqEvent, event: ev}:
	default:
		s.queueDropped.Add(1)
	}
}

// Sync waits until every event queued before it is committed.
func (s *SQLiteIndex) Sync(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqSync, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		QueueDroppedTotal: s.queueDropped.Load(),
		WriteFailTotal:    s.writeFailed.Load(),
	}
}

// UpsertCatalog records the loaded recipe catalog and tag table so a run can
// be matched to the data it ran against.
func (s *SQLiteIndex) UpsertCatalog(cat *recipes.Catalog, tags recipes.TagTable) error {
	if s == nil || cat == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	recs, err := json.Marshal(struct {
		IDs     []string `json:"ids"`
		Invalid []string `json:"invalid"`
	}{cat.IDs(), cat.Invalid()})
	if err != nil {
		return err
	}
	tagJSON, err := json.Marshal(tags)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(tagJSON)

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO catalogs(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	if _, err := stmt.Exec("recipes", cat.Digest, string(recs), now); err != nil {
		return err
	}
	if _, err := stmt.Exec("tags", hex.EncodeToString(sum[:]), string(tagJSON), now); err != nil {
		return err
	}
	return tx.Commit()
}

// CatalogDigest returns the stored digest for a catalog name, or "".
func (s *SQLiteIndex) CatalogDigest(ctx context.Context, name string) (string, error) {
	var d string
	err := s.db.QueryRowContext(ctx, `SELECT digest FROM catalogs WHERE name=?`, name).Scan(&d)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return d, err
}

// RecentRuns lists runs newest first.
func (s *SQLiteIndex) RecentRuns(ctx context.Context, limit int) ([]RunRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id,started_at,COALESCE(ended_at,''),status,COALESCE(stage,''),COALESCE(reason,''),COALESCE(error,''),COALESCE(inventory,'')
		 FROM runs ORDER BY started_at DESC, run_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRow
	for rows.Next() {
		var (
			r              RunRow
			started, ended string
		)
		if err := rows.Scan(&r.RunID, &started, &ended, &r.Status, &r.Stage, &r.Reason, &r.Error, &r.Inventory); err != nil {
			return nil, err
		}
		r.StartedAt = parseTS(started)
		r.EndedAt = parseTS(ended)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RunEvents returns the recorded events of one run in emission order.
func (s *SQLiteIndex) RunEvents(ctx context.Context, runID string) ([]survival.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts,kind,COALESCE(stage,''),idx,attempt,COALESCE(failure,''),COALESCE(error,''),COALESCE(inventory,'')
		 FROM run_events WHERE run_id=? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []survival.Event
	for rows.Next() {
		var (
			ev   survival.Event
			ts   string
			kind string
		)
		if err := rows.Scan(&ts, &kind, &ev.Stage, &ev.Index, &ev.Attempt, &ev.Failure, &ev.Error, &ev.Inventory); err != nil {
			return nil, err
		}
		ev.RunID = runID
		ev.Time = parseTS(ts)
		ev.Kind = survival.EventKind(kind)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// tsLayout is fixed width so stored timestamps sort as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTS(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertRun, _ := s.db.Prepare(`INSERT OR REPLACE INTO runs(run_id,started_at,status,inventory) VALUES(?,?,?,?)`)
	finishRun, _ := s.db.Prepare(`UPDATE runs SET ended_at=?,status=?,stage=?,reason=?,error=?,inventory=? WHERE run_id=?`)
	insertEvent, _ := s.db.Prepare(`INSERT OR REPLACE INTO run_events(run_id,seq,ts,kind,stage,idx,attempt,failure,error,inventory) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	insertAction, _ := s.db.Prepare(`INSERT INTO actions(ts,action,reason,failure,error,inventory) VALUES(?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertRun, finishRun, insertEvent, insertAction} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 200
		commitMaxWait = time.Second

		// Per-run event sequence, assigned here so ordering survives equal timestamps.
		seq = map[string]int{}
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.writeFailed.Add(1)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) bool {
		if st == nil {
			return true
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			s.writeFailed.Add(1)
			rollback()
			return false
		}
		opCount++
		return true
	}

	ticker := time.NewTicker(commitMaxWait)
	defer ticker.Stop()

	for {
		var (
			r  req
			ok bool
		)
		select {
		case r, ok = <-s.ch:
		case <-ticker.C:
			if time.Since(lastCommit) >= commitMaxWait {
				commit()
			}
			continue
		}
		if !ok {
			commit()
			return
		}
		if r.kind == reqSync {
			commit()
			close(r.done)
			continue
		}

		begin()
		if tx == nil {
			continue
		}
		ev := r.event
		ts := formatTS(ev.Time)

		if ev.RunID == "" {
			exec(insertAction, ts, ev.Stage, ev.Reason, ev.Failure, ev.Error, ev.Inventory)
		} else {
			switch ev.Kind {
			case survival.EventRunStart:
				if !exec(insertRun, ev.RunID, ts, string(survival.StatusRunning), ev.Inventory) {
					continue
				}
			case survival.EventRunDone:
				if !exec(finishRun, ts, string(survival.StatusSucceeded), "", "", "", ev.Inventory, ev.RunID) {
					continue
				}
			case survival.EventAbort:
				if !exec(finishRun, ts, string(survival.StatusAborted), ev.Stage, ev.Reason, ev.Error, ev.Inventory, ev.RunID) {
					continue
				}
			}
			n := seq[ev.RunID]
			seq[ev.RunID] = n + 1
			if !exec(insertEvent, ev.RunID, n, ts, string(ev.Kind), ev.Stage, ev.Index, ev.Attempt, ev.Failure, ev.Error, ev.Inventory) {
				continue
			}
			if ev.Kind == survival.EventRunDone || ev.Kind == survival.EventAbort {
				delete(seq, ev.RunID)
			}
		}

		if opCount >= commitEvery {
			commit()
		}
	}
}
