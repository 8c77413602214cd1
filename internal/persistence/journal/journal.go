// Package journal keeps a compressed, append-only record of every run event
// for post-mortems.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"craftpilot.ai/internal/survival"
)

const dayLayout = "2006-01-02"

// Journal is a survival.EventSink writing one JSON event per line to
// <dataDir>/journal/runs-<day>.jsonl.zst. The day is taken from the event
// time, so a run that crosses midnight continues in the next file.
// Reopening a day appends a new zstd frame to the same file.
type Journal struct {
	dir    string
	logger *log.Logger

	mu     sync.Mutex
	day    string
	f      *os.File
	zw     *zstd.Encoder
	bw     *bufio.Writer
	enc    *json.Encoder
	failed bool
}

var _ survival.EventSink = (*Journal)(nil)

func Open(dataDir string, logger *log.Logger) *Journal {
	return &Journal{dir: filepath.Join(dataDir, "journal"), logger: logger}
}

// Emit never blocks the run on disk trouble; the first failure of a streak
// is logged.
func (j *Journal) Emit(ev survival.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	err := j.writeLocked(ev)
	if err != nil && !j.failed && j.logger != nil {
		j.logger.Printf("journal write failed run=%s kind=%s err=%v", ev.RunID, ev.Kind, err)
	}
	j.failed = err != nil
}

// writeLocked flushes through the compressor after every event so a crash
// loses at most the line being written.
func (j *Journal) writeLocked(ev survival.Event) error {
	day := ev.Time.UTC().Format(dayLayout)
	if day != j.day || j.enc == nil {
		if err := j.openLocked(day); err != nil {
			return err
		}
	}
	if err := j.enc.Encode(ev); err != nil {
		return err
	}
	if err := j.bw.Flush(); err != nil {
		return err
	}
	return j.zw.Flush()
}

func (j *Journal) openLocked(day string) error {
	if err := j.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(j.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(j.dir, "runs-"+day+".jsonl.zst"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	j.f, j.zw, j.day = f, zw, day
	j.bw = bufio.NewWriterSize(zw, 16*1024)
	j.enc = json.NewEncoder(j.bw)
	return nil
}

func (j *Journal) closeLocked() error {
	if j.f == nil {
		return nil
	}
	err := j.bw.Flush()
	if cerr := j.zw.Close(); err == nil {
		err = cerr
	}
	if cerr := j.f.Close(); err == nil {
		err = cerr
	}
	j.f, j.zw, j.bw, j.enc, j.day = nil, nil, nil, nil, ""
	return err
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.closeLocked()
}

// Files lists the journal files under dataDir, oldest first.
func Files(dataDir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dataDir, "journal", "runs-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// ReadFile decodes every event in one journal file. A truncated tail from a
// crash ends the read without error.
func ReadFile(path string) ([]survival.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []survival.Event
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var ev survival.Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return out, err
		}
		out = append(out, ev)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return out, err
	}
	return out, nil
}
