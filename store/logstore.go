package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/diamondburned/backwardio"
	"github.com/gofrs/flock"
	"github.com/pkg/errors"

	"github.com/ShuhaoZQGG/sentinel-zero"
)

// logStore keeps one append-only, flock-guarded file per workload for
// captured output lines, the same structure cronmon/journal uses for its
// single daemon-wide event journal, here split one-file-per-workload so a
// tail read on a busy workload never has to skip over unrelated records.
type logStore struct {
	dir string

	mu    sync.Mutex
	files map[string]*logFile
}

type logFile struct {
	mu   sync.Mutex
	f    *os.File
	lock *flock.Flock
	seq  uint64
}

func newLogStore(dir string) (*logStore, error) {
	if dir == "" {
		dir = "logs"
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, errors.Wrap(err, "create log directory")
	}
	return &logStore{dir: dir, files: make(map[string]*logFile)}, nil
}

func (ls *logStore) Close() {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for _, lf := range ls.files {
		lf.close()
	}
}

func (ls *logStore) path(workloadID string) string {
	return filepath.Join(ls.dir, workloadID+".log")
}

func (ls *logStore) open(workloadID string) (*logFile, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if lf, ok := ls.files[workloadID]; ok {
		return lf, nil
	}

	path := ls.path(workloadID)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND|os.O_CREATE|os.O_SYNC, 0640)
	if err != nil {
		return nil, errors.Wrap(err, "open log file")
	}

	l := flock.New(path)
	if locked, err := l.TryLock(); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "acquire log file lock")
	} else if !locked {
		f.Close()
		return nil, errors.New("log file already locked elsewhere")
	}

	lf := &logFile{f: f, lock: l}
	lf.seq = countLines(path)

	ls.files[workloadID] = lf
	return lf, nil
}

func countLines(path string) uint64 {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	var n uint64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		n++
	}
	return n
}

func (lf *logFile) close() {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	lf.f.Close()
	lf.lock.Unlock()
}

// logLine is the on-disk JSON shape one LogRecord is serialized as.
type logLine struct {
	Sequence  uint64 `json:"seq"`
	Stream    string `json:"stream"`
	Payload   string `json:"payload"`
	Truncated bool   `json:"truncated"`
	AtUnixNS  int64  `json:"at_ns"`
}

// Append writes a whole batch of records belonging to one workload to its
// log file as a single buffered Write (and, since the file is opened
// O_SYNC, a single sync), bounding write amplification to one fsync per
// batch rather than one per record (§4.A). Sequence numbers are assigned
// in order, continuing from the file's last-known sequence.
func (ls *logStore) Append(batch []sentinelzero.LogRecord) error {
	if len(batch) == 0 {
		return nil
	}

	lf, err := ls.open(batch[0].WorkloadID)
	if err != nil {
		return sentinelzero.Wrap(sentinelzero.KindStoreUnavailable, err, "append log")
	}

	lf.mu.Lock()
	defer lf.mu.Unlock()

	var buf bytes.Buffer
	for _, rec := range batch {
		lf.seq++
		line := logLine{
			Sequence:  lf.seq,
			Stream:    rec.Stream,
			Payload:   string(rec.Payload),
			Truncated: rec.Truncated,
			AtUnixNS:  rec.At.UnixNano(),
		}

		b, err := json.Marshal(line)
		if err != nil {
			return sentinelzero.Wrap(sentinelzero.KindInternal, err, "marshal log line")
		}
		buf.Write(b)
		buf.WriteByte('\n')
	}

	if _, err := lf.f.Write(buf.Bytes()); err != nil {
		return sentinelzero.Wrap(sentinelzero.KindStoreUnavailable, err, "write log batch")
	}
	return nil
}

// Query reads workloadID's log file backwards with backwardio.Scanner (the
// same reverse-read primitive cronmon/journal uses to recover the last
// PreviousState without scanning the whole file forward) so Tail-bounded
// queries only pay for the lines they need.
func (ls *logStore) Query(q sentinelzero.LogQuery) ([]sentinelzero.LogRecord, error) {
	path := ls.path(q.WorkloadID)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, sentinelzero.Wrap(sentinelzero.KindStoreUnavailable, err, "open log file")
	}
	defer f.Close()

	scanner := backwardio.NewScanner(f)

	tail := q.Tail
	var matched []sentinelzero.LogRecord

	for tail <= 0 || len(matched) < tail {
		raw, err := scanner.ReadUntil('\n')
		if err != nil {
			break
		}
		if len(raw) == 0 {
			continue
		}

		var line logLine
		if err := json.Unmarshal(raw, &line); err != nil {
			continue
		}

		rec := sentinelzero.LogRecord{
			WorkloadID: q.WorkloadID,
			Sequence:   line.Sequence,
			Stream:     line.Stream,
			Payload:    []byte(line.Payload),
			Truncated:  line.Truncated,
			At:         timeFromUnixNS(line.AtUnixNS),
		}

		if !q.Since.IsZero() && rec.At.Before(q.Since) {
			break
		}
		if !q.Until.IsZero() && rec.At.After(q.Until) {
			continue
		}
		if q.Stream != "" && rec.Stream != q.Stream {
			continue
		}
		if q.Grep != "" && !strings.Contains(string(rec.Payload), q.Grep) {
			continue
		}

		matched = append(matched, rec)
	}

	// matched was built newest-first; restore chronological order.
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}
	return matched, nil
}

// PurgeBefore compacts workloadID's log file, keeping only records at or
// after cutoff (zero cutoff keeps everything by age), then further
// trimming to the most recent keepLast records if keepLast is positive
// (§4.A purge_before, §6.3 retention_max_age/retention_max_records). The
// file is rewritten in place under the same lock and file descriptor the
// logFile already holds, so a concurrent Append sees either the old or
// the compacted content, never a half-written file.
func (ls *logStore) PurgeBefore(workloadID string, cutoff time.Time, keepLast int) error {
	lf, err := ls.open(workloadID)
	if err != nil {
		return sentinelzero.Wrap(sentinelzero.KindStoreUnavailable, err, "open log for purge")
	}

	lf.mu.Lock()
	defer lf.mu.Unlock()

	if _, err := lf.f.Seek(0, io.SeekStart); err != nil {
		return sentinelzero.Wrap(sentinelzero.KindStoreUnavailable, err, "seek log file for purge")
	}

	var kept []logLine
	sc := bufio.NewScanner(lf.f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var line logLine
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			continue
		}
		if !cutoff.IsZero() && timeFromUnixNS(line.AtUnixNS).Before(cutoff) {
			continue
		}
		kept = append(kept, line)
	}

	if keepLast > 0 && len(kept) > keepLast {
		kept = kept[len(kept)-keepLast:]
	}

	var buf bytes.Buffer
	for _, line := range kept {
		b, err := json.Marshal(line)
		if err != nil {
			continue
		}
		buf.Write(b)
		buf.WriteByte('\n')
	}

	if err := lf.f.Truncate(0); err != nil {
		return sentinelzero.Wrap(sentinelzero.KindStoreUnavailable, err, "truncate log file for purge")
	}
	if _, err := lf.f.Seek(0, io.SeekStart); err != nil {
		return sentinelzero.Wrap(sentinelzero.KindStoreUnavailable, err, "seek log file for purge")
	}
	if _, err := lf.f.Write(buf.Bytes()); err != nil {
		return sentinelzero.Wrap(sentinelzero.KindStoreUnavailable, err, "rewrite log file for purge")
	}
	if len(kept) > 0 {
		lf.seq = kept[len(kept)-1].Sequence
	}
	return nil
}
