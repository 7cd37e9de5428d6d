package audit

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-governance/internal/metrics"
)

var (
	// ErrStorageFailure wraps every I/O failure on the write path.
	ErrStorageFailure = errors.New("audit storage failure")

	// ErrInvalidEntry is returned for entries without a valid level or action.
	ErrInvalidEntry = errors.New("invalid audit entry")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("audit store closed")
)

// archiveLayout is lexically sortable; archives are named <file>.<UTC timestamp>.
const archiveLayout = "20060102T150405.000000000"

const megabyte = 1024 * 1024

// Recorder is the write side of the audit trail used by other components.
type Recorder interface {
	Append(ctx context.Context, e *Entry) error
}

// Observer receives every entry after it was durably appended. Observers must not block.
type Observer func(Entry)

// Config represents audit store configuration
type Config struct {
	// Dir holds the active file and its archives
	Dir string

	// FileName is the name of the active log file
	FileName string

	// MaxSizeBytes triggers rotation once the active file reaches it. Zero disables rotation.
	MaxSizeBytes int64

	// Retention is the age after which archives are pruned. Zero disables pruning.
	Retention time.Duration

	// SyncOnWrite fsyncs the active file after every append
	SyncOnWrite bool
}

// DefaultConfig returns default audit store configuration
func DefaultConfig() Config {
	return Config{
		Dir:          "logs",
		FileName:     "audit.log",
		MaxSizeBytes: 100 * megabyte,
		Retention:    90 * 24 * time.Hour,
		SyncOnWrite:  true,
	}
}

// Option customises a Store
type Option func(*Store)

// WithLogger sets the application logger used for housekeeping messages
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithObserver registers an observer at construction time
func WithObserver(o Observer) Option {
	return func(s *Store) {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
}

// Store is the append-only, size-rotated, hash-chained audit log.
type Store struct {
	mu          sync.Mutex
	cfg         Config
	file        *os.File
	size        int64
	seq         uint64
	lastHash    string
	lastArchive time.Time
	closed      bool

	obsMu     sync.RWMutex
	observers []Observer

	logger *zap.Logger
	now    func() time.Time
}

// Open opens (or creates) the audit log described by cfg and restores the hash chain.
func Open(cfg Config, opts ...Option) (*Store, error) {
	if cfg.Dir == "" {
		cfg.Dir = DefaultConfig().Dir
	}
	if cfg.FileName == "" {
		cfg.FileName = DefaultConfig().FileName
	}

	s := &Store{
		cfg:    cfg,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("%w: create audit dir: %v", ErrStorageFailure, err)
	}

	archives, err := s.listArchives()
	if err != nil {
		return nil, fmt.Errorf("%w: list archives: %v", ErrStorageFailure, err)
	}
	if n := len(archives); n > 0 {
		s.lastArchive = archives[n-1].ts
	}

	if err := s.openActive(); err != nil {
		return nil, err
	}
	if err := s.restoreChain(archives); err != nil {
		_ = s.file.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) activePath() string {
	return filepath.Join(s.cfg.Dir, s.cfg.FileName)
}

func (s *Store) openActive() error {
	f, err := os.OpenFile(s.activePath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrStorageFailure, s.activePath(), err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: stat %s: %v", ErrStorageFailure, s.activePath(), err)
	}
	s.file = f
	s.size = info.Size()
	return nil
}

// restoreChain continues sequence numbers and hashes from the newest record on disk.
func (s *Store) restoreChain(archives []archive) error {
	candidates := []string{s.activePath()}
	for i := len(archives) - 1; i >= 0; i-- {
		candidates = append(candidates, archives[i].path)
	}

	for _, path := range candidates {
		line, torn, err := readLastLine(path)
		if err != nil {
			return fmt.Errorf("%w: read %s: %v", ErrStorageFailure, path, err)
		}
		if torn && path == s.activePath() {
			// Terminate a torn trailing record so the next append starts on a fresh line.
			n, err := s.file.Write([]byte{'\n'})
			if err != nil {
				return fmt.Errorf("%w: repair %s: %v", ErrStorageFailure, path, err)
			}
			s.size += int64(n)
		}
		if len(line) == 0 {
			continue
		}
		e, err := decodeEntry(line)
		if err != nil {
			s.logger.Warn("audit chain tail unreadable, starting new chain segment",
				zap.String("file", path), zap.Error(err))
			return nil
		}
		s.seq = e.Seq
		s.lastHash = e.Hash
		return nil
	}
	return nil
}

// Subscribe registers an observer for appended entries
func (s *Store) Subscribe(o Observer) {
	if o == nil {
		return
	}
	s.obsMu.Lock()
	s.observers = append(s.observers, o)
	s.obsMu.Unlock()
}

// SetLimits updates rotation and retention thresholds
func (s *Store) SetLimits(maxSizeBytes int64, retention time.Duration) {
	s.mu.Lock()
	s.cfg.MaxSizeBytes = maxSizeBytes
	s.cfg.Retention = retention
	s.mu.Unlock()
}

// Dir returns the directory holding the log files
func (s *Store) Dir() string { return s.cfg.Dir }

// Append durably writes e as one JSON line. On success e carries the assigned id, sequence and hash.
func (s *Store) Append(ctx context.Context, e *Entry) error {
	if e == nil {
		return fmt.Errorf("%w: nil entry", ErrInvalidEntry)
	}
	if !e.Level.Valid() {
		return fmt.Errorf("%w: level %q", ErrInvalidEntry, e.Level)
	}
	if e.Action == "" {
		return fmt.Errorf("%w: empty action", ErrInvalidEntry)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	rec, err := s.appendLocked(e)
	s.mu.Unlock()
	if err != nil {
		metrics.AuditAppendFailures.Inc()
		return err
	}

	metrics.AuditAppendsTotal.WithLabelValues(string(rec.Level)).Inc()
	*e = rec
	s.notify(rec)
	return nil
}

func (s *Store) appendLocked(e *Entry) (Entry, error) {
	if s.closed {
		return Entry{}, fmt.Errorf("%w: %w", ErrStorageFailure, ErrClosed)
	}
	if _, err := s.rotateIfNeededLocked(); err != nil {
		return Entry{}, err
	}

	rec := *e
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}
	rec.Timestamp = rec.Timestamp.UTC()
	if rec.Metadata == nil {
		rec.Metadata = map[string]interface{}{}
	}
	rec.Seq = s.seq + 1
	rec.PrevHash = s.lastHash

	canon, err := canonicalize(&rec)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: encode entry: %v", ErrInvalidEntry, err)
	}
	rec = *canon
	line, err := seal(&rec)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: encode entry: %v", ErrInvalidEntry, err)
	}
	line = append(line, '\n')

	n, err := s.file.Write(line)
	if err != nil {
		// Drop a torn record so the file stays line-delimited.
		_ = s.file.Truncate(s.size)
		return Entry{}, fmt.Errorf("%w: write %s: %v", ErrStorageFailure, s.activePath(), err)
	}
	if s.cfg.SyncOnWrite {
		if err := s.file.Sync(); err != nil {
			_ = s.file.Truncate(s.size)
			return Entry{}, fmt.Errorf("%w: sync %s: %v", ErrStorageFailure, s.activePath(), err)
		}
	}

	s.size += int64(n)
	s.seq = rec.Seq
	s.lastHash = rec.Hash
	return rec, nil
}

func (s *Store) notify(e Entry) {
	s.obsMu.RLock()
	observers := s.observers
	s.obsMu.RUnlock()
	for _, o := range observers {
		o(e)
	}
}

// RotateIfNeeded rotates the active file when it reached the size threshold.
func (s *Store) RotateIfNeeded(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, fmt.Errorf("%w: %w", ErrStorageFailure, ErrClosed)
	}
	return s.rotateIfNeededLocked()
}

// Rotate archives the active file regardless of its size. An empty active file is left in place.
func (s *Store) Rotate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: %w", ErrStorageFailure, ErrClosed)
	}
	return s.rotateLocked()
}

func (s *Store) rotateIfNeededLocked() (bool, error) {
	if s.cfg.MaxSizeBytes <= 0 || s.size < s.cfg.MaxSizeBytes {
		return false, nil
	}
	if err := s.rotateLocked(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) rotateLocked() error {
	if s.size == 0 {
		return nil
	}

	ts := s.now().UTC()
	if !ts.After(s.lastArchive) {
		ts = s.lastArchive.Add(time.Nanosecond)
	}
	archivePath := s.activePath() + "." + ts.Format(archiveLayout)

	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync before rotate: %v", ErrStorageFailure, err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("%w: close before rotate: %v", ErrStorageFailure, err)
	}
	if err := os.Rename(s.activePath(), archivePath); err != nil {
		// Keep appending to the old file rather than losing the handle.
		if reopenErr := s.openActive(); reopenErr != nil {
			return fmt.Errorf("%w: rotate: %v (reopen: %v)", ErrStorageFailure, err, reopenErr)
		}
		return fmt.Errorf("%w: rotate: %v", ErrStorageFailure, err)
	}
	s.lastArchive = ts

	if err := s.openActive(); err != nil {
		return err
	}

	metrics.AuditRotationsTotal.Inc()
	s.logger.Info("rotated audit log",
		zap.String("archive", archivePath),
		zap.Uint64("last_seq", s.seq),
	)
	return nil
}

// PruneExpired deletes archives older than the retention window. The active file is never pruned.
func (s *Store) PruneExpired(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.Retention <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.cfg.Retention)

	archives, err := s.listArchives()
	if err != nil {
		return 0, fmt.Errorf("%w: list archives: %v", ErrStorageFailure, err)
	}

	var errs []error
	removed := 0
	for _, a := range archives {
		info, err := os.Stat(a.path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(a.path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
			continue
		}
		removed++
		s.logger.Info("removed expired audit archive", zap.String("file", a.path))
	}

	metrics.AuditPrunedFilesTotal.Add(float64(removed))
	if len(errs) > 0 {
		return removed, fmt.Errorf("%w: prune: %v", ErrStorageFailure, errors.Join(errs...))
	}
	return removed, nil
}

// RunRetention prunes expired archives every interval until ctx is cancelled.
func (s *Store) RunRetention(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.PruneExpired(ctx)
			if err != nil {
				s.logger.Error("audit retention failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Info("audit retention pass", zap.Int("removed", n))
			}
		}
	}
}

// Close flushes and closes the active file
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.file.Sync(); err != nil {
		_ = s.file.Close()
		return fmt.Errorf("%w: sync: %v", ErrStorageFailure, err)
	}
	return s.file.Close()
}

// ─── Read path ────────────────────────────────────────────────────────────────

type archive struct {
	path string
	ts   time.Time
}

// listArchives returns archives sorted oldest first
func (s *Store) listArchives() ([]archive, error) {
	dirEntries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	prefix := s.cfg.FileName + "."
	var out []archive
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasPrefix(de.Name(), prefix) {
			continue
		}
		ts, err := time.Parse(archiveLayout, strings.TrimPrefix(de.Name(), prefix))
		if err != nil {
			continue
		}
		out = append(out, archive{path: filepath.Join(s.cfg.Dir, de.Name()), ts: ts})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ts.Before(out[j].ts) })
	return out, nil
}

// segment is one file of the log as seen by a reader
type segment struct {
	path  string
	limit int64 // bytes to read; -1 reads to EOF
	file  *os.File
}

// snapshot captures the files to read, newest first. The active file is opened while holding
// the lock so a concurrent rotation cannot hide its content, and it is read only up to the size
// observed here so an in-flight append is never seen half written.
func (s *Store) snapshot() ([]segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	archives, err := s.listArchives()
	if err != nil {
		return nil, err
	}

	segs := make([]segment, 0, len(archives)+1)
	active, err := os.Open(s.activePath())
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if active != nil {
		segs = append(segs, segment{path: s.activePath(), limit: s.size, file: active})
	}
	for i := len(archives) - 1; i >= 0; i-- {
		segs = append(segs, segment{path: archives[i].path, limit: -1})
	}
	return segs, nil
}

func closeSegments(segs []segment) {
	for _, seg := range segs {
		if seg.file != nil {
			_ = seg.file.Close()
		}
	}
}

// readSegment calls fn for every decodable record of seg in file order.
func (s *Store) readSegment(seg segment, fn func(*Entry) error) error {
	f := seg.file
	if f == nil {
		opened, err := os.Open(seg.path)
		if err != nil {
			if os.IsNotExist(err) {
				// Pruned after the snapshot.
				return nil
			}
			return err
		}
		defer opened.Close()
		f = opened
	}

	var r io.Reader = f
	if seg.limit >= 0 {
		r = io.LimitReader(f, seg.limit)
	}
	br := bufio.NewReaderSize(r, 64*1024)

	for {
		line, err := br.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			e, decErr := decodeEntry(bytes.TrimSpace(line))
			if decErr != nil {
				s.logger.Warn("skipping unreadable audit record", zap.String("file", seg.path), zap.Error(decErr))
			} else if cbErr := fn(e); cbErr != nil {
				return cbErr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Search returns entries matching f, newest first, capped at f.Limit when positive.
func (s *Store) Search(ctx context.Context, f Filter) ([]Entry, error) {
	segs, err := s.snapshot()
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot: %v", ErrStorageFailure, err)
	}
	defer closeSegments(segs)

	var results []Entry
	for _, seg := range segs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var matched []Entry
		var newest time.Time
		err := s.readSegment(seg, func(e *Entry) error {
			if e.Timestamp.After(newest) {
				newest = e.Timestamp
			}
			if f.Matches(e) {
				matched = append(matched, *e)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrStorageFailure, seg.path, err)
		}

		for i := len(matched) - 1; i >= 0; i-- {
			results = append(results, matched[i])
		}
		if f.Limit > 0 && len(results) >= f.Limit {
			break
		}
		// Older files cannot contain anything inside the range.
		if !f.Since.IsZero() && !newest.IsZero() && newest.Before(f.Since) {
			break
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Timestamp.Equal(results[j].Timestamp) {
			return results[i].Seq > results[j].Seq
		}
		return results[i].Timestamp.After(results[j].Timestamp)
	})
	if f.Limit > 0 && len(results) > f.Limit {
		results = results[:f.Limit]
	}
	return results, nil
}

// Stats scans the whole log and summarises it
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	segs, err := s.snapshot()
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot: %v", ErrStorageFailure, err)
	}
	defer closeSegments(segs)

	st := &Stats{
		ByLevel:  make(map[Level]int),
		ByAction: make(map[string]int),
	}
	for _, seg := range segs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if info, err := os.Stat(seg.path); err == nil {
			st.Files++
			st.Bytes += info.Size()
		}
		err := s.readSegment(seg, func(e *Entry) error {
			st.TotalEntries++
			st.ByLevel[e.Level]++
			st.ByAction[e.Action]++
			ts := e.Timestamp
			if st.Oldest == nil || ts.Before(*st.Oldest) {
				st.Oldest = &ts
			}
			if st.Newest == nil || ts.After(*st.Newest) {
				st.Newest = &ts
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrStorageFailure, seg.path, err)
		}
	}
	return st, nil
}

// Verify walks every record oldest first and checks hashes and chain links.
// The first remaining record anchors the chain, since retention may have removed its predecessors.
func (s *Store) Verify(ctx context.Context) (*VerifyReport, error) {
	segs, err := s.snapshot()
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot: %v", ErrStorageFailure, err)
	}
	defer closeSegments(segs)

	report := &VerifyReport{Valid: true}
	var prev *Entry
	errBroken := errors.New("broken chain")

	for i := len(segs) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		seg := segs[i]
		report.Files++

		err := s.readSegment(seg, func(e *Entry) error {
			report.Entries++
			reason := ""
			switch {
			case !hashValid(e):
				reason = "hash mismatch"
			case prev != nil && e.PrevHash != prev.Hash:
				reason = "prev_hash does not match preceding record"
			case prev != nil && e.Seq != prev.Seq+1:
				reason = fmt.Sprintf("sequence gap after %d", prev.Seq)
			}
			if reason != "" {
				report.Valid = false
				report.BrokenAt = e.Seq
				report.File = seg.path
				report.Reason = reason
				return errBroken
			}
			prev = e
			return nil
		})
		if errors.Is(err, errBroken) {
			return report, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrStorageFailure, seg.path, err)
		}
	}
	return report, nil
}

// ─── Encoding ─────────────────────────────────────────────────────────────────

// canonicalize round-trips e through its stored encoding, so the hashed bytes are exactly what a
// reader re-encodes after decoding: struct metadata becomes a map with sorted keys and invalid
// UTF-8 becomes U+FFFD.
func canonicalize(e *Entry) (*Entry, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return decodeEntry(body)
}

// seal computes e.Hash and returns the serialized record.
func seal(e *Entry) ([]byte, error) {
	e.Hash = ""
	body, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(body)
	e.Hash = hex.EncodeToString(sum[:])
	return json.Marshal(e)
}

func hashValid(e *Entry) bool {
	c := *e
	want := c.Hash
	c.Hash = ""
	body, err := json.Marshal(&c)
	if err != nil {
		return false
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]) == want
}

// decodeEntry keeps metadata numbers as json.Number so re-encoding reproduces the hashed bytes.
func decodeEntry(line []byte) (*Entry, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var e Entry
	if err := dec.Decode(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

// readLastLine returns the last complete line of path, and whether the file ends in a torn record.
func readLastLine(path string) ([]byte, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, false, err
	}
	size := info.Size()
	if size == 0 {
		return nil, false, nil
	}

	const chunk = 4096
	var buf []byte
	off := size
	for off > 0 {
		n := int64(chunk)
		if off < n {
			n = off
		}
		off -= n
		b := make([]byte, n)
		if _, err := f.ReadAt(b, off); err != nil && err != io.EOF {
			return nil, false, err
		}
		buf = append(b, buf...)

		torn := buf[len(buf)-1] != '\n'
		trimmed := bytes.TrimRight(buf, "\n")
		if torn {
			// Skip the partial record and return the complete line before it.
			i := bytes.LastIndexByte(trimmed, '\n')
			if i < 0 {
				if off == 0 {
					return nil, true, nil
				}
				continue
			}
			trimmed = trimmed[:i]
		}
		if i := bytes.LastIndexByte(trimmed, '\n'); i >= 0 {
			return trimmed[i+1:], torn, nil
		}
		if off == 0 {
			return trimmed, torn, nil
		}
	}
	return nil, false, nil
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
