// Package store is the checksummed, single-writer state store every process
// in the platform coordinates through. Documents are JSON files under one
// trusted root; writes are temp-file-plus-rename atomic with an embedded
// content checksum, reads verify the checksum and fall back to a single
// rolling backup, then to the last known good in-memory copy.
//
// The single-writer policy is advisory: each logical file has one designated
// writer role, and a store constructed under a different role silently skips
// writes to it. Nothing at the OS level enforces this; if two processes both
// claim the role, last write wins and racing readers may see either version.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantops/guardian/internal/paths"
)

var (
	// ErrNoData means no readable copy of the document exists at any tier.
	ErrNoData = errors.New("no data available")

	// ErrWriteContention means the rename retry budget was exhausted.
	ErrWriteContention = errors.New("write contention: retries exhausted")

	errChecksumMismatch = errors.New("checksum mismatch")
)

// Metadata keys embedded in persisted documents. Keys with the "_" prefix
// are excluded from checksum computation.
const (
	checksumKey   = "_checksum"
	writeStartKey = "_write_start_ts"
	writerRoleKey = "_writer_role"
)

const (
	writeRetries  = 8
	writeBaseWait = 30 * time.Millisecond
	writeMaxWait  = 250 * time.Millisecond

	readRetries     = 5
	readMinWait     = 20 * time.Millisecond
	readWaitSpread  = 20 * time.Millisecond
	backupExtension = ".prev"
)

// WriterMetrics reports the store's write activity for the health
// aggregator's writer-stall check.
type WriterMetrics struct {
	LastWriteTS  float64 `json:"last_write_ts"`
	BytesWritten int64   `json:"bytes_written"`
	WriteCount   int64   `json:"write_count"`
	StallSec     float64 `json:"stall_sec"`
}

type lastGood struct {
	doc     map[string]any
	readAt  time.Time
	freshBy time.Duration
}

// Options configures a Store.
type Options struct {
	// Role is the writer role this process runs under (e.g. "feeder",
	// "trader", "monitor"). Writes to files designated to another role are
	// skipped.
	Role string

	// WriterRoles maps relative paths to their designated writer role.
	// Files not listed accept writes from any role.
	WriterRoles map[string]string

	// LastGoodTTL bounds how stale the in-memory fallback copy may be
	// before a failed read degrades to ErrNoData. Defaults to 60s.
	LastGoodTTL time.Duration
}

// Store reads and writes JSON documents under a trusted root.
type Store struct {
	root *paths.Root
	opts Options

	mu       sync.Mutex
	lastGood map[string]lastGood
	metrics  WriterMetrics
}

// New creates a store bound to root.
func New(root *paths.Root, opts Options) *Store {
	if opts.LastGoodTTL <= 0 {
		opts.LastGoodTTL = 60 * time.Second
	}
	return &Store{
		root:     root,
		opts:     opts,
		lastGood: make(map[string]lastGood),
	}
}

// Root returns the trust boundary this store operates under.
func (s *Store) Root() *paths.Root {
	return s.root
}

// WriteJSON atomically persists doc at rel with an embedded content
// checksum. Writes by a non-designated role are skipped and return nil.
func (s *Store) WriteJSON(rel string, doc any) error {
	if !s.mayWrite(rel) {
		log.Debug().
			Str("path", rel).
			Str("role", s.opts.Role).
			Msg("write skipped: not the designated writer")
		return nil
	}

	target, err := s.root.Resolve(rel)
	if err != nil {
		return err
	}

	m, err := toDocumentMap(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", rel, err)
	}

	m[checksumKey] = Checksum(m)
	m[writeStartKey] = float64(time.Now().UnixNano()) / 1e9
	if s.opts.Role != "" {
		m[writerRoleKey] = s.opts.Role
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", rel, err)
	}

	if err := s.atomicReplace(target, data); err != nil {
		return err
	}

	s.mu.Lock()
	s.metrics.LastWriteTS = float64(time.Now().UnixNano()) / 1e9
	s.metrics.BytesWritten += int64(len(data))
	s.metrics.WriteCount++
	s.lastGood[rel] = lastGood{doc: m, readAt: time.Now(), freshBy: s.opts.LastGoodTTL}
	s.mu.Unlock()

	return nil
}

// ReadJSON loads the document at rel into out, verifying its checksum.
// On a corrupt primary it falls back to the rolling backup, then to the
// last known good in-memory copy while that copy is within its TTL.
func (s *Store) ReadJSON(rel string, out any) error {
	target, err := s.root.Resolve(rel)
	if err != nil {
		return err
	}

	m, err := s.readVerified(target)
	if err != nil {
		backup, berr := s.readVerified(target + backupExtension)
		if berr == nil {
			log.Warn().Str("path", rel).Msg("primary copy corrupt, served backup")
			m = backup
		} else if cached, ok := s.cachedCopy(rel); ok {
			log.Warn().Str("path", rel).Msg("disk copies unreadable, served in-memory copy")
			m = cached
		} else {
			return fmt.Errorf("read %s: %w", rel, ErrNoData)
		}
	}

	s.mu.Lock()
	s.lastGood[rel] = lastGood{doc: m, readAt: time.Now(), freshBy: s.opts.LastGoodTTL}
	s.mu.Unlock()

	return fromDocumentMap(m, out)
}

// AppendNDJSON appends doc as one JSON line to rel, fsynced. Append-only
// logs skip the temp-rename dance; a torn line is skipped by readers.
func (s *Store) AppendNDJSON(rel string, doc any) error {
	target, err := s.root.Resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", rel, err)
	}

	f, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// ReadNDJSON returns up to maxLines most recent decoded lines from rel.
// Lines that fail to decode are skipped. A missing file yields an empty
// slice, not an error.
func (s *Store) ReadNDJSON(rel string, maxLines int) ([]json.RawMessage, error) {
	target, err := s.root.Resolve(rel)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(target)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []json.RawMessage
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !json.Valid([]byte(line)) {
			continue
		}
		out = append(out, json.RawMessage(line))
	}
	if maxLines > 0 && len(out) > maxLines {
		out = out[len(out)-maxLines:]
	}
	return out, nil
}

// AppendLine appends a plain text line to rel (relay logs).
func (s *Store) AppendLine(rel, line string) error {
	target, err := s.root.Resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	f, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.WriteString(line + "\n")
	return err
}

// Metrics returns a snapshot of the writer metrics with StallSec computed
// against the current time.
func (s *Store) Metrics() WriterMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.metrics
	if m.LastWriteTS > 0 {
		m.StallSec = float64(time.Now().UnixNano())/1e9 - m.LastWriteTS
	}
	return m
}

func (s *Store) mayWrite(rel string) bool {
	designated, ok := s.opts.WriterRoles[rel]
	if !ok || designated == "" {
		return true
	}
	return designated == s.opts.Role
}

func (s *Store) cachedCopy(rel string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lg, ok := s.lastGood[rel]
	if !ok || time.Since(lg.readAt) > lg.freshBy {
		return nil, false
	}
	return lg.doc, true
}

// readVerified reads and checksum-validates one file, retrying transient
// failures to ride out a writer's rename window.
func (s *Store) readVerified(target string) (map[string]any, error) {
	var lastErr error

	for attempt := 0; attempt < readRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(readMinWait + time.Duration(rand.Int63n(int64(readWaitSpread))))
		}

		data, err := os.ReadFile(target)
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoData
		}
		if err != nil {
			lastErr = err
			continue
		}

		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			// Possibly a torn read inside the rename window.
			lastErr = err
			continue
		}

		stored, _ := m[checksumKey].(string)
		if stored != "" && stored != Checksum(m) {
			return nil, errChecksumMismatch
		}
		return m, nil
	}

	return nil, lastErr
}

// atomicReplace writes data to a uniquely named temp file, fsyncs it, keeps
// the previous version as the rolling backup and renames over the target.
// Rename contention is retried with jittered exponential backoff.
func (s *Store) atomicReplace(target string, data []byte) error {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	stem := strings.TrimSuffix(filepath.Base(target), filepath.Ext(target))

	var lastErr error
	for attempt := 0; attempt < writeRetries; attempt++ {
		if attempt > 0 {
			wait := writeBaseWait << (attempt - 1)
			if wait > writeMaxWait {
				wait = writeMaxWait
			}
			time.Sleep(wait + time.Duration(rand.Int63n(int64(wait)/3+1)))
		}

		tmp := filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", stem, uuid.NewString()[:8]))
		if err := writeFileSync(tmp, data); err != nil {
			lastErr = err
			continue
		}

		if _, err := os.Stat(target); err == nil {
			// Best effort: a failed backup copy never blocks the write.
			if err := copyFile(target, target+backupExtension); err != nil {
				log.Debug().Err(err).Str("path", target).Msg("backup copy failed")
			}
		}

		if err := os.Rename(tmp, target); err != nil {
			_ = os.Remove(tmp)
			lastErr = err
			continue
		}
		return nil
	}

	return fmt.Errorf("%w: %s: %v", ErrWriteContention, target, lastErr)
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(path)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(path)
		return err
	}
	return f.Close()
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

// Checksum computes the content checksum over the canonicalized document,
// excluding metadata keys. encoding/json sorts map keys, which gives the
// stable field ordering the checksum depends on.
func Checksum(m map[string]any) string {
	clean := make(map[string]any, len(m))
	for k, v := range m {
		if strings.HasPrefix(k, "_") {
			continue
		}
		clean[k] = v
	}

	data, err := json.Marshal(clean)
	if err != nil {
		return ""
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func toDocumentMap(doc any) (map[string]any, error) {
	if m, ok := doc.(map[string]any); ok {
		cp := make(map[string]any, len(m))
		for k, v := range m {
			cp[k] = v
		}
		return cp, nil
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("document must encode to a JSON object: %w", err)
	}
	return m, nil
}

func fromDocumentMap(m map[string]any, out any) error {
	clean := make(map[string]any, len(m))
	for k, v := range m {
		if strings.HasPrefix(k, "_") {
			continue
		}
		clean[k] = v
	}

	data, err := json.Marshal(clean)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
