// A single-node directory store: records live in memory and every change is
// appended to a write-ahead log before it is applied. Checkpoint folds the log
// into a snapshot file.
package walstore

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/eyeKill/graindir/common"
	"github.com/eyeKill/graindir/directory"
	"go.uber.org/zap"
)

const (
	LOG_FILENAME                  = "directory.log"
	SNAPSHOT_FILENAME             = "snapshot.json"
	SNAPSHOT_TMP_FILENAME_PATTERN = "snapshot.*.json"

	DEFAULT_MAX_BATCH_SIZE     = 256
	DEFAULT_CHECKPOINT_ENTRIES = 10000

	opPut = "put"
	opDel = "del"
)

type Store struct {
	rwLock          sync.RWMutex
	records         map[common.GrainId]common.GrainAddress
	path            string
	logFile         *os.File
	// length of the log up to its last complete line
	logSize         int64
	entries         int
	checkpointEvery int
	maxBatch        int
	log             *zap.Logger
}

var _ directory.Store = (*Store)(nil)

type Option func(*Store)

func WithMaxBatchSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxBatch = n
		}
	}
}

// WithCheckpointEvery checkpoints automatically once n entries were logged. Zero disables it.
func WithCheckpointEvery(n int) Option {
	return func(s *Store) { s.checkpointEvery = n }
}

// Open recovers the store kept under dir, creating it if needed.
func Open(dir string, opts ...Option) (*Store, error) {
	s := &Store{
		records:         make(map[common.GrainId]common.GrainAddress),
		path:            dir,
		checkpointEvery: DEFAULT_CHECKPOINT_ENTRIES,
		maxBatch:        DEFAULT_MAX_BATCH_SIZE,
		log:             common.Log().Named("walstore"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	if err := s.loadSnapshot(); err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	logFile, err := os.OpenFile(path.Join(dir, LOG_FILENAME), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	if err := s.replay(logFile); err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("failed to replay log: %w", err)
	}
	s.logFile = logFile
	s.log.Info("Recovered directory.", zap.String("path", dir),
		zap.Int("records", len(s.records)), zap.Int("logEntries", s.entries))
	return s, nil
}

func (s *Store) loadSnapshot() error {
	b, err := os.ReadFile(path.Join(s.path, SNAPSHOT_FILENAME))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var records []common.GrainAddress
	if err := json.Unmarshal(b, &records); err != nil {
		return err
	}
	for _, r := range records {
		s.records[r.GrainId] = r
	}
	return nil
}

// replay applies every valid log line. Replaying entries already folded into
// the snapshot is harmless since the last entry per grain wins. A trailing
// line without its newline was torn by a crash and is cut off, so the next
// append starts on a fresh line.
func (s *Store) replay(f *os.File) error {
	reader := bufio.NewReader(f)
	var offset int64
	for {
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			if line != "" {
				s.log.Warn("Truncating torn log tail.", zap.Int64("offset", offset), zap.Int("bytes", len(line)))
				if err := f.Truncate(offset); err != nil {
					return err
				}
			}
			break
		}
		if err != nil {
			return err
		}
		offset += int64(len(line))
		s.apply(strings.TrimSuffix(line, "\n"))
	}
	s.logSize = offset
	return nil
}

func (s *Store) apply(line string) {
	if line == "" {
		return
	}
	op, payload, ok := strings.Cut(line, " ")
	if !ok {
		s.log.Error("Invalid log line encountered, skipping.", zap.String("line", line))
		return
	}
	switch op {
	case opPut:
		var addr common.GrainAddress
		if err := json.Unmarshal([]byte(payload), &addr); err != nil {
			s.log.Error("Invalid log line encountered, skipping.", zap.String("line", line), zap.Error(err))
			return
		}
		s.records[addr.GrainId] = addr
	case opDel:
		var grain common.GrainId
		if err := json.Unmarshal([]byte(payload), &grain); err != nil {
			s.log.Error("Invalid log line encountered, skipping.", zap.String("line", line), zap.Error(err))
			return
		}
		delete(s.records, grain)
	default:
		s.log.Error("Invalid log line encountered, skipping.", zap.String("line", line))
		return
	}
	s.entries++
}

func entry(op string, v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return op + " " + string(b) + "\n", nil
}

// writeLog makes entries durable. On failure the log is cut back to its
// previous length so a partial write never replays. Caller holds the write lock.
func (s *Store) writeLog(entries ...string) error {
	if len(entries) == 0 {
		return nil
	}
	data := strings.Join(entries, "")
	_, err := s.logFile.WriteString(data)
	if err == nil {
		err = s.logFile.Sync()
	}
	if err != nil {
		if terr := s.logFile.Truncate(s.logSize); terr != nil {
			s.log.Error("Failed to cut back log after failed write.", zap.Error(terr))
		}
		return err
	}
	s.logSize += int64(len(data))
	s.entries += len(entries)
	return nil
}

// maybeCheckpoint runs after a successful mutation. Caller holds the write lock.
func (s *Store) maybeCheckpoint() {
	if s.checkpointEvery <= 0 || s.entries < s.checkpointEvery {
		return
	}
	if err := s.checkpoint(); err != nil {
		s.log.Warn("Failed to checkpoint.", zap.Error(err))
	}
}

func (s *Store) TryInsert(ctx context.Context, address common.GrainAddress) (bool, common.GrainAddress, error) {
	if err := common.ContextError("walstore insert", ctx); err != nil {
		return false, common.GrainAddress{}, err
	}
	line, err := entry(opPut, address)
	if err != nil {
		return false, common.GrainAddress{}, err
	}
	s.rwLock.Lock()
	defer s.rwLock.Unlock()
	if winner, ok := s.records[address.GrainId]; ok {
		return false, winner, nil
	}
	if err := s.writeLog(line); err != nil {
		return false, common.GrainAddress{}, fmt.Errorf("failed to log insert of %s: %w", address.GrainId, err)
	}
	s.records[address.GrainId] = address
	s.maybeCheckpoint()
	return true, address, nil
}

func (s *Store) Lookup(ctx context.Context, grain common.GrainId) (common.GrainAddress, bool, error) {
	if err := common.ContextError("walstore lookup", ctx); err != nil {
		return common.GrainAddress{}, false, err
	}
	s.rwLock.RLock()
	defer s.rwLock.RUnlock()
	addr, ok := s.records[grain]
	return addr, ok, nil
}

// deleteWhere logs and removes the stored records whose activation equals the
// candidate's. Caller holds the write lock.
func (s *Store) deleteWhere(candidates []common.GrainAddress) (int, error) {
	var (
		lines  []string
		grains []common.GrainId
		seen   = make(map[common.GrainId]bool, len(candidates))
	)
	for _, c := range candidates {
		cur, ok := s.records[c.GrainId]
		if !ok || seen[c.GrainId] || cur.ActivationId != c.ActivationId {
			continue
		}
		seen[c.GrainId] = true
		line, err := entry(opDel, c.GrainId)
		if err != nil {
			return 0, err
		}
		lines = append(lines, line)
		grains = append(grains, c.GrainId)
	}
	if err := s.writeLog(lines...); err != nil {
		return 0, fmt.Errorf("failed to log delete: %w", err)
	}
	for _, g := range grains {
		delete(s.records, g)
	}
	if len(grains) > 0 {
		s.maybeCheckpoint()
	}
	return len(grains), nil
}

func (s *Store) CompareAndDelete(ctx context.Context, address common.GrainAddress) (bool, error) {
	if err := common.ContextError("walstore delete", ctx); err != nil {
		return false, err
	}
	s.rwLock.Lock()
	defer s.rwLock.Unlock()
	n, err := s.deleteWhere([]common.GrainAddress{address})
	return n == 1, err
}

// DeleteMany logs the whole batch with a single sync.
func (s *Store) DeleteMany(ctx context.Context, addresses []common.GrainAddress) error {
	if err := common.ContextError("walstore delete many", ctx); err != nil {
		return err
	}
	s.rwLock.Lock()
	defer s.rwLock.Unlock()
	_, err := s.deleteWhere(addresses)
	return err
}

func (s *Store) DeleteBySilo(ctx context.Context, silo common.SiloAddress) error {
	if err := common.ContextError("walstore delete by silo", ctx); err != nil {
		return err
	}
	s.rwLock.Lock()
	defer s.rwLock.Unlock()
	var hosted []common.GrainAddress
	for _, addr := range s.records {
		if addr.SiloAddress == silo {
			hosted = append(hosted, addr)
		}
	}
	n, err := s.deleteWhere(hosted)
	if n > 0 {
		s.log.Info("Removed records of dead silo.", zap.Stringer("silo", silo), zap.Int("count", n))
	}
	return err
}

func (s *Store) MaxBatchSize() int {
	return s.maxBatch
}

func (s *Store) SiloCleanupPolicy() directory.SiloCleanupPolicy {
	return directory.EagerCleanup
}

// Checkpoint writes all records to the snapshot file and truncates the log.
func (s *Store) Checkpoint() error {
	s.rwLock.Lock()
	defer s.rwLock.Unlock()
	return s.checkpoint()
}

func (s *Store) checkpoint() error {
	records := make([]common.GrainAddress, 0, len(s.records))
	for _, r := range s.records {
		records = append(records, r)
	}
	b, err := json.Marshal(records)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.path, SNAPSHOT_TMP_FILENAME_PATTERN)
	if err != nil {
		return err
	}
	_, err = tmp.Write(b)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	// the snapshot must be in place before the log it replaces is dropped
	if err := os.Rename(tmp.Name(), path.Join(s.path, SNAPSHOT_FILENAME)); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := syncDir(s.path); err != nil {
		return err
	}
	if err := s.logFile.Truncate(0); err != nil {
		return err
	}
	s.logSize = 0
	s.entries = 0
	s.log.Debug("Checkpointed.", zap.Int("records", len(records)))
	return nil
}

// syncDir makes a rename inside dir durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	err = d.Sync()
	if cerr := d.Close(); err == nil {
		err = cerr
	}
	return err
}

// Len returns the number of records currently stored.
func (s *Store) Len() int {
	s.rwLock.RLock()
	defer s.rwLock.RUnlock()
	return len(s.records)
}

func (s *Store) Close() error {
	s.rwLock.Lock()
	defer s.rwLock.Unlock()
	return s.logFile.Close()
}
