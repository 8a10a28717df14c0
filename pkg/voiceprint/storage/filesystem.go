package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/RyanBlaney/latency-benchmark-common/logging"
	"github.com/gofrs/flock"

	"github.com/RyanBlaney/voiceprint-verify/pkg/voiceprint/common"
)

const (
	userPrefix      = "user_"
	samplesSuffix   = "_samples"
	samplePrefix    = "sample_"
	blobExt         = ".bin"
	lockExt         = ".lock"
	tempPrefix      = ".tmp-"
	trashPrefix     = ".trash-"
	dirPermissions  = 0o755
	filePermissions = 0o644

	// lockRetryDelay is the polling interval while waiting on a user lock file
	lockRetryDelay = 10 * time.Millisecond

	// staleTempAge is the age after which an unpublished temp file is treated
	// as left behind by a crashed writer
	staleTempAge = 10 * time.Minute
)

// FileSystem stores blobs on local disk:
//
//	<root>/user_<id>_samples/sample_<index>.bin
//	<root>/user_<id>_voiceprint.bin
//	<root>/user_<id>.lock
//
// Every write goes to a temp file in the destination directory, is synced,
// then renamed over the target, so readers see either the old or the new
// blob. Stage/Clear take the user's exclusive lock and Count/LoadAll the
// shared lock, giving aggregation a consistent snapshot of staged samples.
// Those locks are in-process only; LockUser provides the per-user lock file
// shared with other processes using the same directory.
type FileSystem struct {
	root   string
	codec  *Codec
	locks  *KeyedLocker
	logger logging.Logger
}

// NewFileSystem creates a filesystem store rooted at dir
func NewFileSystem(dir string, codec *Codec, logger logging.Logger) (*FileSystem, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage directory is required")
	}
	if codec == nil {
		codec = NewCodec(false)
	}
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage directory: %w", err)
	}
	if err := os.MkdirAll(abs, dirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	s := &FileSystem{
		root:  abs,
		codec: codec,
		locks: NewKeyedLocker(),
		logger: logger.WithFields(logging.Fields{
			"component": "filesystem_store",
			"root":      abs,
		}),
	}
	s.sweep(time.Now().Add(-staleTempAge))
	return s, nil
}

func (s *FileSystem) samplesDir(escaped string) string {
	return filepath.Join(s.root, userPrefix+escaped+samplesSuffix)
}

func (s *FileSystem) voiceprintPath(escaped string) string {
	return filepath.Join(s.root, userPrefix+escaped+"_voiceprint"+blobExt)
}

func (s *FileSystem) lockPath(escaped string) string {
	return filepath.Join(s.root, userPrefix+escaped+lockExt)
}

// LockUser blocks until the user's lock file is held, shared or exclusive,
// and returns the release func. The lock file is never removed.
func (s *FileSystem) LockUser(ctx context.Context, userID string, exclusive bool) (func(), error) {
	escaped, err := escapeUserID(userID)
	if err != nil {
		return nil, err
	}

	fl := flock.New(s.lockPath(escaped), flock.SetPermissions(filePermissions))
	var locked bool
	if exclusive {
		locked, err = fl.TryLockContext(ctx, lockRetryDelay)
	} else {
		locked, err = fl.TryRLockContext(ctx, lockRetryDelay)
	}
	if err != nil || !locked {
		fl.Close()
		if err == nil {
			err = ctx.Err()
		}
		return nil, common.NewStorageFault(userID, "failed to lock user", err)
	}

	return func() {
		if err := fl.Unlock(); err != nil {
			s.logger.Warn("Failed to release user lock", logging.Fields{
				"user_id": userID,
				"error":   err.Error(),
			})
		}
	}, nil
}

// sweep removes trash left by interrupted clears and temp files older than
// cutoff left by interrupted writes. Younger temp files may belong to a
// write still running in another process.
func (s *FileSystem) sweep(cutoff time.Time) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		s.logger.Warn("Failed to scan storage directory", logging.Fields{
			"error": err.Error(),
		})
		return
	}

	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		path := filepath.Join(s.root, name)

		switch {
		case strings.HasPrefix(name, trashPrefix):
			if s.removeLeftover(path) {
				removed++
			}
		case strings.HasPrefix(name, tempPrefix):
			if isStale(entry, cutoff) && s.removeLeftover(path) {
				removed++
			}
		case entry.IsDir() && strings.HasPrefix(name, userPrefix) && strings.HasSuffix(name, samplesSuffix):
			removed += s.sweepTemps(path, cutoff)
		}
	}

	if removed > 0 {
		s.logger.Warn("Removed leftovers from interrupted writes", logging.Fields{
			"count": removed,
		})
	}
}

func (s *FileSystem) sweepTemps(dir string, cutoff time.Time) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	removed := 0
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), tempPrefix) && isStale(entry, cutoff) &&
			s.removeLeftover(filepath.Join(dir, entry.Name())) {
			removed++
		}
	}
	return removed
}

func (s *FileSystem) removeLeftover(path string) bool {
	if err := os.RemoveAll(path); err != nil {
		s.logger.Warn("Failed to remove leftover", logging.Fields{
			"path":  path,
			"error": err.Error(),
		})
		return false
	}
	return true
}

func isStale(entry fs.DirEntry, cutoff time.Time) bool {
	info, err := entry.Info()
	if err != nil {
		return false
	}
	return info.ModTime().Before(cutoff)
}

// Stage persists one sample atomically
func (s *FileSystem) Stage(_ context.Context, userID string, sample *common.Sample) error {
	escaped, err := escapeUserID(userID)
	if err != nil {
		return err
	}
	if err := validateSample(userID, sample); err != nil {
		return err
	}

	data, err := s.codec.Encode(sample)
	if err != nil {
		return common.NewStorageFault(userID, "failed to encode sample", err)
	}

	unlock := s.locks.Lock(escaped)
	defer unlock()

	dir := s.samplesDir(escaped)
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return common.NewStorageFault(userID, "failed to create staging area", err)
	}

	name := samplePrefix + strconv.Itoa(sample.Index) + blobExt
	if err := writeFileAtomic(dir, name, data); err != nil {
		return common.NewStorageFault(userID, "failed to write sample", err)
	}

	s.logger.Debug("Staged sample", logging.Fields{
		"user_id":      userID,
		"sample_index": sample.Index,
		"bytes":        len(data),
	})
	return nil
}

// Count returns the number of staged samples
func (s *FileSystem) Count(_ context.Context, userID string) (int, error) {
	escaped, err := escapeUserID(userID)
	if err != nil {
		return 0, err
	}

	unlock := s.locks.RLock(escaped)
	defer unlock()

	names, err := s.sampleFiles(escaped)
	if err != nil {
		return 0, common.NewStorageFault(userID, "failed to list samples", err)
	}
	return len(names), nil
}

// LoadAll reads and decodes every staged sample
func (s *FileSystem) LoadAll(_ context.Context, userID string) ([]*common.Sample, error) {
	escaped, err := escapeUserID(userID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.RLock(escaped)
	defer unlock()

	names, err := s.sampleFiles(escaped)
	if err != nil {
		return nil, common.NewStorageFault(userID, "failed to list samples", err)
	}

	dir := s.samplesDir(escaped)
	samples := make([]*common.Sample, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, common.NewStorageFault(userID, "failed to read sample "+name, err)
		}
		var sample common.Sample
		if err := s.codec.Decode(data, &sample); err != nil {
			return nil, common.NewStorageFault(userID, "failed to decode sample "+name, err)
		}
		samples = append(samples, &sample)
	}

	sort.Slice(samples, func(i, j int) bool { return samples[i].Index < samples[j].Index })
	return samples, nil
}

// Clear removes the staging area. The directory is first renamed out of the
// way so concurrent readers never see a half-deleted set of samples.
func (s *FileSystem) Clear(_ context.Context, userID string) error {
	escaped, err := escapeUserID(userID)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(escaped)
	defer unlock()

	dir := s.samplesDir(escaped)
	trash := filepath.Join(s.root, fmt.Sprintf("%s%s%s-%d", trashPrefix, userPrefix, escaped, time.Now().UnixNano()))
	if err := os.Rename(dir, trash); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return common.NewStorageFault(userID, "failed to detach staging area", err)
	}

	if err := os.RemoveAll(trash); err != nil {
		// Samples are already unreachable; leftover trash is only disk usage
		s.logger.Warn("Failed to remove detached staging area", logging.Fields{
			"user_id": userID,
			"path":    trash,
			"error":   err.Error(),
		})
	}
	return nil
}

// sampleFiles lists published sample blobs, ignoring temp files
func (s *FileSystem) sampleFiles(escaped string) ([]string, error) {
	entries, err := os.ReadDir(s.samplesDir(escaped))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := parseSampleName(entry.Name()); ok {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// parseSampleName extracts the index from "sample_<n>.bin"
func parseSampleName(name string) (int, bool) {
	if !strings.HasPrefix(name, samplePrefix) || !strings.HasSuffix(name, blobExt) {
		return 0, false
	}
	idx, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, samplePrefix), blobExt))
	if err != nil || idx < 1 {
		return 0, false
	}
	return idx, true
}

// Exists reports whether a voiceprint is stored for the user
func (s *FileSystem) Exists(_ context.Context, userID string) (bool, error) {
	escaped, err := escapeUserID(userID)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(s.voiceprintPath(escaped))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, common.NewStorageFault(userID, "failed to stat voiceprint", err)
}

// Read loads the voiceprint. The file is opened once and read fully, so a
// concurrent Delete either happens before the open (absent) or after it
// (the unlinked inode is still read in full).
func (s *FileSystem) Read(_ context.Context, userID string) (*common.Voiceprint, error) {
	escaped, err := escapeUserID(userID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.voiceprintPath(escaped))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, common.NewVoiceprintError(common.ErrCodeNoVoiceprint, userID, "no voiceprint enrolled", nil)
		}
		return nil, common.NewStorageFault(userID, "failed to read voiceprint", err)
	}

	var vp common.Voiceprint
	if err := s.codec.Decode(data, &vp); err != nil {
		return nil, common.NewStorageFault(userID, "failed to decode voiceprint", err)
	}
	return &vp, nil
}

// Write publishes the voiceprint with an atomic rename (last writer wins)
func (s *FileSystem) Write(_ context.Context, userID string, vp *common.Voiceprint) error {
	escaped, err := escapeUserID(userID)
	if err != nil {
		return err
	}
	if vp == nil {
		return common.NewVoiceprintError(common.ErrCodeInvalidInput, userID, "voiceprint must not be nil", nil)
	}

	data, err := s.codec.Encode(vp)
	if err != nil {
		return common.NewStorageFault(userID, "failed to encode voiceprint", err)
	}

	path := s.voiceprintPath(escaped)
	if err := writeFileAtomic(filepath.Dir(path), filepath.Base(path), data); err != nil {
		return common.NewStorageFault(userID, "failed to write voiceprint", err)
	}

	s.logger.Debug("Wrote voiceprint", logging.Fields{
		"user_id": userID,
		"bytes":   len(data),
	})
	return nil
}

// Delete removes the voiceprint; missing files are not an error
func (s *FileSystem) Delete(_ context.Context, userID string) error {
	escaped, err := escapeUserID(userID)
	if err != nil {
		return err
	}

	err = os.Remove(s.voiceprintPath(escaped))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return common.NewStorageFault(userID, "failed to delete voiceprint", err)
	}
	return nil
}

// Close is a no-op for the filesystem backend
func (s *FileSystem) Close() error {
	return nil
}

// writeFileAtomic writes data to dir/name through a synced temp file and a
// rename, then syncs the directory so the rename itself is durable
func writeFileAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, tempPrefix+name+"-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, filePermissions); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpPath)
		return err
	}

	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
