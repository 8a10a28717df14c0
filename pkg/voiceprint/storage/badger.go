package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/RyanBlaney/latency-benchmark-common/logging"
	badger "github.com/dgraph-io/badger/v4"

	"github.com/RyanBlaney/voiceprint-verify/pkg/voiceprint/common"
)

// maxConflictRetries bounds retries of an Update that lost an optimistic
// transaction conflict against a concurrent writer for the same user
const maxConflictRetries = 5

// Badger stores blobs in BadgerDB under the keys
//
//	sample:<id>:<index padded to 10 digits>
//	voiceprint:<id>
//
// User ids are escaped, so ':' never appears inside <id> and the sample
// prefix of one user cannot match another's. Every mutation is one
// transaction and every read runs in one snapshot. BadgerDB locks its
// directory on open, so a single process owns the store and no UserLocker
// is needed.
type Badger struct {
	db     *badger.DB
	codec  *Codec
	logger logging.Logger
}

// BadgerOptions configures the BadgerDB store
type BadgerOptions struct {
	// Dir is the directory for BadgerDB data files. Required unless InMemory.
	Dir string

	// InMemory runs BadgerDB without disk persistence
	InMemory bool

	Codec  *Codec
	Logger logging.Logger
}

// NewBadger opens a BadgerDB-backed store
func NewBadger(opts BadgerOptions) (*Badger, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("badger store requires a directory for on-disk mode")
	}
	if opts.Codec == nil {
		opts.Codec = NewCodec(false)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewDefaultLogger()
	}

	logger := opts.Logger.WithFields(logging.Fields{
		"component": "badger_store",
		"dir":       opts.Dir,
		"in_memory": opts.InMemory,
	})

	dir := opts.Dir
	if opts.InMemory {
		dir = ""
	}
	dbOpts := badger.DefaultOptions(dir).
		WithInMemory(opts.InMemory).
		WithLogger(badgerLogger{logger: logger})

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	logger.Debug("Opened badger store")
	return &Badger{db: db, codec: opts.Codec, logger: logger}, nil
}

func sampleKeyPrefix(escaped string) []byte {
	return []byte("sample:" + escaped + ":")
}

func sampleKey(escaped string, index int) []byte {
	return []byte(fmt.Sprintf("sample:%s:%010d", escaped, index))
}

func voiceprintKey(escaped string) []byte {
	return []byte("voiceprint:" + escaped)
}

// update runs fn in a read-write transaction, retrying on conflict
func (b *Badger) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// Stage persists one sample in a single transaction
func (b *Badger) Stage(_ context.Context, userID string, sample *common.Sample) error {
	escaped, err := escapeUserID(userID)
	if err != nil {
		return err
	}
	if err := validateSample(userID, sample); err != nil {
		return err
	}

	data, err := b.codec.Encode(sample)
	if err != nil {
		return common.NewStorageFault(userID, "failed to encode sample", err)
	}

	key := sampleKey(escaped, sample.Index)
	if err := b.update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	}); err != nil {
		return common.NewStorageFault(userID, "failed to write sample", err)
	}

	b.logger.Debug("Staged sample", logging.Fields{
		"user_id":      userID,
		"sample_index": sample.Index,
		"bytes":        len(data),
	})
	return nil
}

// Count returns the number of staged samples using a key-only iteration
func (b *Badger) Count(_ context.Context, userID string) (int, error) {
	escaped, err := escapeUserID(userID)
	if err != nil {
		return 0, err
	}

	prefix := sampleKeyPrefix(escaped)
	count := 0
	err = b.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		iterOpts.PrefetchValues = false
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, common.NewStorageFault(userID, "failed to count samples", err)
	}
	return count, nil
}

// LoadAll decodes every staged sample. Keys are zero-padded so iteration
// order is sample index order.
func (b *Badger) LoadAll(_ context.Context, userID string) ([]*common.Sample, error) {
	escaped, err := escapeUserID(userID)
	if err != nil {
		return nil, err
	}

	prefix := sampleKeyPrefix(escaped)
	var samples []*common.Sample
	err = b.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var sample common.Sample
			if err := b.codec.Decode(val, &sample); err != nil {
				return fmt.Errorf("failed to decode %s: %w", item.Key(), err)
			}
			samples = append(samples, &sample)
		}
		return nil
	})
	if err != nil {
		return nil, common.NewStorageFault(userID, "failed to load samples", err)
	}
	return samples, nil
}

// Clear deletes every staged sample for the user in one transaction
func (b *Badger) Clear(_ context.Context, userID string) error {
	escaped, err := escapeUserID(userID)
	if err != nil {
		return err
	}

	prefix := sampleKeyPrefix(escaped)
	removed := 0
	err = b.update(func(txn *badger.Txn) error {
		var keys [][]byte
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		iterOpts.PrefetchValues = false
		it := txn.NewIterator(iterOpts)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		removed = len(keys)
		return nil
	})
	if err != nil {
		return common.NewStorageFault(userID, "failed to clear samples", err)
	}

	if removed > 0 {
		b.logger.Debug("Cleared staged samples", logging.Fields{
			"user_id": userID,
			"removed": removed,
		})
	}
	return nil
}

// Exists reports whether a voiceprint is stored for the user
func (b *Badger) Exists(_ context.Context, userID string) (bool, error) {
	escaped, err := escapeUserID(userID)
	if err != nil {
		return false, err
	}

	err = b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(voiceprintKey(escaped))
		return err
	})
	if err == nil {
		return true, nil
	}
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return false, common.NewStorageFault(userID, "failed to look up voiceprint", err)
}

// Read loads the voiceprint
func (b *Badger) Read(_ context.Context, userID string) (*common.Voiceprint, error) {
	escaped, err := escapeUserID(userID)
	if err != nil {
		return nil, err
	}

	var val []byte
	err = b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(voiceprintKey(escaped))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, common.NewVoiceprintError(common.ErrCodeNoVoiceprint, userID, "no voiceprint enrolled", nil)
	}
	if err != nil {
		return nil, common.NewStorageFault(userID, "failed to read voiceprint", err)
	}

	var vp common.Voiceprint
	if err := b.codec.Decode(val, &vp); err != nil {
		return nil, common.NewStorageFault(userID, "failed to decode voiceprint", err)
	}
	return &vp, nil
}

// Write replaces the voiceprint in one transaction
func (b *Badger) Write(_ context.Context, userID string, vp *common.Voiceprint) error {
	escaped, err := escapeUserID(userID)
	if err != nil {
		return err
	}
	if vp == nil {
		return common.NewVoiceprintError(common.ErrCodeInvalidInput, userID, "voiceprint must not be nil", nil)
	}

	data, err := b.codec.Encode(vp)
	if err != nil {
		return common.NewStorageFault(userID, "failed to encode voiceprint", err)
	}

	key := voiceprintKey(escaped)
	if err := b.update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	}); err != nil {
		return common.NewStorageFault(userID, "failed to write voiceprint", err)
	}
	return nil
}

// Delete removes the voiceprint; missing keys are not an error
func (b *Badger) Delete(_ context.Context, userID string) error {
	escaped, err := escapeUserID(userID)
	if err != nil {
		return err
	}

	key := voiceprintKey(escaped)
	err = b.update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return common.NewStorageFault(userID, "failed to delete voiceprint", err)
	}
	return nil
}

// Close flushes and closes the database
func (b *Badger) Close() error {
	return b.db.Close()
}

// badgerLogger routes badger's internal logging through the structured
// logger. Info and debug chatter from compaction is dropped.
type badgerLogger struct {
	logger logging.Logger
}

func (l badgerLogger) Errorf(f string, v ...any) {
	l.logger.Error(fmt.Errorf(f, v...), "badger error")
}

func (l badgerLogger) Warningf(f string, v ...any) {
	l.logger.Warn(fmt.Sprintf(f, v...))
}

func (badgerLogger) Infof(string, ...any)  {}
func (badgerLogger) Debugf(string, ...any) {}
