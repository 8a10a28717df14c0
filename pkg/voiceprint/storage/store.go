// Package storage persists staged enrollment samples and consolidated
// voiceprints. Both are stored as opaque, checksummed binary blobs keyed by
// user; no other component reads their layout.
//
// Two backends are provided: a filesystem layout using write-to-temp then
// atomic rename, and a BadgerDB key-value store where every mutation is a
// single transaction. Either way a reader observes a whole record or none.
package storage

import (
	"context"
	"fmt"
	"net/url"

	"github.com/RyanBlaney/latency-benchmark-common/logging"

	"github.com/RyanBlaney/voiceprint-verify/pkg/voiceprint/common"
)

// SampleStore is the per-user staging area for enrollment samples
type SampleStore interface {
	// Stage persists one sample, creating the user's staging area on first
	// use. A sample already stored at the same index is overwritten.
	Stage(ctx context.Context, userID string, sample *common.Sample) error

	// Count returns the number of samples currently staged for the user
	Count(ctx context.Context, userID string) (int, error)

	// LoadAll returns every staged sample ordered by sample index
	LoadAll(ctx context.Context, userID string) ([]*common.Sample, error)

	// Clear removes all staged samples and the staging area. It is a no-op
	// when nothing is staged.
	Clear(ctx context.Context, userID string) error
}

// VoiceprintStore holds at most one consolidated voiceprint per user
type VoiceprintStore interface {
	Exists(ctx context.Context, userID string) (bool, error)

	// Read returns the voiceprint or an error matching common.ErrNoVoiceprint
	Read(ctx context.Context, userID string) (*common.Voiceprint, error)

	// Write replaces any existing voiceprint for the user
	Write(ctx context.Context, userID string, vp *common.Voiceprint) error

	// Delete removes the voiceprint; no error if none exists
	Delete(ctx context.Context, userID string) error
}

// Store combines both stores over one backend
type Store interface {
	SampleStore
	VoiceprintStore
	Close() error
}

// UserLocker is implemented by backends whose data may be shared by several
// processes. Staging and aggregation hold a user's shared lock and clearing
// holds the exclusive one, so a clear cannot interleave with a build running
// in another process.
type UserLocker interface {
	LockUser(ctx context.Context, userID string, exclusive bool) (func(), error)
}

// Backend selects the storage implementation
type Backend string

const (
	BackendFilesystem Backend = "filesystem"
	BackendBadger     Backend = "badger"
)

// Options configures Open
type Options struct {
	Backend     Backend
	Dir         string
	Compression bool
	InMemory    bool // badger only
	Logger      logging.Logger
}

// Open creates the store for the configured backend
func Open(opts Options) (Store, error) {
	codec := NewCodec(opts.Compression)

	switch opts.Backend {
	case BackendFilesystem, "":
		return NewFileSystem(opts.Dir, codec, opts.Logger)
	case BackendBadger:
		return NewBadger(BadgerOptions{
			Dir:      opts.Dir,
			InMemory: opts.InMemory,
			Codec:    codec,
			Logger:   opts.Logger,
		})
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", opts.Backend)
	}
}

// escapeUserID makes a user id safe for use in file names and keys.
// Separators such as '/' and ':' are percent-encoded.
func escapeUserID(userID string) (string, error) {
	if userID == "" {
		return "", common.NewVoiceprintError(common.ErrCodeInvalidInput, "", "user id must not be empty", nil)
	}
	return url.QueryEscape(userID), nil
}

func validateSample(userID string, sample *common.Sample) error {
	if sample == nil {
		return common.NewVoiceprintError(common.ErrCodeInvalidInput, userID, "sample must not be nil", nil)
	}
	if sample.Index < 1 {
		return common.NewVoiceprintError(common.ErrCodeInvalidInput, userID,
			fmt.Sprintf("sample index must be >= 1, got %d", sample.Index), nil)
	}
	return nil
}
