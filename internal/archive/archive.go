// Package archive implements the opaque, file-backed key/value bytes store
// that stands in for the secure archive container. The container's own
// cryptography is out of scope; this package only implements the load/save
// boundary the rest of the fabric depends on (state/<file>.json blobs,
// config/<file>, certs/<file>), writing every blob atomically through a
// temp-file rename.
package archive

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/andybalholm/brotli"
	"go.uber.org/zap"
)

// compressThreshold is the size at or above which a blob is brotli-compressed
// before being written to disk. Small blobs (a handful of auth-blacklist
// entries) aren't worth the framing overhead; gossip snapshots usually are.
const compressThreshold = 4096

// brotliMagic tags a blob as compressed so Get can tell it apart from a
// blob written by an older, uncompressed FileStore.
var brotliMagic = []byte("BR1\x00")

// Store is the opaque key/value contract the rest of the fabric depends
// on. Implementations need not be encrypted; the spec treats this
// subsystem's internal cryptography as an external collaborator's concern.
type Store interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
}

// Blob is the envelope every state/<file>.json write carries, per the
// persisted state layout (spec §6): "Each blob carries last_saved and is
// written atomically through a temp-file rename."
type Blob struct {
	LastSaved time.Time       `json:"last_saved"`
	Data      []byte          `json:"data"`
}

// FileStore persists blobs under baseDir/state/<key>.json.
type FileStore struct {
	baseDir string
	logger  *zap.Logger
}

// NewFileStore creates a FileStore rooted at baseDir, creating the
// config/certs/state subdirectories named in the persisted state layout.
func NewFileStore(baseDir string, logger *zap.Logger) (*FileStore, error) {
	for _, sub := range []string{"config", "certs", "state"} {
		if err := os.MkdirAll(filepath.Join(baseDir, sub), 0o700); err != nil {
			return nil, fmt.Errorf("archive: create %s: %w", sub, err)
		}
	}
	return &FileStore{baseDir: baseDir, logger: logger}, nil
}

func (f *FileStore) path(key string) string {
	return filepath.Join(f.baseDir, "state", key+".json")
}

// Get reads the raw bytes previously stored under key, unwrapping the Blob
// envelope Put wrote. Returns os.ErrNotExist (wrapped) if absent.
func (f *FileStore) Get(key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(key))
	if err != nil {
		return nil, err
	}
	if bytes.HasPrefix(data, brotliMagic) {
		r := brotli.NewReader(bytes.NewReader(data[len(brotliMagic):]))
		decompressed, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("archive: brotli decompress %s: %w", key, err)
		}
		data = decompressed
	}
	var blob Blob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("archive: decode blob %s: %w", key, err)
	}
	return blob.Data, nil
}

// Put writes value under key wrapped in a Blob envelope carrying
// last_saved, atomically: write to a temp file in the same directory,
// fsync, then rename over the destination. Blobs at or above
// compressThreshold are brotli-compressed first.
func (f *FileStore) Put(key string, value []byte) error {
	dst := f.path(key)
	tmp := dst + ".tmp"

	encoded, err := json.Marshal(Blob{LastSaved: time.Now(), Data: value})
	if err != nil {
		return fmt.Errorf("archive: encode blob: %w", err)
	}

	payload := encoded
	if len(encoded) >= compressThreshold {
		var buf bytes.Buffer
		buf.Write(brotliMagic)
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(encoded); err != nil {
			return fmt.Errorf("archive: brotli compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("archive: brotli close: %w", err)
		}
		payload = buf.Bytes()
	}

	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("archive: open temp file: %w", err)
	}
	if _, err := file.Write(payload); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("archive: write temp file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("archive: sync temp file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("archive: close temp file: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("archive: rename temp file: %w", err)
	}
	if f.logger != nil {
		f.logger.Debug("archive blob written", zap.String("key", key), zap.Int("bytes", len(value)))
	}
	return nil
}

// Delete removes the blob stored under key. It is not an error if the key
// does not exist.
func (f *FileStore) Delete(key string) error {
	err := os.Remove(f.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("archive: delete %s: %w", key, err)
	}
	return nil
}
