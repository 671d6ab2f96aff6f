// Package fs implements the blob Store on the local filesystem. Each blob is
// a file under the root directory with a JSON metadata sidecar next to it.
package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"villagepop/internal/blob/core"
)

const metaSuffix = ".meta.json"

// Store persists blobs below a root directory.
type Store struct {
	root string
}

// New creates the root directory if needed and returns a filesystem store.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("fs blob store: root directory required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("fs blob store: create root: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("fs blob store: resolve root: %w", err)
	}
	return &Store{root: abs}, nil
}

func (s *Store) Driver() core.Driver { return core.DriverFilesystem }

// sanitizeKey rejects keys that would escape the root or collide with
// metadata sidecars.
func sanitizeKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("fs blob store: empty key")
	}
	if strings.HasSuffix(key, metaSuffix) {
		return "", fmt.Errorf("fs blob store: reserved key suffix %q", metaSuffix)
	}
	clean := filepath.ToSlash(filepath.Clean("/" + key))
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == "." {
		return "", fmt.Errorf("fs blob store: invalid key %q", key)
	}
	for _, part := range strings.Split(clean, "/") {
		if part == ".." {
			return "", fmt.Errorf("fs blob store: invalid key %q", key)
		}
	}
	return clean, nil
}

func (s *Store) paths(key string) (dataPath, metaPath string) {
	dataPath = filepath.Join(s.root, filepath.FromSlash(key))
	return dataPath, dataPath + metaSuffix
}

type sidecar struct {
	Key         string            `json:"key"`
	ContentType string            `json:"content_type,omitempty"`
	ETag        string            `json:"etag"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

func (s *Store) Put(ctx context.Context, key string, r io.Reader, opts core.PutOptions) (core.Info, error) {
	if err := ctx.Err(); err != nil {
		return core.Info{}, err
	}
	clean, err := sanitizeKey(key)
	if err != nil {
		return core.Info{}, err
	}
	dataPath, metaPath := s.paths(clean)
	if _, err := os.Stat(dataPath); err == nil {
		return core.Info{}, fmt.Errorf("fs blob store: key %q already exists", clean)
	} else if !os.IsNotExist(err) {
		return core.Info{}, fmt.Errorf("fs blob store: stat %q: %w", clean, err)
	}
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return core.Info{}, fmt.Errorf("fs blob store: create key dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dataPath), ".put-*")
	if err != nil {
		return core.Info{}, fmt.Errorf("fs blob store: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if err != nil {
		tmp.Close()
		return core.Info{}, fmt.Errorf("fs blob store: write %q: %w", clean, err)
	}
	if err := tmp.Close(); err != nil {
		return core.Info{}, fmt.Errorf("fs blob store: close temp: %w", err)
	}

	meta := sidecar{
		Key:         clean,
		ContentType: opts.ContentType,
		ETag:        hex.EncodeToString(hasher.Sum(nil)),
		Metadata:    core.CloneMetadata(opts.Metadata),
		CreatedAt:   time.Now().UTC(),
	}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return core.Info{}, fmt.Errorf("fs blob store: encode metadata: %w", err)
	}
	if err := os.WriteFile(metaPath, raw, 0o644); err != nil {
		return core.Info{}, fmt.Errorf("fs blob store: write metadata: %w", err)
	}
	if err := os.Rename(tmpName, dataPath); err != nil {
		os.Remove(metaPath)
		return core.Info{}, fmt.Errorf("fs blob store: finalize %q: %w", clean, err)
	}
	return core.Info{
		Key:          clean,
		Size:         size,
		ContentType:  meta.ContentType,
		ETag:         meta.ETag,
		Metadata:     core.CloneMetadata(meta.Metadata),
		LastModified: meta.CreatedAt,
		URL:          "file://" + dataPath,
	}, nil
}

func (s *Store) Head(ctx context.Context, key string) (core.Info, error) {
	if err := ctx.Err(); err != nil {
		return core.Info{}, err
	}
	clean, err := sanitizeKey(key)
	if err != nil {
		return core.Info{}, err
	}
	return s.head(clean)
}

func (s *Store) head(clean string) (core.Info, error) {
	dataPath, metaPath := s.paths(clean)
	st, err := os.Stat(dataPath)
	if err != nil {
		return core.Info{}, fmt.Errorf("fs blob store: stat %q: %w", clean, err)
	}
	info := core.Info{
		Key:          clean,
		Size:         st.Size(),
		LastModified: st.ModTime().UTC(),
		URL:          "file://" + dataPath,
	}
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return info, nil
		}
		return core.Info{}, fmt.Errorf("fs blob store: read metadata for %q: %w", clean, err)
	}
	var meta sidecar
	if err := json.Unmarshal(raw, &meta); err != nil {
		return core.Info{}, fmt.Errorf("fs blob store: decode metadata for %q: %w", clean, err)
	}
	info.ContentType = meta.ContentType
	info.ETag = meta.ETag
	info.Metadata = core.CloneMetadata(meta.Metadata)
	if !meta.CreatedAt.IsZero() {
		info.LastModified = meta.CreatedAt
	}
	return info, nil
}

func (s *Store) Get(ctx context.Context, key string) (core.Info, io.ReadCloser, error) {
	info, err := s.Head(ctx, key)
	if err != nil {
		return core.Info{}, nil, err
	}
	dataPath, _ := s.paths(info.Key)
	f, err := os.Open(dataPath)
	if err != nil {
		return core.Info{}, nil, fmt.Errorf("fs blob store: open %q: %w", info.Key, err)
	}
	return info, f, nil
}

func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	clean, err := sanitizeKey(key)
	if err != nil {
		return false, err
	}
	dataPath, metaPath := s.paths(clean)
	if err := os.Remove(dataPath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("fs blob store: delete %q: %w", clean, err)
	}
	if err := os.Remove(metaPath); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("fs blob store: delete metadata for %q: %w", clean, err)
	}
	return true, nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]core.Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []string
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, metaSuffix) {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fs blob store: list: %w", err)
	}
	sort.Strings(keys)
	infos := make([]core.Info, 0, len(keys))
	for _, key := range keys {
		info, err := s.head(key)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// PresignURL is not meaningful for local files.
func (s *Store) PresignURL(ctx context.Context, key string, opts core.SignedURLOptions) (string, error) {
	return "", core.ErrUnsupported
}
