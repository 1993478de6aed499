// Package chartstore persists a run's charts in a single bbolt file. Every
// write is committed synchronously so a crashed job keeps everything logged up
// to the crash.
package chartstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

// FileName is the store file created inside a run's output directory.
const FileName = "charts.db"

// ConfigKey holds the configuration snapshot in the config bucket. Subsets
// live in their own bucket, so a subset may also be named "cfg".
const ConfigKey = "cfg"

var (
	chartsBucket = []byte("charts")
	configBucket = []byte("config")
)

// ErrNotFound signals that the requested key does not exist.
var ErrNotFound = errors.New("chart not found")

// Series is an append-only time series. A nil step or value marks a point
// logged without a step or with a missing (NaN) value.
type Series struct {
	Steps  []*int64   `json:"steps"`
	Values []*float64 `json:"values"`
}

// Config controls how the store file is opened.
type Config struct {
	// Dir is the run output directory; the file is Dir/charts.db.
	Dir string
	// ReadOnly opens the file with a shared lock and rejects writes.
	ReadOnly bool
	// Timeout bounds the wait for the file lock (default 1s).
	Timeout time.Duration
}

// Store is a crash-safe ordered mapping of subset name to chart documents.
type Store struct {
	db   *bolt.DB
	path string
}

// Open opens or creates the store under cfg.Dir.
func Open(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if !cfg.ReadOnly {
		if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	path := filepath.Join(cfg.Dir, FileName)
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout, ReadOnly: cfg.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("open chart store %s: %w", path, err)
	}
	if !cfg.ReadOnly {
		err = db.Update(func(tx *bolt.Tx) error {
			for _, name := range [][]byte{chartsBucket, configBucket} {
				if _, err := tx.CreateBucketIfNotExists(name); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init chart store: %w", err)
		}
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the store file location.
func (s *Store) Path() string {
	return s.path
}

// Close releases the file lock.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close chart store: %w", err)
	}
	return nil
}

// PutConfig stores the run configuration under ConfigKey.
func (s *Store) PutConfig(cfg any) error {
	return s.update(configBucket, func(b *bolt.Bucket) error {
		return put(b, ConfigKey, cfg)
	})
}

// Config decodes the stored configuration into dst.
func (s *Store) Config(dst any) error {
	return s.view(configBucket, func(b *bolt.Bucket) error {
		return get(b, ConfigKey, dst)
	})
}

// PutArtifact stores value under name in the subset document. A later write
// for the same name replaces the earlier one.
func (s *Store) PutArtifact(subset, name string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode artifact %s/%s: %w", subset, name, err)
	}
	return s.update(chartsBucket, func(b *bolt.Bucket) error {
		doc := map[string]json.RawMessage{}
		if err := get(b, subset, &doc); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		doc[name] = raw
		return put(b, subset, doc)
	})
}

// Artifacts returns the raw artifacts stored for subset.
func (s *Store) Artifacts(subset string) (map[string]json.RawMessage, error) {
	doc := map[string]json.RawMessage{}
	err := s.view(chartsBucket, func(b *bolt.Bucket) error {
		return get(b, subset, &doc)
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// AppendPoint appends (step, value) to the series for subset/name, creating
// the series on first use.
func (s *Store) AppendPoint(subset, name string, step *int64, value *float64) error {
	return s.update(chartsBucket, func(b *bolt.Bucket) error {
		doc := map[string]*Series{}
		if err := get(b, subset, &doc); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		series := doc[name]
		if series == nil {
			series = &Series{Steps: []*int64{}, Values: []*float64{}}
			doc[name] = series
		}
		series.Steps = append(series.Steps, step)
		series.Values = append(series.Values, value)
		return put(b, subset, doc)
	})
}

// Series returns the series for subset/name.
func (s *Store) Series(subset, name string) (Series, error) {
	doc := map[string]*Series{}
	err := s.view(chartsBucket, func(b *bolt.Bucket) error {
		return get(b, subset, &doc)
	})
	if err != nil {
		return Series{}, err
	}
	series, ok := doc[name]
	if !ok || series == nil {
		return Series{}, fmt.Errorf("%w: %s/%s", ErrNotFound, subset, name)
	}
	return *series, nil
}

// Subsets lists the stored subset keys in key order.
func (s *Store) Subsets() ([]string, error) {
	var out []string
	err := s.view(chartsBucket, func(b *bolt.Bucket) error {
		return b.ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) update(bucket []byte, fn func(*bolt.Bucket) error) error {
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(bucket))
	}); err != nil {
		return fmt.Errorf("chart store update: %w", err)
	}
	return nil
}

func (s *Store) view(bucket []byte, fn func(*bolt.Bucket) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return ErrNotFound
		}
		return fn(b)
	})
}

func put(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	return b.Put([]byte(key), data)
}

func get(b *bolt.Bucket, key string, dst any) error {
	data := b.Get([]byte(key))
	if data == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode %q: %w", key, err)
	}
	return nil
}
