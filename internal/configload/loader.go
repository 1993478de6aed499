// Package configload instantiates configuration records by source and name.
// Sources are registered at build time; an optional viper overlay file per
// source is re-read on every Load so edits apply without a restart.
package configload

import (
	"errors"
	"fmt"
	"path"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/JakeFAU/trainlog/internal/config"
)

// DefaultSource and DefaultName locate the default experiment record.
const (
	DefaultSource = "configs/default_experiment"
	DefaultName   = "Config"
)

// ErrUnknownSource is returned when no record was registered for a source.
var ErrUnknownSource = errors.New("unknown config source")

// Factory returns a new configuration record, normally a pointer to struct.
type Factory func() any

// MissingClassError reports a known source that has no record of the given name.
type MissingClassError struct {
	Source string
	Name   string
}

func (e *MissingClassError) Error() string {
	return fmt.Sprintf("%s file should contain %s class", e.Source, e.Name)
}

// Loader maps (source, name) to factories.
type Loader struct {
	mu        sync.RWMutex
	factories map[string]map[string]Factory
	overlays  map[string]string
}

// NewLoader returns an empty Loader.
func NewLoader() *Loader {
	return &Loader{
		factories: make(map[string]map[string]Factory),
		overlays:  make(map[string]string),
	}
}

// Default returns a Loader with the built-in experiment record registered.
func Default() *Loader {
	l := NewLoader()
	l.Register(DefaultSource, DefaultName, func() any { return config.NewExperiment() })
	return l
}

// NormalizeSource strips a file extension and turns path separators into
// dots, so "configs/exp.yaml" and "configs.exp" name the same source.
func NormalizeSource(source string) string {
	s := strings.TrimSpace(source)
	if ext := path.Ext(s); sourceExts[strings.ToLower(ext)] {
		s = strings.TrimSuffix(s, ext)
	}
	return strings.Trim(strings.ReplaceAll(s, "/", "."), ".")
}

var sourceExts = map[string]bool{
	".py":   true,
	".yaml": true,
	".yml":  true,
	".json": true,
	".toml": true,
}

// Register binds name within source to f. Registering again replaces it.
func (l *Loader) Register(source, name string, f Factory) {
	key := NormalizeSource(source)
	l.mu.Lock()
	defer l.mu.Unlock()
	byName := l.factories[key]
	if byName == nil {
		byName = make(map[string]Factory)
		l.factories[key] = byName
	}
	byName[name] = f
}

// WithOverlay attaches a config file that is decoded onto every record
// loaded from source.
func (l *Loader) WithOverlay(source, file string) *Loader {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.overlays[NormalizeSource(source)] = file
	return l
}

// Sources lists registered sources in lexical order.
func (l *Loader) Sources() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.factories))
	for s := range l.factories {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Load instantiates the record name from source, applying its overlay.
func (l *Loader) Load(source, name string) (any, error) {
	key := NormalizeSource(source)
	l.mu.RLock()
	byName, ok := l.factories[key]
	var f Factory
	if ok {
		f = byName[name]
	}
	overlay := l.overlays[key]
	l.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}
	if f == nil {
		return nil, &MissingClassError{Source: source, Name: name}
	}
	record := f()
	if overlay != "" {
		if err := applyOverlay(record, overlay); err != nil {
			return nil, err
		}
	}
	return record, nil
}

// Reload re-reads the overlay of every record in source and validates the
// result, reporting the first problem. It changes no state: the next Load
// reads the file again.
func (l *Loader) Reload(source string) error {
	key := NormalizeSource(source)
	l.mu.RLock()
	byName, ok := l.factories[key]
	names := make([]string, 0, len(byName))
	for n := range byName {
		names = append(names, n)
	}
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}
	sort.Strings(names)
	for _, n := range names {
		record, err := l.Load(source, n)
		if err != nil {
			return err
		}
		if v, ok := record.(interface{ Validate() error }); ok {
			if err := v.Validate(); err != nil {
				return fmt.Errorf("validate %s/%s: %w", key, n, err)
			}
		}
	}
	return nil
}

func applyOverlay(record any, file string) error {
	if rv := reflect.ValueOf(record); rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("overlay %s: record %T is not a pointer", file, record)
	}
	v := viper.New()
	v.SetConfigFile(file)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read overlay %s: %w", file, err)
	}
	if err := v.Unmarshal(record); err != nil {
		return fmt.Errorf("decode overlay %s: %w", file, err)
	}
	return nil
}
