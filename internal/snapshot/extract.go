package snapshot

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// DefaultExclusions lists name fragments that are never captured. Tokens and
// keys for remote services live under fields with these names.
var DefaultExclusions = []string{"api"}

const (
	nameTag       = "mapstructure"
	visibilityTag = "visibility"
)

var (
	timeType     = reflect.TypeOf(time.Time{})
	durationType = reflect.TypeOf(time.Duration(0))
)

type options struct {
	exclusions []string
	strict     bool
}

// Option customises Extract.
type Option func(*options)

// WithExclusions replaces the excluded name fragments.
func WithExclusions(fragments ...string) Option {
	return func(o *options) {
		o.exclusions = append([]string(nil), fragments...)
	}
}

// WithStrict makes Extract fail with ErrDuplicateKey instead of letting a
// later field override an earlier one with the same name.
func WithStrict() Option {
	return func(o *options) {
		o.strict = true
	}
}

// Extract walks cfg in declared field order and returns its flattened leaf
// values.
//
// Field names come from the mapstructure tag, falling back to the snake_case
// Go name. Unexported fields, names prefixed with "_", fields tagged with a
// negative visibility and names containing an excluded fragment are skipped.
// Nested structs are merged into the parent mapping. Numeric leaves are
// widened to float64, int64 or uint64 according to their declared kind.
func Extract(cfg any, opts ...Option) (*Snapshot, error) {
	o := options{exclusions: DefaultExclusions}
	for _, opt := range opts {
		opt(&o)
	}
	v := reflect.ValueOf(cfg)
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil, ErrNotStruct
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: got %s", ErrNotStruct, v.Kind())
	}
	out := newSnapshot()
	if err := o.walk(v, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (o *options) walk(v reflect.Value, out *Snapshot) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() && !field.Anonymous {
			continue
		}
		name, ok := fieldName(field)
		if !ok || o.skip(field, name) {
			continue
		}
		fv := v.Field(i)
		if nested, ok := nestedRecord(fv); ok {
			if err := o.walk(nested, out); err != nil {
				return err
			}
			continue
		}
		if !field.IsExported() || isRecordType(field.Type) {
			continue
		}
		if out.set(name, coerce(fv)) && o.strict {
			return fmt.Errorf("%w: %q", ErrDuplicateKey, name)
		}
	}
	return nil
}

func (o *options) skip(field reflect.StructField, name string) bool {
	if strings.HasPrefix(name, "_") {
		return true
	}
	if raw, ok := field.Tag.Lookup(visibilityTag); ok {
		if vis, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && vis < 0 {
			return true
		}
	}
	lower := strings.ToLower(name)
	for _, fragment := range o.exclusions {
		if fragment != "" && strings.Contains(lower, strings.ToLower(fragment)) {
			return true
		}
	}
	return false
}

func fieldName(field reflect.StructField) (string, bool) {
	tag := field.Tag.Get(nameTag)
	name, _, _ := strings.Cut(tag, ",")
	if name == "-" {
		return "", false
	}
	if name != "" {
		return name, true
	}
	return snakeCase(field.Name), true
}

// nestedRecord reports whether v is a sub-record to be merged in place.
func nestedRecord(v reflect.Value) (reflect.Value, bool) {
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return reflect.Value{}, false
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct || v.Type() == timeType {
		return reflect.Value{}, false
	}
	return v, true
}

// isRecordType reports whether t, once dereferenced, is a sub-record type.
// Only nil pointers to records reach this check; they contribute no keys.
func isRecordType(t reflect.Type) bool {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Kind() == reflect.Struct && t != timeType
}

func coerce(v reflect.Value) any {
	if v.Type() == durationType {
		return time.Duration(v.Int()).String()
	}
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		return v.Float()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint()
	case reflect.Bool:
		return v.Bool()
	case reflect.String:
		return v.String()
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return coerce(v.Elem())
	default:
		return v.Interface()
	}
}

func snakeCase(name string) string {
	var b strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			prevLower := i > 0 && unicode.IsLower(runes[i-1])
			nextLower := i > 0 && i+1 < len(runes) && unicode.IsLower(runes[i+1]) && unicode.IsUpper(runes[i-1])
			if prevLower || nextLower {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
