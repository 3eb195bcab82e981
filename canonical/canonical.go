// Package canonical produces key-order independent JSON encodings and the
// content hashes derived from them.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	ErrNonStringMapKey = errors.New("map keys must be strings")
	ErrUnsupportedType = errors.New("unsupported type for canonicalization")
	ErrKeyCollision    = errors.New("normalized map key collision")
	ErrNonFiniteFloat  = errors.New("NaN and Inf are not representable")
	ErrCycle           = errors.New("cyclic value")
)

// maxSafeInteger is 2^53, the largest magnitude a float holds exactly
const maxSafeInteger = 1 << 53

var jsonMarshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()

// Canonicalize encodes v as canonical JSON bytes
func Canonicalize(v any) ([]byte, error) {
	e := &encoder{visiting: make(map[visit]struct{})}
	if err := e.writeValue(v); err != nil {
		return nil, err
	}
	return e.buf.Bytes(), nil
}

// Hash returns the lowercase hex SHA-256 of the canonical encoding of v
func Hash(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the lowercase hex SHA-256 of b
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Equal reports whether a and b share a canonical encoding
func Equal(a, b any) (bool, error) {
	ca, err := Canonicalize(a)
	if err != nil {
		return false, err
	}
	cb, err := Canonicalize(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ca, cb), nil
}

// Decode parses JSON into generic values, keeping numbers exact
func Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode json: trailing data")
	}
	return out, nil
}

type visit struct {
	typ reflect.Type
	ptr uintptr
	len int
}

type encoder struct {
	buf      bytes.Buffer
	visiting map[visit]struct{}
}

type mapEntry struct {
	key   string
	value any
}

func (e *encoder) writeValue(v any) error {
	if v == nil {
		e.buf.WriteString("null")
		return nil
	}

	if n, ok := v.(json.Number); ok {
		return e.writeNumber(n)
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Interface || rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			e.buf.WriteString("null")
			return nil
		}
		if rv.Kind() == reflect.Pointer {
			if rv.Type().Implements(jsonMarshalerType) {
				return e.writeMarshaled(rv.Interface())
			}
			key := visit{typ: rv.Type(), ptr: rv.Pointer()}
			if _, seen := e.visiting[key]; seen {
				return ErrCycle
			}
			e.visiting[key] = struct{}{}
			defer delete(e.visiting, key)
		}
		rv = rv.Elem()
	}

	if rv.Kind() != reflect.Invalid && rv.Type().Implements(jsonMarshalerType) {
		return e.writeMarshaled(rv.Interface())
	}

	switch rv.Kind() {
	case reflect.String:
		return e.writeString(rv.String())
	case reflect.Bool:
		if rv.Bool() {
			e.buf.WriteString("true")
		} else {
			e.buf.WriteString("false")
		}
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		e.buf.WriteString(strconv.FormatInt(rv.Int(), 10))
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		e.buf.WriteString(strconv.FormatUint(rv.Uint(), 10))
		return nil
	case reflect.Float32, reflect.Float64:
		return e.writeFloat(rv.Float())
	case reflect.Map:
		return e.writeMap(rv)
	case reflect.Slice, reflect.Array:
		return e.writeSlice(rv)
	case reflect.Struct:
		return e.writeMarshaled(rv.Interface())
	case reflect.Invalid:
		e.buf.WriteString("null")
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedType, rv.Kind())
	}
}

// writeMarshaled canonicalizes the encoding/json form of v
func (e *encoder) writeMarshaled(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		var unsupported *json.UnsupportedValueError
		if errors.As(err, &unsupported) {
			if strings.Contains(unsupported.Str, "cycle") {
				return ErrCycle
			}
			return ErrNonFiniteFloat
		}
		return fmt.Errorf("%w: %v", ErrUnsupportedType, err)
	}
	generic, err := Decode(raw)
	if err != nil {
		return err
	}
	return e.writeValue(generic)
}

func (e *encoder) writeString(s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return err
	}
	e.buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
	return nil
}

func (e *encoder) writeNumber(n json.Number) error {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			e.buf.WriteString(strconv.FormatInt(i, 10))
			return nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("%w: number %q", ErrUnsupportedType, s)
	}
	return e.writeFloat(f)
}

func (e *encoder) writeFloat(f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return ErrNonFiniteFloat
	}
	if f == math.Trunc(f) && math.Abs(f) <= maxSafeInteger {
		e.buf.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}
	e.buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

func (e *encoder) writeMap(rv reflect.Value) error {
	if rv.Type().Key().Kind() != reflect.String {
		return ErrNonStringMapKey
	}
	if rv.IsNil() {
		e.buf.WriteString("null")
		return nil
	}

	key := visit{typ: rv.Type(), ptr: rv.Pointer()}
	if _, seen := e.visiting[key]; seen {
		return ErrCycle
	}
	e.visiting[key] = struct{}{}
	defer delete(e.visiting, key)

	entries := make([]mapEntry, 0, rv.Len())
	seen := make(map[string]struct{}, rv.Len())

	iter := rv.MapRange()
	for iter.Next() {
		k := norm.NFC.String(iter.Key().String())
		if _, dup := seen[k]; dup {
			return ErrKeyCollision
		}
		seen[k] = struct{}{}

		val := iter.Value().Interface()
		if isNil(val) {
			continue
		}
		entries = append(entries, mapEntry{key: k, value: val})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].key < entries[j].key
	})

	e.buf.WriteByte('{')
	for i, entry := range entries {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		if err := e.writeString(entry.key); err != nil {
			return err
		}
		e.buf.WriteByte(':')
		if err := e.writeValue(entry.value); err != nil {
			return err
		}
	}
	e.buf.WriteByte('}')
	return nil
}

func (e *encoder) writeSlice(rv reflect.Value) error {
	if rv.Kind() == reflect.Slice {
		if rv.IsNil() {
			e.buf.WriteString("null")
			return nil
		}
		if rv.Len() > 0 {
			key := visit{typ: rv.Type(), ptr: rv.Pointer(), len: rv.Len()}
			if _, seen := e.visiting[key]; seen {
				return ErrCycle
			}
			e.visiting[key] = struct{}{}
			defer delete(e.visiting, key)
		}
	}

	e.buf.WriteByte('[')
	for i := 0; i < rv.Len(); i++ {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		if err := e.writeValue(rv.Index(i).Interface()); err != nil {
			return err
		}
	}
	e.buf.WriteByte(']')
	return nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice:
		return rv.IsNil()
	default:
		return false
	}
}
