// Copyright 2026 The Appose developers.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package msgcodec turns string-keyed message maps into single-line UTF-8
JSON records and back, as exchanged between an appose controller and its
workers over stdio.

Values without a natural JSON form travel as tagged maps carrying an
"appose_type" discriminator; [Converter] implementations claim such values
in both directions. The default [Codec] knows shared-memory segments,
ndarrays, and worker-object references; further converters can be added
per codec instance. Codecs are plain values handed to whoever needs them —
there is no process-global converter registry.

Numbers cross the boundary as int64 when they are integral and as float64
otherwise; integers too large for an int64 are refused rather than
silently rounded through a float.
*/
package msgcodec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"

	jsoniter "github.com/json-iterator/go"
)

// jsonAPI keeps numbers as json.Number during decoding, so that integers
// survive the trip without floating through a float64.
var jsonAPI = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

// Converter translates one kind of non-JSON value to and from its tagged
// wire map. The wire map carries the converter's AppType under the
// "appose_type" key next to the converter's own fields.
type Converter interface {
	// AppType returns the wire-level "appose_type" discriminator.
	AppType() string
	// CanEncode reports whether this converter claims the given value.
	CanEncode(v any) bool
	// Encode returns the wire fields for a claimed value, without the
	// "appose_type" discriminator.
	Encode(v any) (map[string]any, error)
	// Decode reconstructs a value from its wire fields; nested fields
	// have already been decoded.
	Decode(fields map[string]any) (any, error)
}

// Codec encodes and decodes message maps. The zero value is unusable; use
// [New].
type Codec struct {
	converters []Converter
}

// Option configures a [Codec]; see [WithConverter] and
// [WithWorkerObjects].
type Option func(*Codec)

// WithConverter adds a custom converter, consulted before the built-in
// ones.
func WithConverter(cv Converter) Option {
	return func(c *Codec) { c.converters = append([]Converter{cv}, c.converters...) }
}

// New returns a codec with the built-in converters for shared memory,
// ndarrays, and worker-object references.
func New(opts ...Option) *Codec {
	c := &Codec{
		converters: []Converter{
			shmConverter{},
			ndarrayConverter{},
			workerObjectConverter{},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Encode renders the message map as a single line of UTF-8 JSON, without
// a trailing newline. String values containing newlines are escaped per
// JSON rules, so the output never spans lines.
func (c *Codec) Encode(message map[string]any) ([]byte, error) {
	prepared, err := c.prepare(message)
	if err != nil {
		return nil, err
	}
	line, err := jsonAPI.Marshal(prepared)
	if err != nil {
		return nil, err
	}
	if bytes.ContainsRune(line, '\n') {
		return nil, fmt.Errorf("encoded message spans multiple lines: %q", line)
	}
	return line, nil
}

// Decode parses a single line of UTF-8 JSON into a message map,
// reconstructing tagged values through the codec's converters.
func (c *Codec) Decode(line []byte) (map[string]any, error) {
	var raw map[string]any
	if err := jsonAPI.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("unparseable message line: %w", err)
	}
	revived, err := c.revive(raw)
	if err != nil {
		return nil, err
	}
	message, ok := revived.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("message line is not a plain map but %T", revived)
	}
	return message, nil
}

// Encodable reports whether the given value would survive Encode, either
// as a natural JSON value or through a converter. Workers use this to
// decide when an output must be auto-exported as a worker object instead.
func (c *Codec) Encodable(v any) bool {
	_, err := c.prepare(v)
	return err == nil
}

// prepare normalizes a value tree for marshalling: converters claim their
// values first, numbers collapse onto int64/float64, and maps and slices
// are rebuilt with prepared elements.
func (c *Codec) prepare(v any) (any, error) {
	for _, cv := range c.converters {
		if !cv.CanEncode(v) {
			continue
		}
		fields, err := cv.Encode(v)
		if err != nil {
			return nil, err
		}
		prepared := make(map[string]any, len(fields)+1)
		for key, value := range fields {
			pv, err := c.prepare(value)
			if err != nil {
				return nil, err
			}
			prepared[key] = pv
		}
		prepared["appose_type"] = cv.AppType()
		return prepared, nil
	}
	switch v := v.(type) {
	case nil, bool, string:
		return v, nil
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		return prepareUint(uint64(v))
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		return prepareUint(v)
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	case json.Number:
		return reviveNumber(v)
	}
	// Arbitrary string-keyed maps and slices still have a natural JSON
	// form; everything else is refused so callers notice instead of
	// shipping garbage.
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("cannot encode map with %s keys", rv.Type().Key())
		}
		prepared := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			pv, err := c.prepare(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			prepared[iter.Key().String()] = pv
		}
		return prepared, nil
	case reflect.Slice, reflect.Array:
		prepared := make([]any, rv.Len())
		for i := range rv.Len() {
			pv, err := c.prepare(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			prepared[i] = pv
		}
		return prepared, nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return prepareUint(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
	}
	return nil, fmt.Errorf("cannot encode value of type %T", v)
}

func prepareUint(v uint64) (any, error) {
	if v > math.MaxInt64 {
		return nil, fmt.Errorf("integer %d overflows the wire integer range", v)
	}
	return int64(v), nil
}

// revive walks a freshly unmarshalled value tree bottom-up, collapsing
// json.Number onto int64/float64 and reconstructing "appose_type"-tagged
// maps through the converters.
func (c *Codec) revive(v any) (any, error) {
	switch v := v.(type) {
	case map[string]any:
		for key, value := range v {
			rv, err := c.revive(value)
			if err != nil {
				return nil, err
			}
			v[key] = rv
		}
		tag, ok := v["appose_type"].(string)
		if !ok {
			return v, nil
		}
		for _, cv := range c.converters {
			if cv.AppType() != tag {
				continue
			}
			delete(v, "appose_type")
			return cv.Decode(v)
		}
		return nil, fmt.Errorf("unknown appose_type %q", tag)
	case []any:
		for i, value := range v {
			rv, err := c.revive(value)
			if err != nil {
				return nil, err
			}
			v[i] = rv
		}
		return v, nil
	case json.Number:
		return reviveNumber(v)
	default:
		return v, nil
	}
}

func reviveNumber(n json.Number) (any, error) {
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	if !bytes.ContainsAny([]byte(n), ".eE") {
		return nil, fmt.Errorf("integer %s overflows the wire integer range", n)
	}
	f, err := n.Float64()
	if err != nil {
		return nil, fmt.Errorf("unusable number %q on the wire: %w", n, err)
	}
	return f, nil
}

// AsInt64 coerces a decoded message value into an int64, accepting the
// integral float64s that less careful peers put on the wire.
func AsInt64(v any) (int64, bool) {
	switch v := v.(type) {
	case int64:
		return v, true
	case float64:
		if v == math.Trunc(v) && !math.IsInf(v, 0) {
			return int64(v), true
		}
	}
	return 0, false
}

// AsFloat64 coerces a decoded message value into a float64.
func AsFloat64(v any) (float64, bool) {
	switch v := v.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	}
	return 0, false
}
