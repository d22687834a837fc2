// Package jsonutil prints values in a colored, line-per-field JSON form for the command line.
package jsonutil

import (
	"bytes"
	"encoding/json"
	"reflect"
	"sort"

	"github.com/fatih/structs"
	"github.com/hokaccha/go-prettyjson"
)

var formatter *prettyjson.Formatter

func init() {
	formatter = prettyjson.NewFormatter()
	formatter.Indent = 0
	formatter.Newline = ""
}

// MarshalCompactPretty formats the fields of struct v, one per line, sorted by field name.
// Fields of nested structs are printed as "Outer.Inner". Values with their own JSON form,
// like timestamps, are printed as a single field.
func MarshalCompactPretty(v any) ([]byte, error) {
	m := make(map[string]any)
	flatten("", structs.New(v), m)
	return MarshalMap(m)
}

func flatten(prefix string, s *structs.Struct, m map[string]any) {
	for _, f := range s.Fields() {
		if !f.IsExported() {
			continue
		}
		name := prefix + f.Name()
		val := f.Value()
		if _, ok := val.(json.Marshaler); !ok && f.Kind() == reflect.Struct {
			flatten(name+".", structs.New(val), m)
			continue
		}
		m[name] = val
	}
}

// MarshalMap formats m, one entry per line, sorted by key.
func MarshalMap[V any](m map[string]V) ([]byte, error) {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	var buf bytes.Buffer
	for _, name := range names {
		b, err := formatter.Marshal(m[name])
		if err != nil {
			return nil, err
		}
		buf.WriteString(name)
		buf.WriteString(": ")
		buf.Write(b)
		buf.WriteRune('\n')
	}
	return buf.Bytes(), nil
}
