// Package jsonutil prints struct fields as sorted "Name: value" lines.
package jsonutil

import (
	"bytes"
	"reflect"
	"sort"
	"time"

	"github.com/fatih/structs"
	"github.com/hokaccha/go-prettyjson"
)

// MarshalCompactPretty formats each field of struct v on its own line with color information.
// Fields of nested structs are flattened and named as "Parent.Field".
// Durations are printed in their string form.
func MarshalCompactPretty(v any, color bool) ([]byte, error) {
	formatter := prettyjson.NewFormatter()
	formatter.Indent = 0
	formatter.Newline = ""
	formatter.DisabledColor = !color

	m := make(map[string]any)
	flatten("", structs.New(v), m)
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	for _, name := range names {
		val := m[name]
		if d, ok := val.(time.Duration); ok {
			val = d.String()
		}
		b, err := formatter.Marshal(val)
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

func flatten(prefix string, s *structs.Struct, m map[string]any) {
	for _, f := range s.Fields() {
		if !f.IsExported() {
			continue
		}
		name := prefix + f.Name()
		if f.Kind() == reflect.Struct {
			if _, ok := f.Value().(time.Time); !ok {
				flatten(name+".", structs.New(f.Value()), m)
				continue
			}
		}
		m[name] = f.Value()
	}
}
