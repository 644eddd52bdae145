package plugin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
)

// Fields is an insertion-ordered map with unique keys. The zero value is not
// usable; build one with NewFields.
type Fields struct {
	keys []string
	vals map[string]any
}

func NewFields() *Fields {
	return &Fields{vals: make(map[string]any)}
}

// Set stores v under k. Overwriting keeps the key's original position.
func (f *Fields) Set(k string, v any) *Fields {
	if _, ok := f.vals[k]; !ok {
		f.keys = append(f.keys, k)
	}
	f.vals[k] = v
	return f
}

func (f *Fields) Get(k string) (any, bool) {
	if f == nil {
		return nil, false
	}
	v, ok := f.vals[k]
	return v, ok
}

func (f *Fields) Delete(k string) {
	if _, ok := f.vals[k]; !ok {
		return
	}
	delete(f.vals, k)
	for i, key := range f.keys {
		if key == k {
			f.keys = append(f.keys[:i], f.keys[i+1:]...)
			break
		}
	}
}

func (f *Fields) Len() int {
	if f == nil {
		return 0
	}
	return len(f.keys)
}

// Keys returns a copy of the keys in order.
func (f *Fields) Keys() []string {
	if f == nil {
		return nil
	}
	return append([]string(nil), f.keys...)
}

// Filter returns a new map holding the entries keep accepts.
func (f *Fields) Filter(keep func(k string) bool) *Fields {
	out := NewFields()
	if f == nil {
		return out
	}
	for _, k := range f.keys {
		if keep(k) {
			out.Set(k, f.vals[k])
		}
	}
	return out
}

func (f *Fields) Clone() *Fields {
	return f.Filter(func(string) bool { return true })
}

// Equal compares keys, order and values.
func (f *Fields) Equal(o *Fields) bool {
	if f.Len() != o.Len() {
		return false
	}
	for i, k := range f.Keys() {
		if o.keys[i] != k || !reflect.DeepEqual(f.vals[k], o.vals[k]) {
			return false
		}
	}
	return true
}

func (f *Fields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if f != nil {
		for i, k := range f.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			vb, err := json.Marshal(f.vals[k])
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", k, err)
			}
			buf.Write(kb)
			buf.WriteByte(':')
			buf.Write(vb)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON keeps the object's key order.
func (f *Fields) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("fields: expected object, got %v", tok)
	}
	f.keys = nil
	f.vals = make(map[string]any)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("fields: expected key, got %v", tok)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("fields: value for %q: %w", key, err)
		}
		f.Set(key, v)
	}
	_, err = dec.Token()
	return err
}
