// Package jsonval models dynamically-shaped JSON documents as a closed
// tagged-variant tree.
//
// The profiler and schema walker need exhaustive case handling over JSON
// values, which map[string]any cannot give us:
//   - Object member order must be preserved (schemas are declaration-ordered).
//   - Integers and floats must stay distinct (inference reports them as
//     different primitive kinds).
//   - A missing case in a switch over Kind should be visible in review, not
//     discovered as a runtime type assertion failure.
package jsonval

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	Null Kind = iota
	Bool
	Int
	Float
	String
	Array
	Object
)

// String returns the lowercase kind name used in schemas and logs.
func (k Kind) String() string {
	switch k {
	case Null:
		return "null"
	case Bool:
		return "boolean"
	case Int:
		return "integer"
	case Float:
		return "number"
	case String:
		return "string"
	case Array:
		return "array"
	case Object:
		return "object"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is one node of a JSON document tree. Exactly one payload field is
// meaningful, selected by Kind.
type Value struct {
	Kind Kind

	BoolVal  bool
	IntVal   int64
	FloatVal float64
	StrVal   string
	Items    []Value
	Members  []Member
}

// Member is one key/value pair of an object, in declaration order.
type Member struct {
	Key   string
	Value Value
}

// Lookup returns the member value for key, or ok=false.
func (v Value) Lookup(key string) (Value, bool) {
	for _, m := range v.Members {
		if m.Key == key {
			return m.Value, true
		}
	}
	return Value{}, false
}

// Parse decodes a single JSON document.
//
// Numbers without a fractional part or exponent that fit int64 decode as
// Int; everything else numeric decodes as Float.
func Parse(data []byte) (Value, error) {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()

	v, err := decodeValue(dec)
	if err != nil {
		return Value{}, err
	}

	// Trailing garbage after the document is an error; trailing whitespace
	// is not.
	if _, err := dec.Token(); err != io.EOF {
		return Value{}, fmt.Errorf("jsonval: trailing data after document")
	}
	return v, nil
}

// decodeValue consumes one complete value from dec.
func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	return decodeFromToken(dec, tok)
}

func decodeFromToken(dec *json.Decoder, tok json.Token) (Value, error) {
	switch t := tok.(type) {
	case nil:
		return Value{Kind: Null}, nil
	case bool:
		return Value{Kind: Bool, BoolVal: t}, nil
	case string:
		return Value{Kind: String, StrVal: t}, nil
	case json.Number:
		return numberValue(t)
	case json.Delim:
		switch t {
		case '{':
			return decodeObject(dec)
		case '[':
			return decodeArray(dec)
		default:
			return Value{}, fmt.Errorf("jsonval: unexpected delimiter %q", t)
		}
	default:
		return Value{}, fmt.Errorf("jsonval: unexpected token %v", tok)
	}
}

func numberValue(n json.Number) (Value, error) {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := n.Int64(); err == nil {
			return Value{Kind: Int, IntVal: i}, nil
		}
	}
	f, err := n.Float64()
	if err != nil {
		return Value{}, fmt.Errorf("jsonval: bad number %q: %w", s, err)
	}
	return Value{Kind: Float, FloatVal: f}, nil
}

func decodeObject(dec *json.Decoder) (Value, error) {
	v := Value{Kind: Object}
	for {
		tok, err := dec.Token()
		if err != nil {
			return Value{}, err
		}
		if d, ok := tok.(json.Delim); ok && d == '}' {
			return v, nil
		}
		key, ok := tok.(string)
		if !ok {
			return Value{}, fmt.Errorf("jsonval: object key is %v, want string", tok)
		}
		member, err := decodeValue(dec)
		if err != nil {
			return Value{}, err
		}
		v.Members = append(v.Members, Member{Key: key, Value: member})
	}
}

func decodeArray(dec *json.Decoder) (Value, error) {
	v := Value{Kind: Array}
	for {
		if !dec.More() {
			// Consume the closing ']'.
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return v, nil
		}
		item, err := decodeValue(dec)
		if err != nil {
			return Value{}, err
		}
		v.Items = append(v.Items, item)
	}
}

// Encode renders the value back to compact JSON. Used by the staging layer
// to store a canonical record body.
func Encode(v Value) []byte {
	var b strings.Builder
	encode(&b, v)
	return []byte(b.String())
}

func encode(b *strings.Builder, v Value) {
	switch v.Kind {
	case Null:
		b.WriteString("null")
	case Bool:
		if v.BoolVal {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case Int:
		fmt.Fprintf(b, "%d", v.IntVal)
	case Float:
		// %g keeps round-trip precision for float64 without trailing zeros.
		fmt.Fprintf(b, "%g", v.FloatVal)
	case String:
		enc, _ := json.Marshal(v.StrVal)
		b.Write(enc)
	case Array:
		b.WriteByte('[')
		for i, item := range v.Items {
			if i > 0 {
				b.WriteByte(',')
			}
			encode(b, item)
		}
		b.WriteByte(']')
	case Object:
		b.WriteByte('{')
		for i, m := range v.Members {
			if i > 0 {
				b.WriteByte(',')
			}
			enc, _ := json.Marshal(m.Key)
			b.Write(enc)
			b.WriteByte(':')
			encode(b, m.Value)
		}
		b.WriteByte('}')
	}
}
