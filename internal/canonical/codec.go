package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"
)

// SerializationError reports a value that has no canonical encoding.
type SerializationError struct {
	Path   string
	Reason string
}

func (e *SerializationError) Error() string {
	if e.Path == "" {
		return "canonical encoding failed: " + e.Reason
	}
	return fmt.Sprintf("canonical encoding failed at %s: %s", e.Path, e.Reason)
}

// Encode returns the canonical bytes of v: object keys sorted at every
// level, no insignificant whitespace, ES6 number formatting. The same
// logical value always encodes to the same bytes.
func Encode(v Value) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		var se *SerializationError
		if errors.As(err, &se) {
			return nil, se
		}
		return nil, &SerializationError{Reason: err.Error()}
	}

	// The canonicalizer only accepts an object or array at the root.
	scalar := v.kind != KindObject && v.kind != KindArray
	if scalar {
		raw = append(append([]byte{'['}, raw...), ']')
	}
	out, err := jsoncanonicalizer.Transform(raw)
	if err != nil {
		return nil, &SerializationError{Reason: err.Error()}
	}
	if scalar {
		out = out[1 : len(out)-1]
	}
	return out, nil
}

// Decode parses a JSON document into a Value. Trailing data after the
// first document is rejected.
func Decode(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var x any
	if err := dec.Decode(&x); err != nil {
		return Value{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return Value{}, fmt.Errorf("invalid JSON: unexpected data after document")
	}
	return FromAny(x)
}

// Canonicalize re-encodes an arbitrary JSON document in canonical form.
// Documents differing only in whitespace or key order canonicalize to the
// same bytes.
func Canonicalize(raw []byte) ([]byte, error) {
	v, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	return Encode(v)
}

// Hash returns the hex SHA-256 of v's canonical encoding.
func Hash(v Value) (string, error) {
	b, err := Encode(v)
	if err != nil {
		return "", err
	}
	return SumHex(b), nil
}

// HashJSON canonicalizes raw JSON and returns the hex SHA-256 of the result.
func HashJSON(raw []byte) (string, error) {
	b, err := Canonicalize(raw)
	if err != nil {
		return "", err
	}
	return SumHex(b), nil
}

// SumHex returns the lowercase hex SHA-256 of b.
func SumHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
