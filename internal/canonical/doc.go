// Package canonical implements the deterministic JSON encoding that every
// capsule hash is computed over.
//
// Values are modelled as an immutable tagged union (null, bool, number,
// string, array, object) rather than interface{} so that a capsule can only
// carry data that has a canonical form. Encoding follows RFC 8785 (JSON
// Canonicalization Scheme):
//
//   - object keys are sorted at every nesting level
//   - no insignificant whitespace is emitted
//   - numbers use the shortest ES6 representation (1.0 encodes as 1)
//   - strings use minimal escaping and are emitted as UTF-8
//
// Two documents that differ only in key order or whitespace canonicalize to
// identical bytes, so they hash identically.
package canonical
