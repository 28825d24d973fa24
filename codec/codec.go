// Package codec converts typed values to the opaque byte values Stores hold.
package codec

// Codec encodes/decodes values V to []byte for storage.
// Encode must be deterministic for values compared by CAS: two equal V must
// produce identical bytes, or snapshot comparisons will report false conflicts.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
