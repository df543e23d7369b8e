package hashing

import (
	"context"

	"github.com/example/fuzzysearch/pkg/fuzzysearch/imghash"
)

// Hasher turns image bytes into a FuzzySearch-compatible perceptual hash.
type Hasher interface {
	Hash(ctx context.Context, image []byte) (int64, error)
}

// Local hashes in process.
type Local struct{}

// NewLocal returns a Hasher backed by imghash.
func NewLocal() *Local {
	return &Local{}
}

// Hash honours cancellation before doing any work; the hash itself is CPU bound.
func (Local) Hash(ctx context.Context, image []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return imghash.HashBytes(image)
}

// HashImageMethod is the full gRPC method name of the hashing service. The
// request is a BytesValue holding the image, the reply an Int64Value.
const HashImageMethod = "/fuzzysearch.v1.Hasher/HashImage"
