// Package idgen generates the opaque 32-character hex identifiers used for
// event_id and job_id (spec.md §6): 128 bits of randomness, lowercase hex,
// no embedded timestamp or sortability.
//
// Adapted from the teacher's internal/common/tsid.Generator — same
// constructor/singleton shape, but swapped from a timestamp-sortable
// Crockford Base32 ID to a pure-random hex one, since the spec requires
// randomness over sortability.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
)

// Generator produces 32-character lowercase hex identifiers.
type Generator struct {
	mu sync.Mutex
}

// NewGenerator creates a new Generator.
func NewGenerator() *Generator {
	return &Generator{}
}

// Generate returns a fresh 32-character hex identifier.
func (g *Generator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return generate()
}

func generate() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand.Read on the platforms this station targets only
		// fails if the OS entropy source is unavailable; there is no
		// sane fallback that preserves the 128-bit-random contract, so
		// the process dies rather than mint a weak event_id.
		panic("idgen: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}

var (
	defaultGenerator     *Generator
	defaultGeneratorOnce sync.Once
)

// New returns a fresh 32-character hex identifier using a package-level
// singleton generator.
func New() string {
	defaultGeneratorOnce.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator.Generate()
}
