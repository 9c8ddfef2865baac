// Package canon produces the canonical JSON encoding the rest of the audit
// engine hashes and persists: sorted keys, no HTML escaping, no
// insignificant whitespace, RFC 8785-compatible number formatting.
package canon

import (
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Marshal encodes v as JSON and then runs it through JCS transformation so
// that numbers, key ordering, and whitespace are canonical and
// reproducible across processes and languages. This is the single
// encoding path used everywhere a hash is taken over structured data
// (content hashing, capsule fingerprints, metadata integrity hashes, the
// tamper log, and the stable audit-package encoding).
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canon: marshal: %w", err)
	}
	transformed, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canon: jcs transform: %w", err)
	}
	return transformed, nil
}

// MustMarshal is Marshal but panics on error; reserved for call sites
// where v's shape is controlled entirely by this module (e.g. internal
// hash inputs assembled from already-validated fields) and a marshal
// failure would indicate a programming error, not bad input.
func MustMarshal(v any) []byte {
	out, err := Marshal(v)
	if err != nil {
		panic(err)
	}
	return out
}
