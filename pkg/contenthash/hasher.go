// Package contenthash implements the content-addressing layer: per-sample
// hashing, chunked dataset hashing, and capsule fingerprinting (spec §4.3).
// All formulas here are ported bit-for-bit from the lazy_capsule_audit
// original so that hashes remain reproducible across reimplementations.
package contenthash

import (
	"fmt"
	"sort"

	"github.com/lazyaudit-labs/engine/pkg/canon"
	"github.com/lazyaudit-labs/engine/pkg/cryptoprim"
)

const (
	// LargeDatasetThreshold (T) is the sample count at or above which
	// dataset hashing switches from single-shot to chunked.
	LargeDatasetThreshold = 5000
	// DefaultChunkSize (C) is the number of samples per chunk for
	// large-dataset chunked hashing.
	DefaultChunkSize = 1000
)

// HashSample canonicalizes an arbitrary sample payload (raw bytes,
// a UTF-8 string, or a structured map/slice value) and returns its
// SHA-256 digest.
func HashSample(payload any) ([32]byte, error) {
	b, err := canonicalizePayload(payload)
	if err != nil {
		return [32]byte{}, err
	}
	return cryptoprim.SHA256(b), nil
}

// CanonicalizeBytes exposes canonicalizePayload for callers outside this
// package that need the exact bytes a sample payload hashes to — the
// capsule materializer encrypts these same bytes so that decrypting and
// re-hashing a capsule reproduces its original fingerprint.
func CanonicalizeBytes(payload any) ([]byte, error) {
	return canonicalizePayload(payload)
}

// canonicalizePayload reduces a sample payload to the exact byte string
// the original hashing formula expects: raw bytes pass through untouched,
// strings are UTF-8 encoded, and any other structured value (maps,
// slices, numbers) is canonicalized via sorted-key JSON so the hash is
// insensitive to map-iteration order and numeric formatting drift.
func canonicalizePayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		b, err := canon.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("contenthash: canonicalize payload: %w", err)
		}
		return b, nil
	}
}

// SampleEntry is one (id, payload) pair going into a dataset hash.
type SampleEntry struct {
	SampleID string
	Payload  any
}

// DatasetHashResult mirrors spec.md's DatasetHashInfo derived fields.
type DatasetHashResult struct {
	DatasetHash    [32]byte
	TotalSamples   int
	TotalBytes     int
	ChunkSize      int // 0 when the dataset was small and unchunked
	ChunkHashes    [][32]byte
	UsedChunking   bool
}

// HashDataset computes the dataset hash over entries, choosing the
// single-shot or chunked formula per spec §4.3's T=5000/C=1000 rule.
// Entries are sorted by their string sample id before hashing so the
// result is independent of registration order.
func HashDataset(entries []SampleEntry, chunkSize int) (DatasetHashResult, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	sorted := make([]SampleEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SampleID < sorted[j].SampleID })

	serialized := make([][]byte, len(sorted))
	totalBytes := 0
	for i, e := range sorted {
		data, err := canonicalizePayload(e.Payload)
		if err != nil {
			return DatasetHashResult{}, err
		}
		serialized[i] = data
		totalBytes += len(data)
	}

	result := DatasetHashResult{
		TotalSamples: len(sorted),
		TotalBytes:   totalBytes,
	}

	if len(sorted) < LargeDatasetThreshold {
		combined := make([]byte, 0, totalBytes+len(sorted)*16)
		for i, e := range sorted {
			combined = append(combined, sampleEntryBytes(e.SampleID, serialized[i])...)
		}
		result.DatasetHash = cryptoprim.SHA256(combined)
		return result, nil
	}

	result.UsedChunking = true
	result.ChunkSize = chunkSize
	numChunks := (len(sorted) + chunkSize - 1) / chunkSize
	result.ChunkHashes = make([][32]byte, 0, numChunks)
	chunkConcat := make([]byte, 0, numChunks*32)

	for start := 0; start < len(sorted); start += chunkSize {
		end := start + chunkSize
		if end > len(sorted) {
			end = len(sorted)
		}
		var chunkData []byte
		for i := start; i < end; i++ {
			chunkData = append(chunkData, sampleEntryBytes(sorted[i].SampleID, serialized[i])...)
		}
		chunkHash := cryptoprim.SHA256(chunkData)
		result.ChunkHashes = append(result.ChunkHashes, chunkHash)
		chunkConcat = append(chunkConcat, chunkHash[:]...)
	}
	result.DatasetHash = cryptoprim.SHA256(chunkConcat)
	return result, nil
}

func sampleEntryBytes(sampleID string, data []byte) []byte {
	entry := make([]byte, 0, len(sampleID)+len(data)+16)
	entry = append(entry, []byte("sample_id:"+sampleID+"|data:")...)
	entry = append(entry, data...)
	entry = append(entry, '|')
	return entry
}

// CapsuleFingerprintInput carries the pieces hash_capsule_comprehensive
// combines. EncryptionBytes is nil when no encrypted payload exists yet
// (pre-audit registration never computes a fingerprint at all, but the
// materializer always supplies EncryptionBytes once AEAD output exists).
type CapsuleFingerprintInput struct {
	CapsuleID       string
	SamplePayload   any
	Metadata        map[string]any
	EncryptionBytes []byte // nil to omit the encryption_hash component
}

// CapsuleFingerprintResult mirrors spec.md's CapsuleHashInfo derived fields.
type CapsuleFingerprintResult struct {
	CapsuleHash     [32]byte
	SampleDataHash  [32]byte
	MetadataHash    [32]byte
	EncryptionHash  *[32]byte
}

// HashCapsule computes the capsule fingerprint per spec §4.3.
func HashCapsule(in CapsuleFingerprintInput) (CapsuleFingerprintResult, error) {
	sampleHash, err := HashSample(in.SamplePayload)
	if err != nil {
		return CapsuleFingerprintResult{}, err
	}

	metadataJSON, err := canon.Marshal(in.Metadata)
	if err != nil {
		return CapsuleFingerprintResult{}, fmt.Errorf("contenthash: canonicalize metadata: %w", err)
	}
	metadataHash := cryptoprim.SHA256(metadataJSON)

	components := [][]byte{
		[]byte("capsule_id:" + in.CapsuleID),
		append([]byte("sample_hash:"), sampleHash[:]...),
		append([]byte("metadata_hash:"), metadataHash[:]...),
	}

	result := CapsuleFingerprintResult{
		SampleDataHash: sampleHash,
		MetadataHash:   metadataHash,
	}

	if len(in.EncryptionBytes) > 0 {
		encHash := cryptoprim.SHA256(in.EncryptionBytes)
		result.EncryptionHash = &encHash
		components = append(components, append([]byte("encryption_hash:"), encHash[:]...))
	}

	joined := joinWithPipe(components)
	result.CapsuleHash = cryptoprim.SHA256(joined)
	return result, nil
}

func joinWithPipe(parts [][]byte) []byte {
	if len(parts) == 0 {
		return nil
	}
	size := len(parts) - 1
	for _, p := range parts {
		size += len(p)
	}
	out := make([]byte, 0, size)
	for i, p := range parts {
		if i > 0 {
			out = append(out, '|')
		}
		out = append(out, p...)
	}
	return out
}

// EncryptionHashInput canonicalizes an AEAD output the way the original's
// dict-shaped encrypted_data is serialized: bytes fields rendered as
// lowercase hex in a key-sorted JSON object, so HashCapsule's
// EncryptionBytes argument can be built consistently by callers.
type EncryptionHashInput struct {
	Ciphertext []byte
	Nonce      []byte
	Tag        []byte
	AAD        []byte
}

// Bytes renders the encryption output as canonical JSON with hex-encoded
// byte fields, suitable for HashCapsule's EncryptionBytes parameter.
func (e EncryptionHashInput) Bytes() ([]byte, error) {
	obj := map[string]any{
		"ciphertext": fmt.Sprintf("%x", e.Ciphertext),
		"nonce":      fmt.Sprintf("%x", e.Nonce),
		"tag":        fmt.Sprintf("%x", e.Tag),
	}
	if len(e.AAD) > 0 {
		obj["additional_data"] = fmt.Sprintf("%x", e.AAD)
	}
	return canon.Marshal(obj)
}
