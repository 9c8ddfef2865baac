// Package capsule implements the lazy capsule engine: sample registration
// with zero cryptographic work, audit-time materialization, and audit
// package assembly and verification (spec §4.5).
package capsule

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/lazyaudit-labs/engine/pkg/canon"
)

// Sample is one registered (id, plaintext, metadata) triple, immutable
// after registration (spec §3 Sample).
type Sample struct {
	SampleID  string
	Plaintext any
	Metadata  map[string]any
	AddedAt   time.Time
	Index     int
}

// EncryptedData mirrors spec §3 AuditCapsule.encrypted_data.
type EncryptedData struct {
	Ciphertext []byte
	Nonce      []byte
	Tag        []byte
	AAD        []byte
}

// MarshalJSON renders EncryptedData's fields as lowercase hex, the stable
// external encoding for byte-valued fields (spec §6).
func (d EncryptedData) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Ciphertext string `json:"ciphertext"`
		Nonce      string `json:"nonce"`
		Tag        string `json:"tag"`
		AAD        string `json:"aad"`
	}{
		Ciphertext: hexEncode(d.Ciphertext),
		Nonce:      hexEncode(d.Nonce),
		Tag:        hexEncode(d.Tag),
		AAD:        hexEncode(d.AAD),
	})
}

// ProofStep is one (sibling_hash, is_right_sibling) entry of a Merkle
// inclusion proof path, carried on the capsule rather than referencing
// pkg/merkle's transient Tree.
type ProofStep struct {
	Hash    [32]byte
	IsRight bool
}

// MarshalJSON renders a proof step as spec §6's `{hash,is_right}` shape.
func (p ProofStep) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Hash    string `json:"hash"`
		IsRight bool   `json:"is_right"`
	}{
		Hash:    hexEncode(p.Hash[:]),
		IsRight: p.IsRight,
	})
}

// MerkleProofView is the capsule-facing shape of a pkg/merkle.Proof.
type MerkleProofView struct {
	SampleID   string
	SampleHash [32]byte
	Path       []ProofStep
	Root       [32]byte
	TreeSize   int
}

// MarshalJSON renders the proof path under spec §6's `merkle_proof.proof_path`
// key, with hash fields as lowercase hex.
func (v MerkleProofView) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		SampleID   string      `json:"sample_id"`
		SampleHash string      `json:"sample_hash"`
		ProofPath  []ProofStep `json:"proof_path"`
		Root       string      `json:"root"`
		TreeSize   int         `json:"tree_size"`
	}{
		SampleID:   v.SampleID,
		SampleHash: hexEncode(v.SampleHash[:]),
		ProofPath:  v.Path,
		Root:       hexEncode(v.Root[:]),
		TreeSize:   v.TreeSize,
	})
}

// AuditCapsule is the per-sample bundle an audit package carries (spec §3).
type AuditCapsule struct {
	SampleID      string
	DatasetID     string
	SessionID     string
	EncryptedData EncryptedData
	MerkleProof   MerkleProofView
	Metadata      map[string]any
	CreatedAt     time.Time
	Version       string

	// TreeBuiltDuringAudit records whether this capsule's proof came from
	// a tree built fresh for this audit call, versus the dataset's cached
	// tree reused because no sample was registered since it was built.
	TreeBuiltDuringAudit bool
}

// MarshalJSON renders an AuditCapsule with the field names spec §6
// requires and a UTC RFC 3339 timestamp.
func (c AuditCapsule) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		SampleID             string          `json:"sample_id"`
		DatasetID            string          `json:"dataset_id"`
		SessionID            string          `json:"session_id"`
		EncryptedData        EncryptedData   `json:"encrypted_data"`
		MerkleProof          MerkleProofView `json:"merkle_proof"`
		Metadata             map[string]any  `json:"metadata"`
		CreatedAt            string          `json:"created_at"`
		Version              string          `json:"version"`
		TreeBuiltDuringAudit bool            `json:"tree_built_during_audit"`
	}{
		SampleID:             c.SampleID,
		DatasetID:            c.DatasetID,
		SessionID:            c.SessionID,
		EncryptedData:        c.EncryptedData,
		MerkleProof:          c.MerkleProof,
		Metadata:             c.Metadata,
		CreatedAt:            c.CreatedAt.UTC().Format(time.RFC3339),
		Version:              c.Version,
		TreeBuiltDuringAudit: c.TreeBuiltDuringAudit,
	})
}

// MerkleTreeInfo summarizes the tree an audit package's proofs anchor to.
type MerkleTreeInfo struct {
	RootHash    [32]byte
	SampleCount int
	TreeHeight  int
}

// MarshalJSON renders MerkleTreeInfo per spec §6's
// `merkle_tree_info {root_hash, sample_count, tree_height}`.
func (m MerkleTreeInfo) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		RootHash    string `json:"root_hash"`
		SampleCount int    `json:"sample_count"`
		TreeHeight  int    `json:"tree_height"`
	}{
		RootHash:    hexEncode(m.RootHash[:]),
		SampleCount: m.SampleCount,
		TreeHeight:  m.TreeHeight,
	})
}

// ComprehensiveHashInfo bundles the dataset hash and every materialized
// capsule's fingerprint, keyed by sample id.
type ComprehensiveHashInfo struct {
	DatasetHash         [32]byte
	TotalSamples        int
	TotalBytes          int
	ChunkSize           int
	ChunkHashes         [][32]byte
	UsedChunking        bool
	CapsuleFingerprints map[string][32]byte
}

// MarshalJSON renders ComprehensiveHashInfo with every hash field as
// lowercase hex (spec §6).
func (h ComprehensiveHashInfo) MarshalJSON() ([]byte, error) {
	chunkHashes := make([]string, len(h.ChunkHashes))
	for i, c := range h.ChunkHashes {
		chunkHashes[i] = hexEncode(c[:])
	}
	fingerprints := make(map[string]string, len(h.CapsuleFingerprints))
	for sampleID, fp := range h.CapsuleFingerprints {
		fingerprints[sampleID] = hexEncode(fp[:])
	}
	return json.Marshal(struct {
		DatasetHash         string            `json:"dataset_hash"`
		TotalSamples        int               `json:"total_samples"`
		TotalBytes          int               `json:"total_bytes"`
		ChunkSize           int               `json:"chunk_size"`
		ChunkHashes         []string          `json:"chunk_hashes,omitempty"`
		UsedChunking        bool              `json:"used_chunking"`
		CapsuleFingerprints map[string]string `json:"capsule_fingerprints"`
	}{
		DatasetHash:         hexEncode(h.DatasetHash[:]),
		TotalSamples:        h.TotalSamples,
		TotalBytes:          h.TotalBytes,
		ChunkSize:           h.ChunkSize,
		ChunkHashes:         chunkHashes,
		UsedChunking:        h.UsedChunking,
		CapsuleFingerprints: fingerprints,
	})
}

// PerformanceMetrics reports measured audit-time costs instead of the
// self-reported acceleration multipliers the original system advertised
// (spec §9 design notes).
type PerformanceMetrics struct {
	TreeBuildDuration       time.Duration `json:"tree_build_duration_ms"`
	MaterializationDuration time.Duration `json:"materialization_duration_ms"`
	CapsulesMaterialized    int           `json:"capsules_materialized"`
	ProofCacheHits          uint64        `json:"proof_cache_hits"`
	ProofCacheMisses        uint64        `json:"proof_cache_misses"`
}

// MarshalJSON renders durations as whole milliseconds rather than
// encoding/json's default nanosecond integer, which is not portable
// across languages reading the exported package.
func (p PerformanceMetrics) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		TreeBuildDurationMS       int64  `json:"tree_build_duration_ms"`
		MaterializationDurationMS int64  `json:"materialization_duration_ms"`
		CapsulesMaterialized      int    `json:"capsules_materialized"`
		ProofCacheHits            uint64 `json:"proof_cache_hits"`
		ProofCacheMisses          uint64 `json:"proof_cache_misses"`
	}{
		TreeBuildDurationMS:       p.TreeBuildDuration.Milliseconds(),
		MaterializationDurationMS: p.MaterializationDuration.Milliseconds(),
		CapsulesMaterialized:      p.CapsulesMaterialized,
		ProofCacheHits:            p.ProofCacheHits,
		ProofCacheMisses:          p.ProofCacheMisses,
	})
}

// StructuralFacts replaces the original's self-reported "patent
// compliance" booleans with facts that are true by construction of this
// engine, not measured per-call (spec §9). It serializes under the
// `patent_compliance` key spec §6's stable field list names.
type StructuralFacts struct {
	LazyMaterialization    bool `json:"lazy_materialization"`
	TreeBuiltAtAuditTime   bool `json:"tree_built_at_audit_time"`
	KeysDerivedOnDemand    bool `json:"keys_derived_on_demand"`
	NoPersistentKeyStorage bool `json:"no_persistent_key_storage"`
}

// DefaultStructuralFacts is the constant value every package carries: this
// engine never does eager crypto work at registration time, always builds
// its tree at audit time, always rederives keys per call, and never
// persists a derived key.
var DefaultStructuralFacts = StructuralFacts{
	LazyMaterialization:    true,
	TreeBuiltAtAuditTime:   true,
	KeysDerivedOnDemand:    true,
	NoPersistentKeyStorage: true,
}

// AuditPackage is the self-contained result of an audit (spec §4.5,
// §6 "Audit package").
type AuditPackage struct {
	AuditID              string
	DatasetID            string
	SessionID            string
	RequestedSamples     []string
	MaterializedCapsules []AuditCapsule
	MerkleTreeInfo       MerkleTreeInfo
	HashInfo             ComprehensiveHashInfo
	Performance          PerformanceMetrics
	StructuralFacts      StructuralFacts
	CreatedAt            time.Time
	PackageVersion       string
}

// MarshalJSON renders an AuditPackage under the exact field names spec §6
// requires (`comprehensive_hash_info`, `patent_compliance`, a UTC RFC 3339
// `created_at`); every byte-valued field underneath is hex via the nested
// types' own MarshalJSON. This is the struct-encoding half of the stable
// external interface; ExportJSON additionally canonicalizes key order and
// number formatting through pkg/canon.
func (p AuditPackage) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		AuditID              string                `json:"audit_id"`
		DatasetID            string                `json:"dataset_id"`
		SessionID            string                `json:"session_id"`
		RequestedSamples     []string              `json:"requested_samples"`
		MaterializedCapsules []AuditCapsule        `json:"materialized_capsules"`
		MerkleTreeInfo       MerkleTreeInfo        `json:"merkle_tree_info"`
		ComprehensiveHashInfo ComprehensiveHashInfo `json:"comprehensive_hash_info"`
		Performance          PerformanceMetrics    `json:"performance"`
		PatentCompliance     StructuralFacts       `json:"patent_compliance"`
		CreatedAt            string                `json:"created_at"`
		PackageVersion       string                `json:"package_version"`
	}{
		AuditID:               p.AuditID,
		DatasetID:             p.DatasetID,
		SessionID:             p.SessionID,
		RequestedSamples:      p.RequestedSamples,
		MaterializedCapsules:  p.MaterializedCapsules,
		MerkleTreeInfo:        p.MerkleTreeInfo,
		ComprehensiveHashInfo: p.HashInfo,
		Performance:           p.Performance,
		PatentCompliance:      p.StructuralFacts,
		CreatedAt:             p.CreatedAt.UTC().Format(time.RFC3339),
		PackageVersion:        p.PackageVersion,
	})
}

// ExportJSON renders the audit package as the stable, bit-exact external
// encoding spec §6 requires: canonical JSON with lexicographically sorted
// keys, UTF-8, no insignificant whitespace, byte-valued fields as
// lowercase hex. This is the encoding callers persist, transmit, or hash
// across process and language boundaries; Materialize's return value
// alone is not that encoding until it passes through here.
func (p AuditPackage) ExportJSON() ([]byte, error) {
	return canon.Marshal(p)
}

// PackageVersion is the current stable audit package schema version
// (spec §6).
const PackageVersion = "1.1"

func hexEncode(b []byte) string {
	return hex.EncodeToString(b)
}
