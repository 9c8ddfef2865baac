// Package metadatastore persists AuditMetadata records and maintains a
// hash-chained tamper-evident log (spec §4.6).
package metadatastore

import (
	"encoding/hex"
	"encoding/json"
	"time"
)

// VerificationResult summarizes one capsule's verification outcome within
// an AuditMetadata record.
type VerificationResult struct {
	SampleID string `json:"sample_id"`
	Verified bool   `json:"verified"`
	Reason   string `json:"reason,omitempty"`
}

// AuditMetadata is the structured record stored per audit (spec §3).
type AuditMetadata struct {
	AuditID             string                `json:"audit_id"`
	DatasetID           string                `json:"dataset_id"`
	ModelVersion        string                `json:"model_version,omitempty"`
	Timestamp           time.Time             `json:"timestamp"`
	MerkleRootHex       string                `json:"merkle_root_hex"`
	SamplesAudited      []string              `json:"samples_audited"`
	VerificationResults []VerificationResult  `json:"verification_results"`
	TamperLog           []LogEntry            `json:"tamper_log"`
	ComplianceFramework string                `json:"compliance_framework,omitempty"`
	AuditType           string                `json:"audit_type,omitempty"`
}

// LogEntry is one hash-chained tamper-log entry (spec §3 LogEntry).
type LogEntry struct {
	Event         string    `json:"event"`
	AuditID       string    `json:"audit_id"`
	Timestamp     time.Time `json:"timestamp"`
	IntegrityHash [32]byte  `json:"-"`
	PreviousHash  *[32]byte `json:"-"`
}

// MarshalJSON renders LogEntry with hex-encoded hash fields, matching the
// stable external encoding (spec §6).
func (e LogEntry) MarshalJSON() ([]byte, error) {
	view := struct {
		Event         string `json:"event"`
		AuditID       string `json:"audit_id"`
		Timestamp     string `json:"timestamp"`
		IntegrityHash string `json:"integrity_hash"`
		PreviousHash  string `json:"previous_hash,omitempty"`
	}{
		Event:         e.Event,
		AuditID:       e.AuditID,
		Timestamp:     e.Timestamp.UTC().Format(time.RFC3339),
		IntegrityHash: hexEncode(e.IntegrityHash[:]),
	}
	if e.PreviousHash != nil {
		view.PreviousHash = hexEncode(e.PreviousHash[:])
	}
	return json.Marshal(view)
}

func hexEncode(b []byte) string {
	return hex.EncodeToString(b)
}
