package metadatastore

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lazyaudit-labs/engine/pkg/canon"
	"github.com/lazyaudit-labs/engine/pkg/cryptoprim"
	"github.com/lazyaudit-labs/engine/pkg/errs"
)

// recordForHashing is AuditMetadata minus its tamper_log tail, the exact
// shape spec §4.6 hashes to produce a record's integrity_hash.
type recordForHashing struct {
	AuditID             string               `json:"audit_id"`
	DatasetID           string               `json:"dataset_id"`
	ModelVersion        string               `json:"model_version,omitempty"`
	Timestamp           string               `json:"timestamp"`
	MerkleRootHex       string               `json:"merkle_root_hex"`
	SamplesAudited      []string             `json:"samples_audited"`
	VerificationResults []VerificationResult `json:"verification_results"`
	ComplianceFramework string               `json:"compliance_framework,omitempty"`
	AuditType           string               `json:"audit_type,omitempty"`
}

func integrityHashOf(record AuditMetadata) ([32]byte, error) {
	view := recordForHashing{
		AuditID:             record.AuditID,
		DatasetID:           record.DatasetID,
		ModelVersion:        record.ModelVersion,
		Timestamp:           record.Timestamp.UTC().Format(time.RFC3339),
		MerkleRootHex:       record.MerkleRootHex,
		SamplesAudited:      record.SamplesAudited,
		VerificationResults: record.VerificationResults,
		ComplianceFramework: record.ComplianceFramework,
		AuditType:           record.AuditType,
	}
	canonical, err := canon.Marshal(view)
	if err != nil {
		return [32]byte{}, fmt.Errorf("metadatastore: canonicalize record: %w", err)
	}
	return cryptoprim.SHA256(canonical), nil
}

// Store persists AuditMetadata records and a single global tamper log
// (spec §4.6). All state is guarded by one mutex; the store is the
// metadata-store analogue of the dataset mutex in pkg/capsule.
type Store struct {
	mu sync.Mutex

	records   map[string]*AuditMetadata
	tamperLog []LogEntry
	// brokenAt is the index of the first tamper log entry whose
	// previous_hash fails to match, or -1 if the chain is intact. Broken
	// entries are kept, never deleted (spec §6 loader policy).
	brokenAt int

	path  string
	clock func() time.Time
}

// NewStore constructs an empty store. path is where Save/Load persist to;
// an empty path disables file persistence (in-memory only, useful in
// tests and for orchestrators that manage their own storage).
func NewStore(path string) *Store {
	return &Store{
		records:   make(map[string]*AuditMetadata),
		tamperLog: nil,
		brokenAt:  -1,
		path:      path,
		clock:     time.Now,
	}
}

// StoreAudit computes the record's integrity hash, appends a
// "metadata_stored" tamper-log entry chained to the previous one, and
// indexes the record by audit id.
func (s *Store) StoreAudit(record AuditMetadata) error {
	if record.AuditID == "" {
		return errs.New(errs.InvalidArgument, "audit id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[record.AuditID]; exists {
		return errs.New(errs.InvalidArgument, "audit "+record.AuditID+" already stored")
	}

	integrityHash, err := integrityHashOf(record)
	if err != nil {
		return err
	}

	var previousHash *[32]byte
	if len(s.tamperLog) > 0 {
		last := s.tamperLog[len(s.tamperLog)-1]
		h, err := canon.Marshal(last)
		if err != nil {
			return fmt.Errorf("metadatastore: canonicalize previous log entry: %w", err)
		}
		computed := cryptoprim.SHA256(h)
		previousHash = &computed
	}

	entry := LogEntry{
		Event:         "metadata_stored",
		AuditID:       record.AuditID,
		Timestamp:     s.clock(),
		IntegrityHash: integrityHash,
		PreviousHash:  previousHash,
	}
	s.tamperLog = append(s.tamperLog, entry)

	stored := record
	stored.TamperLog = append([]LogEntry{}, s.tamperLog...)
	s.records[record.AuditID] = &stored

	return nil
}

// Get returns the stored record for auditID, if any.
func (s *Store) Get(auditID string) (AuditMetadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[auditID]
	if !ok {
		return AuditMetadata{}, false
	}
	return *record, true
}

// TamperLog returns a copy of the global tamper log in append order.
func (s *Store) TamperLog() []LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LogEntry{}, s.tamperLog...)
}

// VerifyChain walks the tamper log end-to-end and reports whether it is
// intact, and if not, the index of the first broken link (spec I4).
func (s *Store) VerifyChain() (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verifyChainLocked()
}

func (s *Store) verifyChainLocked() (bool, int) {
	var prevHash *[32]byte
	for i, entry := range s.tamperLog {
		if !samePreviousHash(entry.PreviousHash, prevHash) {
			return false, i
		}
		h, err := canon.Marshal(entry)
		if err != nil {
			return false, i
		}
		computed := cryptoprim.SHA256(h)
		prevHash = &computed
	}
	return true, -1
}

func samePreviousHash(a, b *[32]byte) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}

// persistedDoc is the on-disk JSON document shape (spec §6 "Metadata
// store file").
type persistedDoc struct {
	MetadataStore map[string]AuditMetadata `json:"metadata_store"`
	TamperLog     []LogEntry                `json:"tamper_log"`
	LastUpdated   string                    `json:"last_updated"`
}

// Save writes the store to its configured path by writing to a sibling
// temp file and renaming, so a crash mid-write never leaves a partial
// file in place (spec §7 persistence policy).
func (s *Store) Save() error {
	if s.path == "" {
		return errs.New(errs.InvalidArgument, "store has no configured persistence path")
	}

	s.mu.Lock()
	doc := persistedDoc{
		MetadataStore: make(map[string]AuditMetadata, len(s.records)),
		TamperLog:     append([]LogEntry{}, s.tamperLog...),
		LastUpdated:   s.clock().UTC().Format(time.RFC3339),
	}
	for id, record := range s.records {
		doc.MetadataStore[id] = *record
	}
	s.mu.Unlock()

	raw, err := json.Marshal(doc)
	if err != nil {
		return errs.Wrap(errs.PersistenceError, "marshal metadata store", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o644); err != nil {
		return errs.Wrap(errs.PersistenceError, "write temp metadata store file", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return errs.Wrap(errs.PersistenceError, "rename metadata store file", err)
	}
	return nil
}

// diskLogEntry mirrors the on-disk hex-encoded LogEntry shape so Load can
// parse it back into the hash-typed in-memory LogEntry.
type diskLogEntry struct {
	Event         string `json:"event"`
	AuditID       string `json:"audit_id"`
	Timestamp     string `json:"timestamp"`
	IntegrityHash string `json:"integrity_hash"`
	PreviousHash  string `json:"previous_hash,omitempty"`
}

// Load reads the store from its configured path. A missing file or empty
// contents are tolerated and leave the store empty (spec §6 loader
// policy). A broken chain is flagged via VerifyChain, never refused.
func (s *Store) Load() error {
	if s.path == "" {
		return errs.New(errs.InvalidArgument, "store has no configured persistence path")
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.Wrap(errs.PersistenceError, "read metadata store file", err)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil
	}

	var onDisk struct {
		MetadataStore map[string]AuditMetadata `json:"metadata_store"`
		TamperLog     []diskLogEntry            `json:"tamper_log"`
		LastUpdated   string                    `json:"last_updated"`
	}
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		return errs.Wrap(errs.PersistenceError, "parse metadata store file", err)
	}

	log := make([]LogEntry, len(onDisk.TamperLog))
	for i, e := range onDisk.TamperLog {
		integrityHash, err := decodeHash(e.IntegrityHash)
		if err != nil {
			return errs.Wrap(errs.PersistenceError, "decode integrity hash", err)
		}
		ts, _ := time.Parse(time.RFC3339, e.Timestamp)
		entry := LogEntry{
			Event:         e.Event,
			AuditID:       e.AuditID,
			Timestamp:     ts,
			IntegrityHash: integrityHash,
		}
		if e.PreviousHash != "" {
			prev, err := decodeHash(e.PreviousHash)
			if err != nil {
				return errs.Wrap(errs.PersistenceError, "decode previous hash", err)
			}
			entry.PreviousHash = &prev
		}
		log[i] = entry
	}

	s.mu.Lock()
	s.records = make(map[string]*AuditMetadata, len(onDisk.MetadataStore))
	for id, record := range onDisk.MetadataStore {
		r := record
		s.records[id] = &r
	}
	s.tamperLog = log
	ok, brokenAt := s.verifyChainLocked()
	if ok {
		s.brokenAt = -1
	} else {
		s.brokenAt = brokenAt
	}
	s.mu.Unlock()

	return nil
}

func decodeHash(hexStr string) ([32]byte, error) {
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return [32]byte{}, err
	}
	if len(b) != 32 {
		return [32]byte{}, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	var out [32]byte
	copy(out[:], b)
	return out, nil
}

// LoadedChainBroken reports whether the most recent Load found a broken
// tamper-log chain. Entries are never dropped when this is true; callers
// decide how to surface the flag (spec §6: "flagging, not refusing to
// load").
func (s *Store) LoadedChainBroken() (broken bool, atIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.brokenAt >= 0, s.brokenAt
}

// ExportJSON renders the store as the canonical persistence document
// (spec §4.6 "Export formats").
func (s *Store) ExportJSON() ([]byte, error) {
	s.mu.Lock()
	doc := persistedDoc{
		MetadataStore: make(map[string]AuditMetadata, len(s.records)),
		TamperLog:     append([]LogEntry{}, s.tamperLog...),
		LastUpdated:   s.clock().UTC().Format(time.RFC3339),
	}
	for id, record := range s.records {
		doc.MetadataStore[id] = *record
	}
	s.mu.Unlock()
	return canon.Marshal(doc)
}

// ExportText renders a compact operator-facing summary, one line per
// audit, sorted by audit id for reproducible diffs.
func (s *Store) ExportText() string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	for _, id := range ids {
		record := s.records[id]
		fmt.Fprintf(&b, "%s  dataset=%s  samples=%d  root=%s\n",
			record.AuditID, record.DatasetID, len(record.SamplesAudited), record.MerkleRootHex)
	}
	ok, brokenAt := s.verifyChainLocked()
	logLen := len(s.tamperLog)
	s.mu.Unlock()

	if !ok {
		fmt.Fprintf(&b, "tamper log: BROKEN at entry %d\n", brokenAt)
	} else {
		fmt.Fprintf(&b, "tamper log: intact (%d entries)\n", logLen)
	}
	return b.String()
}
