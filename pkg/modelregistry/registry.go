// Package modelregistry maps (model_version, dataset_hash) pairs to
// provenance records with O(1) lookup, lineage tracking, and
// selective-materialization queries (spec §4.7).
package modelregistry

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lazyaudit-labs/engine/pkg/errs"
)

// Record is one registered (model_version, dataset_hash) provenance entry
// (spec §3 ModelVersionRecord).
type Record struct {
	ModelVersion   string
	DatasetID      string
	DatasetHashHex string
	RegisteredAt   time.Time
	ModelType      string
	ParentVersion  string // empty when this version has no parent
	Metadata       map[string]any
}

// Key returns the composite lookup key spec §4.7/§6 mandates.
func Key(modelVersion, datasetHashHex string) string {
	return "model:" + modelVersion + ":dataset:" + datasetHashHex
}

// Lineage describes a model version's ancestry and descent (spec §4.7).
type Lineage struct {
	ModelVersion string
	Ancestors    []string
	Descendants  []string
	Datasets     []string
	Depth        int
}

// Registry is a thread-safe (model_version, dataset_hash) index with
// secondary indexes for dataset and model-version lookups, grounded on
// the primary-map-plus-secondary-indices shape used elsewhere in this
// codebase's lineage (spec §3 auxiliary indexes).
type Registry struct {
	mu sync.RWMutex

	records        map[string]*Record   // composite key -> record
	byModelVersion map[string][]string  // model_version -> composite keys
	byDatasetHash  map[string][]string  // dataset_hash_hex -> composite keys
	parentOf       map[string]string    // model_version -> parent_version
	childrenOf     map[string][]string  // parent_version -> model_versions
	checkpoints    map[string][]byte    // "checkpoint:"+id -> opaque payload

	clock func() time.Time
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		records:        make(map[string]*Record),
		byModelVersion: make(map[string][]string),
		byDatasetHash:  make(map[string][]string),
		parentOf:       make(map[string]string),
		childrenOf:     make(map[string][]string),
		checkpoints:    make(map[string][]byte),
		clock:          time.Now,
	}
}

// Register inserts a provenance record, refusing a parent edge that would
// close a lineage cycle (spec §4.7 invariant, §8 scenario 6). The
// Python original this engine is modeled on walks ancestors with no cycle
// guard at all; this is a deliberate strengthening.
func (r *Registry) Register(rec Record) (string, error) {
	if rec.ModelVersion == "" || rec.DatasetID == "" || rec.DatasetHashHex == "" {
		return "", errs.New(errs.InvalidArgument, "model_version, dataset_id, and dataset_hash_hex are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if rec.ParentVersion != "" {
		if rec.ParentVersion == rec.ModelVersion {
			return "", errs.New(errs.CycleDetected, rec.ModelVersion+" cannot be its own parent")
		}
		if r.reachableLocked(rec.ParentVersion, rec.ModelVersion) {
			return "", errs.New(errs.CycleDetected, "registering "+rec.ModelVersion+" as a descendant of "+rec.ParentVersion+" would close a cycle")
		}
	}

	key := Key(rec.ModelVersion, rec.DatasetHashHex)
	stored := rec
	if stored.RegisteredAt.IsZero() {
		stored.RegisteredAt = r.clock()
	}
	r.records[key] = &stored

	r.byModelVersion[rec.ModelVersion] = appendUnique(r.byModelVersion[rec.ModelVersion], key)
	r.byDatasetHash[rec.DatasetHashHex] = appendUnique(r.byDatasetHash[rec.DatasetHashHex], key)

	if rec.ParentVersion != "" {
		r.parentOf[rec.ModelVersion] = rec.ParentVersion
		r.childrenOf[rec.ParentVersion] = appendUnique(r.childrenOf[rec.ParentVersion], rec.ModelVersion)
	}

	return key, nil
}

// reachableLocked reports whether target is reachable from start by
// walking ancestor (parentOf) links; caller must hold r.mu.
func (r *Registry) reachableLocked(start, target string) bool {
	visited := make(map[string]bool)
	cur := start
	for cur != "" {
		if cur == target {
			return true
		}
		if visited[cur] {
			return false
		}
		visited[cur] = true
		cur = r.parentOf[cur]
	}
	return false
}

func appendUnique(slice []string, value string) []string {
	for _, v := range slice {
		if v == value {
			return slice
		}
	}
	return append(slice, value)
}

// Get performs the O(1) composite-key lookup (spec I6).
func (r *Registry) Get(modelVersion, datasetHashHex string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[Key(modelVersion, datasetHashHex)]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Lineage resolves ancestors and descendants for modelVersion, bounded by
// a visited-set cycle guard so a malformed graph can never hang a caller.
func (r *Registry) Lineage(modelVersion string) Lineage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ancestors := []string{}
	seen := map[string]bool{modelVersion: true}
	cur := r.parentOf[modelVersion]
	for cur != "" && !seen[cur] {
		ancestors = append(ancestors, cur)
		seen[cur] = true
		cur = r.parentOf[cur]
	}

	descendants := []string{}
	visited := map[string]bool{modelVersion: true}
	queue := append([]string{}, r.childrenOf[modelVersion]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if visited[next] {
			continue
		}
		visited[next] = true
		descendants = append(descendants, next)
		queue = append(queue, r.childrenOf[next]...)
	}

	datasetSet := make(map[string]bool)
	for _, key := range r.byModelVersion[modelVersion] {
		datasetSet[r.records[key].DatasetID] = true
	}
	datasets := make([]string, 0, len(datasetSet))
	for id := range datasetSet {
		datasets = append(datasets, id)
	}
	sort.Strings(datasets)

	return Lineage{
		ModelVersion: modelVersion,
		Ancestors:    ancestors,
		Descendants:  descendants,
		Datasets:     datasets,
		Depth:        len(ancestors),
	}
}

// Compatible returns every record for datasetHashHex, optionally filtered
// to one modelType.
func (r *Registry) Compatible(datasetHashHex string, modelType string) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, 0)
	for _, key := range r.byDatasetHash[datasetHashHex] {
		rec := r.records[key]
		if modelType != "" && rec.ModelType != modelType {
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelVersion < out[j].ModelVersion })
	return out
}

// Checkpoint stores an auxiliary record under "checkpoint:"+id (spec §6).
func (r *Registry) Checkpoint(modelVersion string, data []byte) (string, error) {
	if modelVersion == "" {
		return "", errs.New(errs.InvalidArgument, "model_version is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byModelVersion[modelVersion]; !ok {
		return "", errs.New(errs.InvalidArgument, "unknown model_version "+modelVersion)
	}

	id := uuid.New().String()
	r.checkpoints["checkpoint:"+id] = append([]byte{}, data...)
	return id, nil
}

// CheckpointData retrieves a previously stored checkpoint payload by id.
func (r *Registry) CheckpointData(checkpointID string) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	data, ok := r.checkpoints["checkpoint:"+checkpointID]
	return data, ok
}
