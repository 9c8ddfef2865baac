package capsule

import (
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/lazyaudit-labs/engine/pkg/contenthash"
	"github.com/lazyaudit-labs/engine/pkg/errs"
	"github.com/lazyaudit-labs/engine/pkg/keyhierarchy"
	"github.com/lazyaudit-labs/engine/pkg/merkle"
)

// dataset is the mutable per-dataset state: the ordered sample map plus
// caches invalidated on new registrations (spec §3 Dataset).
type dataset struct {
	mu sync.Mutex

	id     string
	order  []string
	byID   map[string]*Sample

	cachedHash *contenthash.DatasetHashResult
	cachedTree *merkle.Tree
}

func newDataset(id string) *dataset {
	return &dataset{id: id, byID: make(map[string]*Sample)}
}

func (d *dataset) invalidateCaches() {
	d.cachedHash = nil
	d.cachedTree = nil
}

func (d *dataset) leaves() ([]merkle.Leaf, error) {
	leaves := make([]merkle.Leaf, len(d.order))
	for i, id := range d.order {
		sample := d.byID[id]
		h, err := contenthash.HashSample(sample.Plaintext)
		if err != nil {
			return nil, fmt.Errorf("capsule: hash sample %q: %w", id, err)
		}
		leaves[i] = merkle.Leaf{SampleID: id, Hash: h}
	}
	return leaves, nil
}

func (d *dataset) hashEntries() []contenthash.SampleEntry {
	entries := make([]contenthash.SampleEntry, len(d.order))
	for i, id := range d.order {
		entries[i] = contenthash.SampleEntry{SampleID: id, Payload: d.byID[id].Plaintext}
	}
	return entries
}

// Engine is the lazy capsule engine: registration does no cryptographic
// work at all, and materialization (at audit time) does all of it
// (spec §4.5). One Engine typically backs one Orchestrator instance.
type Engine struct {
	mu             sync.Mutex
	datasets       map[string]*dataset
	keys           *keyhierarchy.Manager
	proofCache     *merkle.ProofCache
	allowOverwrite bool
	chunkSize      int
	metadataSchema *jsonschema.Schema

	auditCounter uint64
	clock        func() time.Time
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithAllowOverwrite permits AddSample to replace an existing sample
// instead of failing with DuplicateSample (spec §4.5).
func WithAllowOverwrite(allow bool) Option {
	return func(e *Engine) { e.allowOverwrite = allow }
}

// WithChunkSize overrides the dataset-hash chunk size (default 1000).
func WithChunkSize(size int) Option {
	return func(e *Engine) { e.chunkSize = size }
}

// NewEngine constructs an engine bound to a key hierarchy manager and a
// proof cache of the given capacity.
func NewEngine(keys *keyhierarchy.Manager, proofCacheCapacity int, opts ...Option) *Engine {
	e := &Engine{
		datasets:   make(map[string]*dataset),
		keys:       keys,
		proofCache: merkle.NewProofCache(proofCacheCapacity),
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) datasetFor(datasetID string) *dataset {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.datasets[datasetID]
	if !ok {
		d = newDataset(datasetID)
		e.datasets[datasetID] = d
	}
	return d
}

func (e *Engine) existingDataset(datasetID string) (*dataset, error) {
	e.mu.Lock()
	d, ok := e.datasets[datasetID]
	e.mu.Unlock()
	if !ok {
		return nil, errs.New(errs.UnknownDataset, datasetID)
	}
	return d, nil
}

// AddSample registers a sample with no cryptographic work: it only
// inserts into the dataset's ordered map and invalidates cached hash/tree
// state (spec §4.5 registration).
func (e *Engine) AddSample(datasetID, sampleID string, plaintext any, metadata map[string]any) error {
	if datasetID == "" || sampleID == "" {
		return errs.New(errs.InvalidArgument, "dataset id and sample id are required")
	}
	if err := e.validateMetadata(sampleID, metadata); err != nil {
		return err
	}

	d := e.datasetFor(datasetID)
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.byID[sampleID]; exists {
		if !e.allowOverwrite {
			return errs.New(errs.DuplicateSample, sampleID)
		}
		d.byID[sampleID] = &Sample{
			SampleID:  sampleID,
			Plaintext: plaintext,
			Metadata:  metadata,
			AddedAt:   e.clock(),
			Index:     d.byID[sampleID].Index,
		}
		d.invalidateCaches()
		e.proofCache.InvalidateDataset(datasetID)
		return nil
	}

	d.byID[sampleID] = &Sample{
		SampleID:  sampleID,
		Plaintext: plaintext,
		Metadata:  metadata,
		AddedAt:   e.clock(),
		Index:     len(d.order),
	}
	d.order = append(d.order, sampleID)
	d.invalidateCaches()
	e.proofCache.InvalidateDataset(datasetID)
	return nil
}

// SampleCount returns the number of samples registered for datasetID, or
// UnknownDataset if it has never been seen.
func (e *Engine) SampleCount(datasetID string) (int, error) {
	d, err := e.existingDataset(datasetID)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.order), nil
}

// buildOrReuseTree returns the dataset's audit-time tree, building it
// fresh only when no cached tree exists or the sample count has changed
// since it was cached. Caller must hold d.mu.
func (e *Engine) buildOrReuseTree(d *dataset) (*merkle.Tree, bool, error) {
	if d.cachedTree != nil && d.cachedTree.Size == len(d.order) {
		return d.cachedTree, false, nil
	}
	if len(d.order) == 0 {
		return nil, false, errs.New(errs.InvalidArgument, "cannot audit a dataset with no registered samples")
	}
	leaves, err := d.leaves()
	if err != nil {
		return nil, false, err
	}
	tree, err := merkle.Build(leaves)
	if err != nil {
		return nil, false, err
	}
	d.cachedTree = tree
	return tree, true, nil
}

// buildOrReuseHash returns the dataset's hash info, recomputing it only
// when no cached value exists. Caller must hold d.mu.
func (e *Engine) buildOrReuseHash(d *dataset) (contenthash.DatasetHashResult, error) {
	if d.cachedHash != nil {
		return *d.cachedHash, nil
	}
	result, err := contenthash.HashDataset(d.hashEntries(), e.chunkSize)
	if err != nil {
		return contenthash.DatasetHashResult{}, err
	}
	d.cachedHash = &result
	return result, nil
}

// ProofCacheStats reports the engine's measured proof-cache effectiveness.
func (e *Engine) ProofCacheStats() merkle.Stats {
	return e.proofCache.Stats()
}

// ClearProofCache drops every cached proof across every dataset this
// engine has materialized, part of the orchestrator's teardown (spec
// §4.8 "closing every session and clearing caches").
func (e *Engine) ClearProofCache() {
	e.proofCache.Clear()
}

func (e *Engine) nextAuditID(datasetID string) string {
	e.mu.Lock()
	e.auditCounter++
	counter := e.auditCounter
	e.mu.Unlock()
	return fmt.Sprintf("audit_%s_%d_%d", datasetID, e.clock().UnixNano(), counter)
}
