package capsule

import (
	"fmt"

	"github.com/lazyaudit-labs/engine/pkg/contenthash"
	"github.com/lazyaudit-labs/engine/pkg/errs"
	"github.com/lazyaudit-labs/engine/pkg/merkle"
)

// Materialize performs the audit-time phase over sampleIDs (spec §4.5
// "Materialization"). It builds or reuses the dataset's tree over *all*
// registered samples, derives a fresh capsule key and AEAD-encrypts each
// requested sample, computes its fingerprint, attaches its inclusion
// proof, and assembles the resulting AuditPackage.
func (e *Engine) Materialize(sessionID, datasetID string, sampleIDs []string) (*AuditPackage, error) {
	if len(sampleIDs) == 0 {
		return nil, errs.New(errs.InvalidArgument, "audit set must not be empty")
	}

	d, err := e.existingDataset(datasetID)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, id := range sampleIDs {
		if _, ok := d.byID[id]; !ok {
			return nil, errs.New(errs.UnknownSample, id)
		}
	}

	treeStart := e.clock()
	tree, builtFresh, err := e.buildOrReuseTree(d)
	if err != nil {
		return nil, err
	}
	treeBuildDuration := e.clock().Sub(treeStart)

	hashInfo, err := e.buildOrReuseHash(d)
	if err != nil {
		return nil, err
	}

	materializeStart := e.clock()
	capsules := make([]AuditCapsule, 0, len(sampleIDs))
	fingerprints := make(map[string][32]byte, len(sampleIDs))

	for _, sampleID := range sampleIDs {
		sample := d.byID[sampleID]

		plaintextBytes, err := contenthash.CanonicalizeBytes(sample.Plaintext)
		if err != nil {
			return nil, fmt.Errorf("capsule: canonicalize sample %q: %w", sampleID, err)
		}

		aad := []byte("sample:" + sampleID + ":dataset:" + datasetID)
		ciphertext, nonce, tag, err := e.keys.EncryptCapsule(sessionID, sampleID, "", plaintextBytes, aad)
		if err != nil {
			return nil, err
		}

		encHashInput := contenthash.EncryptionHashInput{
			Ciphertext: ciphertext,
			Nonce:      nonce,
			Tag:        tag,
			AAD:        aad,
		}
		encBytes, err := encHashInput.Bytes()
		if err != nil {
			return nil, err
		}

		fpResult, err := contenthash.HashCapsule(contenthash.CapsuleFingerprintInput{
			CapsuleID:       sampleID,
			SamplePayload:   sample.Plaintext,
			Metadata:        sample.Metadata,
			EncryptionBytes: encBytes,
		})
		if err != nil {
			return nil, err
		}
		fingerprints[sampleID] = fpResult.CapsuleHash

		cacheKey := merkle.CacheKey(datasetID, sampleID)
		proof, cached := e.proofCache.Get(cacheKey)
		if !cached {
			var ok bool
			proof, ok = merkle.GenerateProof(tree, sampleID)
			if !ok {
				return nil, errs.New(errs.UnknownSample, sampleID)
			}
			e.proofCache.Put(cacheKey, proof)
		}

		capsules = append(capsules, AuditCapsule{
			SampleID:  sampleID,
			DatasetID: datasetID,
			SessionID: sessionID,
			EncryptedData: EncryptedData{
				Ciphertext: ciphertext,
				Nonce:      nonce,
				Tag:        tag,
				AAD:        aad,
			},
			MerkleProof:          toProofView(proof),
			Metadata:             sample.Metadata,
			CreatedAt:            e.clock(),
			Version:              PackageVersion,
			TreeBuiltDuringAudit: builtFresh,
		})
	}

	stats := e.proofCache.Stats()

	pkg := &AuditPackage{
		AuditID:              e.nextAuditID(datasetID),
		DatasetID:            datasetID,
		SessionID:            sessionID,
		RequestedSamples:     append([]string{}, sampleIDs...),
		MaterializedCapsules: capsules,
		MerkleTreeInfo: MerkleTreeInfo{
			RootHash:    tree.Root,
			SampleCount: tree.Size,
			TreeHeight:  tree.Height(),
		},
		HashInfo: ComprehensiveHashInfo{
			DatasetHash:         hashInfo.DatasetHash,
			TotalSamples:        hashInfo.TotalSamples,
			TotalBytes:          hashInfo.TotalBytes,
			ChunkSize:           hashInfo.ChunkSize,
			ChunkHashes:         hashInfo.ChunkHashes,
			UsedChunking:        hashInfo.UsedChunking,
			CapsuleFingerprints: fingerprints,
		},
		Performance: PerformanceMetrics{
			TreeBuildDuration:       treeBuildDuration,
			MaterializationDuration: e.clock().Sub(materializeStart),
			CapsulesMaterialized:    len(capsules),
			ProofCacheHits:          stats.Hits,
			ProofCacheMisses:        stats.Misses,
		},
		StructuralFacts: DefaultStructuralFacts,
		CreatedAt:       e.clock(),
		PackageVersion:  PackageVersion,
	}
	return pkg, nil
}

func toProofView(p merkle.Proof) MerkleProofView {
	steps := make([]ProofStep, len(p.Path))
	for i, s := range p.Path {
		steps[i] = ProofStep{Hash: s.Sibling, IsRight: s.IsRightSibling}
	}
	return MerkleProofView{
		SampleID:   p.SampleID,
		SampleHash: p.SampleHash,
		Path:       steps,
		Root:       p.Root,
		TreeSize:   p.TreeSize,
	}
}

func fromProofView(v MerkleProofView) merkle.Proof {
	steps := make([]merkle.Step, len(v.Path))
	for i, s := range v.Path {
		steps[i] = merkle.Step{Sibling: s.Hash, IsRightSibling: s.IsRight}
	}
	return merkle.Proof{
		SampleID:   v.SampleID,
		SampleHash: v.SampleHash,
		Path:       steps,
		Root:       v.Root,
		TreeSize:   v.TreeSize,
	}
}

// VerifyOptions controls how deep Verify checks an AuditPackage.
type VerifyOptions struct {
	// ReDecrypt re-derives each capsule's key and AEAD-decrypts it,
	// requiring SessionID to be a still-open session on the same key
	// manager that produced the package.
	ReDecrypt bool
	SessionID string
}

// VerifyCapsule checks a single capsule within pkg: its Merkle proof
// against the package's root, the presence of its fingerprint, and
// optionally a redecrypt-and-recompute pass — without deciding anything
// about the rest of the package. Callers that need a measured per-capsule
// result (rather than Verify's fail-fast whole-package check) use this
// directly.
func (e *Engine) VerifyCapsule(pkg *AuditPackage, capsule AuditCapsule, opts VerifyOptions) error {
	proof := fromProofView(capsule.MerkleProof)
	if !merkle.Verify(proof, pkg.MerkleTreeInfo.RootHash) {
		return errs.New(errs.ProofInvalid, capsule.SampleID)
	}

	fp, ok := pkg.HashInfo.CapsuleFingerprints[capsule.SampleID]
	if !ok {
		return errs.New(errs.InvalidArgument, "missing capsule fingerprint for "+capsule.SampleID)
	}

	if !opts.ReDecrypt {
		return nil
	}

	encHashInput := contenthash.EncryptionHashInput{
		Ciphertext: capsule.EncryptedData.Ciphertext,
		Nonce:      capsule.EncryptedData.Nonce,
		Tag:        capsule.EncryptedData.Tag,
		AAD:        capsule.EncryptedData.AAD,
	}
	encBytes, err := encHashInput.Bytes()
	if err != nil {
		return err
	}

	plaintext, err := e.keys.DecryptCapsule(opts.SessionID, capsule.SampleID, "", capsule.EncryptedData.Ciphertext, capsule.EncryptedData.Nonce, capsule.EncryptedData.Tag, capsule.EncryptedData.AAD)
	if err != nil {
		return err
	}
	recomputed, err := contenthash.HashCapsule(contenthash.CapsuleFingerprintInput{
		CapsuleID:       capsule.SampleID,
		SamplePayload:   plaintext,
		Metadata:        capsule.Metadata,
		EncryptionBytes: encBytes,
	})
	if err != nil {
		return err
	}
	if recomputed.CapsuleHash != fp {
		return errs.New(errs.InvalidArgument, "capsule fingerprint mismatch for "+capsule.SampleID)
	}

	return nil
}

// Verify checks an AuditPackage using only information in the package
// (plus, optionally, a live session to re-decrypt) — spec §4.5 "Package
// verification". It never mutates engine state.
func (e *Engine) Verify(pkg *AuditPackage, opts VerifyOptions) error {
	if len(pkg.MaterializedCapsules) == 0 {
		return errs.New(errs.InvalidArgument, "audit package has no materialized capsules")
	}

	for _, capsule := range pkg.MaterializedCapsules {
		if err := e.VerifyCapsule(pkg, capsule, opts); err != nil {
			return err
		}
	}

	if pkg.MerkleTreeInfo.RootHash == ([32]byte{}) {
		return errs.New(errs.RootMismatch, "package carries no merkle root")
	}

	return nil
}
