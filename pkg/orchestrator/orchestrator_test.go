package orchestrator

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazyaudit-labs/engine/pkg/capsule"
	"github.com/lazyaudit-labs/engine/pkg/config"
	"github.com/lazyaudit-labs/engine/pkg/modelregistry"
)

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	cfg := config.Load()
	cfg.MetadataStorePath = ""
	cfg.AuditRateLimitPerSecond = 1000
	cfg.PBKDF2Iterations = 1000
	return New(cfg, nil)
}

func TestAddTrainingSamplesTagsPhaseMetadata(t *testing.T) {
	o := newTestOrchestrator(t)
	require.NoError(t, o.AddTrainingSamples("ds-1", []SampleInput{
		{SampleID: "1", Plaintext: "a"},
		{SampleID: "2", Plaintext: "b", Metadata: map[string]any{"source": "ingest"}},
	}, "v1"))

	count, err := o.engine.SampleCount("ds-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	trails := o.datasetTrailsSnapshot()
	trail, ok := trails["ds-1"]
	require.True(t, ok)
	assert.Equal(t, "v1", trail.ModelVersion)
	assert.False(t, trail.CreatedAt.IsZero())

	require.NoError(t, o.OpenSession("sess-1", "ds-1", []byte("pw"), nil))
	pkg, err := o.GenerateComplianceAudit(context.Background(), AuditRequest{
		SessionID: "sess-1",
		DatasetID: "ds-1",
		SampleIDs: []string{"1", "2"},
	})
	require.NoError(t, err)
	require.Len(t, pkg.MaterializedCapsules, 2)
	for _, c := range pkg.MaterializedCapsules {
		assert.Equal(t, "training", c.Metadata["sample_type"])
		assert.Equal(t, "v1", c.Metadata["model_version"])
	}
	assert.Equal(t, "ingest", pkg.MaterializedCapsules[1].Metadata["source"])
}

func TestAddInferenceSamplesWrapsInputOutputPayload(t *testing.T) {
	o := newTestOrchestrator(t)
	require.NoError(t, o.AddInferenceSamples("ds-1", []InferenceSampleInput{
		{SampleID: "1", Input: "prompt", Output: "completion"},
	}, "v1"))

	count, err := o.engine.SampleCount("ds-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, o.OpenSession("sess-1", "ds-1", []byte("pw"), nil))
	pkg, err := o.GenerateComplianceAudit(context.Background(), AuditRequest{
		SessionID: "sess-1",
		DatasetID: "ds-1",
		SampleIDs: []string{"1"},
	})
	require.NoError(t, err)

	raw, err := pkg.ExportJSON()
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "inference_timestamp",
		"inference payload is encrypted; its field names must not leak into the unencrypted package")
}

func TestGenerateComplianceAuditStoresMetadata(t *testing.T) {
	o := newTestOrchestrator(t)
	require.NoError(t, o.OpenSession("sess-1", "ds-1", []byte("pw"), nil))
	require.NoError(t, o.AddTrainingSamples("ds-1", []SampleInput{
		{SampleID: "1", Plaintext: "a"},
		{SampleID: "2", Plaintext: "b"},
	}, "v1"))

	pkg, err := o.GenerateComplianceAudit(context.Background(), AuditRequest{
		SessionID:           "sess-1",
		DatasetID:           "ds-1",
		SampleIDs:           []string{"1", "2"},
		ModelVersion:        "v1",
		ComplianceFramework: "soc2",
		AuditType:           "scheduled",
	})
	require.NoError(t, err)
	require.NotNil(t, pkg)
	assert.Len(t, pkg.MaterializedCapsules, 2)

	record, ok := o.metadata.Get(pkg.AuditID)
	require.True(t, ok)
	assert.Equal(t, "v1", record.ModelVersion)
	assert.Equal(t, "soc2", record.ComplianceFramework)
	require.Len(t, record.VerificationResults, 2)
	for _, result := range record.VerificationResults {
		assert.True(t, result.Verified, "untampered capsule %s should verify", result.SampleID)
		assert.Empty(t, result.Reason)
	}
	assert.NotEmpty(t, record.MerkleRootHex)

	trails := o.datasetTrailsSnapshot()
	trail, ok := trails["ds-1"]
	require.True(t, ok)
	assert.Equal(t, 1, trail.AuditCount)
	assert.True(t, trail.ComplianceVerified)
	require.NotNil(t, trail.LastAudit)
}

func TestGenerateComplianceAuditReportsRealVerificationFailure(t *testing.T) {
	o := newTestOrchestrator(t)
	require.NoError(t, o.OpenSession("sess-1", "ds-1", []byte("pw"), nil))
	require.NoError(t, o.AddTrainingSamples("ds-1", []SampleInput{
		{SampleID: "1", Plaintext: "a"},
	}, "v1"))

	pkg, err := o.GenerateComplianceAudit(context.Background(), AuditRequest{
		SessionID: "sess-1",
		DatasetID: "ds-1",
		SampleIDs: []string{"1"},
	})
	require.NoError(t, err)

	tampered := pkg.MaterializedCapsules[0]
	tampered.EncryptedData.Ciphertext = append([]byte{}, tampered.EncryptedData.Ciphertext...)
	tampered.EncryptedData.Ciphertext[0] ^= 0xFF
	err = o.engine.VerifyCapsule(pkg, tampered, capsule.VerifyOptions{ReDecrypt: true, SessionID: "sess-1"})
	require.Error(t, err, "a tampered ciphertext must fail verification, not be reported as verified")
}

func TestVerifyAuditIntegrityDelegatesToEngine(t *testing.T) {
	o := newTestOrchestrator(t)
	require.NoError(t, o.OpenSession("sess-1", "ds-1", []byte("pw"), nil))
	require.NoError(t, o.AddTrainingSamples("ds-1", []SampleInput{
		{SampleID: "1", Plaintext: "a"},
	}, ""))

	pkg, err := o.GenerateComplianceAudit(context.Background(), AuditRequest{
		SessionID: "sess-1",
		DatasetID: "ds-1",
		SampleIDs: []string{"1"},
	})
	require.NoError(t, err)

	require.NoError(t, o.VerifyAuditIntegrity(pkg, capsule.VerifyOptions{}))

	pkg.MerkleTreeInfo.RootHash[0] ^= 0xFF
	require.Error(t, o.VerifyAuditIntegrity(pkg, capsule.VerifyOptions{}))
}

func TestVerifyAuditIntegrityCachesRepeatedVerification(t *testing.T) {
	o := newTestOrchestrator(t)
	require.NoError(t, o.OpenSession("sess-1", "ds-1", []byte("pw"), nil))
	require.NoError(t, o.AddTrainingSamples("ds-1", []SampleInput{
		{SampleID: "1", Plaintext: "a"},
	}, ""))

	pkg, err := o.GenerateComplianceAudit(context.Background(), AuditRequest{
		SessionID: "sess-1",
		DatasetID: "ds-1",
		SampleIDs: []string{"1"},
	})
	require.NoError(t, err)

	require.NoError(t, o.VerifyAuditIntegrity(pkg, capsule.VerifyOptions{}))
	_, cached := o.verifyCache.Get(pkg)
	assert.True(t, cached, "a verified package's outcome should be memoized")
}

func TestGlobalPerformanceReportReflectsProofCacheActivity(t *testing.T) {
	o := newTestOrchestrator(t)
	require.NoError(t, o.OpenSession("sess-1", "ds-1", []byte("pw"), nil))
	require.NoError(t, o.AddTrainingSamples("ds-1", []SampleInput{
		{SampleID: "1", Plaintext: "a"},
	}, ""))

	_, err := o.GenerateComplianceAudit(context.Background(), AuditRequest{
		SessionID: "sess-1",
		DatasetID: "ds-1",
		SampleIDs: []string{"1"},
	})
	require.NoError(t, err)

	_, err = o.GenerateComplianceAudit(context.Background(), AuditRequest{
		SessionID: "sess-1",
		DatasetID: "ds-1",
		SampleIDs: []string{"1"},
	})
	require.NoError(t, err)

	report := o.GlobalPerformanceReport()
	assert.GreaterOrEqual(t, report.ProofCacheHits+report.ProofCacheMisses, uint64(2))
	assert.Equal(t, 2, report.TamperLogLength)
}

func TestExportAuditMetadataProducesCanonicalJSON(t *testing.T) {
	o := newTestOrchestrator(t)
	require.NoError(t, o.OpenSession("sess-1", "ds-1", []byte("pw"), nil))
	require.NoError(t, o.AddTrainingSamples("ds-1", []SampleInput{
		{SampleID: "1", Plaintext: "a"},
	}, "v1"))
	_, err := o.GenerateComplianceAudit(context.Background(), AuditRequest{
		SessionID: "sess-1",
		DatasetID: "ds-1",
		SampleIDs: []string{"1"},
	})
	require.NoError(t, err)

	raw, err := o.ExportAuditMetadata()
	require.NoError(t, err)
	assert.Contains(t, string(raw), "metadata_store")
	assert.Contains(t, string(raw), "dataset_audit_trails")

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &doc))
	var trails map[string]DatasetAuditTrail
	require.NoError(t, json.Unmarshal(doc["dataset_audit_trails"], &trails))
	trail, ok := trails["ds-1"]
	require.True(t, ok)
	assert.Equal(t, 1, trail.AuditCount)
	assert.Equal(t, "v1", trail.ModelVersion)
}

func TestModelRegistryAccessibleFromOrchestrator(t *testing.T) {
	o := newTestOrchestrator(t)
	_, err := o.ModelRegistry().Register(modelregistry.Record{
		ModelVersion:   "v1",
		DatasetID:      "ds-1",
		DatasetHashHex: "abcd",
		ModelType:      "classifier",
	})
	require.NoError(t, err)
}

func TestCleanupAllClosesSessionsAndClearsCaches(t *testing.T) {
	o := newTestOrchestrator(t)
	require.NoError(t, o.OpenSession("sess-1", "ds-1", []byte("pw"), nil))
	require.NoError(t, o.AddTrainingSamples("ds-1", []SampleInput{
		{SampleID: "1", Plaintext: "a"},
	}, ""))
	pkg, err := o.GenerateComplianceAudit(context.Background(), AuditRequest{
		SessionID: "sess-1",
		DatasetID: "ds-1",
		SampleIDs: []string{"1"},
	})
	require.NoError(t, err)
	require.NoError(t, o.VerifyAuditIntegrity(pkg, capsule.VerifyOptions{}))

	statsBefore := o.engine.ProofCacheStats()
	assert.Positive(t, statsBefore.Size)
	_, cachedBefore := o.verifyCache.Get(pkg)
	require.True(t, cachedBefore)

	o.CleanupAll()

	err = o.CloseSession("sess-1")
	require.Error(t, err, "session should already be gone after CleanupAll")

	statsAfter := o.engine.ProofCacheStats()
	assert.Zero(t, statsAfter.Size, "CleanupAll must clear the proof cache")
	_, cachedAfter := o.verifyCache.Get(pkg)
	assert.False(t, cachedAfter, "CleanupAll must clear the verification cache")
}
