package modelregistry

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazyaudit-labs/engine/pkg/errs"
)

func TestRegisterAndGetRoundTrip(t *testing.T) {
	reg := NewRegistry()
	key, err := reg.Register(Record{
		ModelVersion:   "v1",
		DatasetID:      "ds-1",
		DatasetHashHex: "abc123",
		ModelType:      "classifier",
	})
	require.NoError(t, err)
	assert.Equal(t, "model:v1:dataset:abc123", key)

	rec, ok := reg.Get("v1", "abc123")
	require.True(t, ok)
	assert.Equal(t, "ds-1", rec.DatasetID)
}

func TestRegisterRejectsSelfParent(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Register(Record{ModelVersion: "v1", DatasetID: "ds-1", DatasetHashHex: "h1", ParentVersion: "v1"})
	require.Error(t, err)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.CycleDetected, e.Kind)
}

func TestRegisterRejectsCycle(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Register(Record{ModelVersion: "v1", DatasetID: "ds-1", DatasetHashHex: "h1"})
	require.NoError(t, err)
	_, err = reg.Register(Record{ModelVersion: "v2", DatasetID: "ds-1", DatasetHashHex: "h2", ParentVersion: "v1"})
	require.NoError(t, err)
	_, err = reg.Register(Record{ModelVersion: "v3", DatasetID: "ds-1", DatasetHashHex: "h3", ParentVersion: "v2"})
	require.NoError(t, err)

	// v1 -> v2 -> v3; making v1's parent v3 would close the cycle.
	_, err = reg.Register(Record{ModelVersion: "v1", DatasetID: "ds-1", DatasetHashHex: "h1-b", ParentVersion: "v3"})
	require.Error(t, err)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.CycleDetected, e.Kind)
}

func TestLineageAncestorsAndDescendants(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Register(Record{ModelVersion: "v1", DatasetID: "ds-1", DatasetHashHex: "h1"})
	require.NoError(t, err)
	_, err = reg.Register(Record{ModelVersion: "v2", DatasetID: "ds-1", DatasetHashHex: "h2", ParentVersion: "v1"})
	require.NoError(t, err)
	_, err = reg.Register(Record{ModelVersion: "v3", DatasetID: "ds-2", DatasetHashHex: "h3", ParentVersion: "v2"})
	require.NoError(t, err)

	lineage := reg.Lineage("v2")
	assert.Equal(t, []string{"v1"}, lineage.Ancestors)
	assert.Equal(t, []string{"v3"}, lineage.Descendants)
	assert.Equal(t, 1, lineage.Depth)
}

func TestCompatibleFiltersByModelType(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Register(Record{ModelVersion: "v1", DatasetID: "ds-1", DatasetHashHex: "h1", ModelType: "classifier"})
	require.NoError(t, err)
	_, err = reg.Register(Record{ModelVersion: "v2", DatasetID: "ds-2", DatasetHashHex: "h1", ModelType: "regressor"})
	require.NoError(t, err)

	all := reg.Compatible("h1", "")
	assert.Len(t, all, 2)

	classifiers := reg.Compatible("h1", "classifier")
	require.Len(t, classifiers, 1)
	assert.Equal(t, "v1", classifiers[0].ModelVersion)
}

func TestSelectiveCandidatesEvaluatesExpression(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Register(Record{ModelVersion: "v1", DatasetID: "prod-ds", DatasetHashHex: "h1", ModelType: "classifier"})
	require.NoError(t, err)
	_, err = reg.Register(Record{ModelVersion: "v2", DatasetID: "staging-ds", DatasetHashHex: "h2", ModelType: "classifier"})
	require.NoError(t, err)

	matches, err := reg.SelectiveCandidates(`dataset_id.contains("prod") && model_type == "classifier"`)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "v1", matches[0].ModelVersion)
}

func TestSelectiveCandidatesRejectsInvalidExpression(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.SelectiveCandidates(`this is not cel`)
	require.Error(t, err)
}

func TestCheckpointRoundTrip(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Register(Record{ModelVersion: "v1", DatasetID: "ds-1", DatasetHashHex: "h1"})
	require.NoError(t, err)

	id, err := reg.Checkpoint("v1", []byte("checkpoint-bytes"))
	require.NoError(t, err)

	data, ok := reg.CheckpointData(id)
	require.True(t, ok)
	assert.Equal(t, []byte("checkpoint-bytes"), data)
}

func TestCheckpointRejectsUnknownModelVersion(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Checkpoint("ghost", []byte("x"))
	require.Error(t, err)
}

// TestScenario6RegistryScaleAndCycleRejection mirrors spec.md scenario 6:
// register 10,000 (v,h) pairs, confirm random lookups succeed, and
// confirm a lineage edge that would close a cycle is rejected.
func TestScenario6RegistryScaleAndCycleRejection(t *testing.T) {
	reg := NewRegistry()
	const n = 10000
	for i := 0; i < n; i++ {
		version := fmt.Sprintf("v%d", i)
		hash := fmt.Sprintf("h%d", i)
		_, err := reg.Register(Record{ModelVersion: version, DatasetID: "ds-bulk", DatasetHashHex: hash})
		require.NoError(t, err)
	}

	for _, i := range []int{0, 1, 4999, 9999} {
		version := fmt.Sprintf("v%d", i)
		hash := fmt.Sprintf("h%d", i)
		_, ok := reg.Get(version, hash)
		require.True(t, ok, "lookup for %s/%s should succeed", version, hash)
	}

	_, err := reg.Register(Record{ModelVersion: "v0", DatasetID: "ds-bulk", DatasetHashHex: "h0-b", ParentVersion: "v1"})
	require.NoError(t, err)
	_, err = reg.Register(Record{ModelVersion: "v1", DatasetID: "ds-bulk", DatasetHashHex: "h1-b", ParentVersion: "v0"})
	require.Error(t, err)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.CycleDetected, e.Kind)
}
