package capsule

import (
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditPackageExportJSONHexEncodesByteFields(t *testing.T) {
	engine, _ := newTestEngine(t)
	require.NoError(t, engine.AddSample("ds-1", "1", "a", nil))
	require.NoError(t, engine.AddSample("ds-1", "2", "b", nil))

	pkg, err := engine.Materialize("sess-1", "ds-1", []string{"1", "2"})
	require.NoError(t, err)

	raw, err := pkg.ExportJSON()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.Equal(t, pkg.AuditID, decoded["audit_id"])

	rootHex, ok := decoded["merkle_tree_info"].(map[string]any)["root_hash"].(string)
	require.True(t, ok)
	decodedRoot, err := hex.DecodeString(rootHex)
	require.NoError(t, err)
	assert.Equal(t, pkg.MerkleTreeInfo.RootHash[:], decodedRoot)

	hashInfo, ok := decoded["comprehensive_hash_info"].(map[string]any)
	require.True(t, ok)
	datasetHashHex, ok := hashInfo["dataset_hash"].(string)
	require.True(t, ok)
	decodedDatasetHash, err := hex.DecodeString(datasetHashHex)
	require.NoError(t, err)
	assert.Equal(t, pkg.HashInfo.DatasetHash[:], decodedDatasetHash)

	capsules, ok := decoded["materialized_capsules"].([]any)
	require.True(t, ok)
	require.Len(t, capsules, 2)
	firstCapsule := capsules[0].(map[string]any)
	encryptedData := firstCapsule["encrypted_data"].(map[string]any)
	for _, field := range []string{"ciphertext", "nonce", "tag", "aad"} {
		value, ok := encryptedData[field].(string)
		require.True(t, ok, "field %q missing", field)
		_, err := hex.DecodeString(value)
		require.NoErrorf(t, err, "field %q is not lowercase hex: %q", field, value)
		assert.Equal(t, value, hex.EncodeToString(mustHexDecode(t, value)), "field %q is not lowercase", field)
	}

	proof := firstCapsule["merkle_proof"].(map[string]any)
	_, hasProofPath := proof["proof_path"]
	assert.True(t, hasProofPath, "merkle_proof.proof_path must be present")

	_, hasPatentCompliance := decoded["patent_compliance"]
	assert.True(t, hasPatentCompliance, "patent_compliance must be present per spec field list")
}

func TestAuditPackageExportJSONIsDeterministic(t *testing.T) {
	engine, _ := newTestEngine(t)
	require.NoError(t, engine.AddSample("ds-1", "1", "a", nil))

	pkg, err := engine.Materialize("sess-1", "ds-1", []string{"1"})
	require.NoError(t, err)

	first, err := pkg.ExportJSON()
	require.NoError(t, err)
	second, err := pkg.ExportJSON()
	require.NoError(t, err)

	assert.Equal(t, first, second, "exporting the same package twice must be bit-exact")
}

func TestAuditPackageExportJSONKeysAreSortedLexicographically(t *testing.T) {
	engine, _ := newTestEngine(t)
	require.NoError(t, engine.AddSample("ds-1", "1", "a", nil))

	pkg, err := engine.Materialize("sess-1", "ds-1", []string{"1"})
	require.NoError(t, err)

	raw, err := pkg.ExportJSON()
	require.NoError(t, err)

	assert.Less(t, indexOf(t, raw, `"audit_id"`), indexOf(t, raw, `"created_at"`))
	assert.Less(t, indexOf(t, raw, `"created_at"`), indexOf(t, raw, `"dataset_id"`))
	assert.Less(t, indexOf(t, raw, `"dataset_id"`), indexOf(t, raw, `"merkle_tree_info"`))
	assert.Less(t, indexOf(t, raw, `"merkle_tree_info"`), indexOf(t, raw, `"package_version"`))
	assert.Less(t, indexOf(t, raw, `"package_version"`), indexOf(t, raw, `"patent_compliance"`))
}

func mustHexDecode(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func indexOf(t *testing.T, haystack []byte, needle string) int {
	t.Helper()
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if string(haystack[i:i+len(needle)]) == needle {
			return i
		}
	}
	t.Fatalf("needle %q not found in %s", needle, haystack)
	return -1
}
