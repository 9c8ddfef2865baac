package merkle

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazyaudit-labs/engine/pkg/cryptoprim"
)

func leavesFor(ids ...string) []Leaf {
	leaves := make([]Leaf, len(ids))
	for i, id := range ids {
		leaves[i] = Leaf{SampleID: id, Hash: cryptoprim.SHA256([]byte(id))}
	}
	return leaves
}

func TestBuildRejectsEmptyLeafSet(t *testing.T) {
	_, err := Build(nil)
	require.Error(t, err)
}

func TestBuildScenario1Root(t *testing.T) {
	// spec.md scenario 1: three leaves, odd count, duplicate-last rule,
	// root = SHA256(SHA256(h1||h2) || SHA256(h3||h3)).
	h1 := cryptoprim.SHA256([]byte("a"))
	h2 := cryptoprim.SHA256([]byte("b"))
	h3 := cryptoprim.SHA256([]byte("c"))

	tree, err := Build([]Leaf{
		{SampleID: "1", Hash: h1},
		{SampleID: "2", Hash: h2},
		{SampleID: "3", Hash: h3},
	})
	require.NoError(t, err)

	left := hashPair(h1, h2)
	right := hashPair(h3, h3)
	want := hashPair(left, right)

	assert.Equal(t, want, tree.Root)
	assert.Equal(t, 3, tree.Size)
	assert.Equal(t, 2, tree.Height())
}

func TestBuildSingleLeaf(t *testing.T) {
	h := cryptoprim.SHA256([]byte("only"))
	tree, err := Build([]Leaf{{SampleID: "only", Hash: h}})
	require.NoError(t, err)
	assert.Equal(t, h, tree.Root)
	assert.Equal(t, 0, tree.Height())
}

func TestGenerateProofRoundTrip(t *testing.T) {
	tree, err := Build(leavesFor("1", "2", "3", "4", "5"))
	require.NoError(t, err)

	for _, id := range []string{"1", "2", "3", "4", "5"} {
		proof, ok := GenerateProof(tree, id)
		require.True(t, ok, "sample %s should be provable", id)
		assert.True(t, Verify(proof, tree.Root), "proof for %s should verify", id)
	}
}

func TestGenerateProofUnknownSample(t *testing.T) {
	tree, err := Build(leavesFor("1", "2"))
	require.NoError(t, err)
	_, ok := GenerateProof(tree, "missing")
	assert.False(t, ok)
}

func TestGenerateProofSingleLeafHasEmptyPath(t *testing.T) {
	tree, err := Build(leavesFor("only"))
	require.NoError(t, err)
	proof, ok := GenerateProof(tree, "only")
	require.True(t, ok)
	assert.Empty(t, proof.Path)
	assert.True(t, Verify(proof, tree.Root))
}

func TestVerifyRejectsTamperedSiblingAndLeaf(t *testing.T) {
	tree, err := Build(leavesFor("1", "2", "3", "4"))
	require.NoError(t, err)

	proof, ok := GenerateProof(tree, "2")
	require.True(t, ok)

	tampered := proof
	tampered.SampleHash = cryptoprim.SHA256([]byte("tampered"))
	assert.False(t, Verify(tampered, tree.Root))

	tamperedSibling := proof
	tamperedSibling.Path = append([]Step{}, proof.Path...)
	tamperedSibling.Path[0].Sibling = cryptoprim.SHA256([]byte("tampered-sibling"))
	assert.False(t, Verify(tamperedSibling, tree.Root))
}

func TestVerifyAgainstWrongRoot(t *testing.T) {
	tree, err := Build(leavesFor("1", "2", "3"))
	require.NoError(t, err)
	proof, ok := GenerateProof(tree, "1")
	require.True(t, ok)

	other, err := Build(leavesFor("x", "y", "z"))
	require.NoError(t, err)
	assert.False(t, Verify(proof, other.Root))
}

func TestProofCacheHitMissCounters(t *testing.T) {
	cache := NewProofCache(8)
	tree, err := Build(leavesFor("1", "2", "3"))
	require.NoError(t, err)
	proof, _ := GenerateProof(tree, "1")

	key := CacheKey("ds-1", "1")
	_, ok := cache.Get(key)
	assert.False(t, ok)

	cache.Put(key, proof)
	got, ok := cache.Get(key)
	require.True(t, ok)
	assert.Equal(t, proof.Root, got.Root)

	stats := cache.Stats()
	assert.EqualValues(t, 1, stats.Hits)
	assert.EqualValues(t, 1, stats.Misses)
	assert.Equal(t, 1, stats.Size)
}

func TestProofCacheEvictsLeastRecentlyUsed(t *testing.T) {
	cache := NewProofCache(2)
	tree, err := Build(leavesFor("1", "2", "3"))
	require.NoError(t, err)

	p1, _ := GenerateProof(tree, "1")
	p2, _ := GenerateProof(tree, "2")
	p3, _ := GenerateProof(tree, "3")

	cache.Put("k1", p1)
	cache.Put("k2", p2)
	// touch k1 so k2 becomes the least recently used entry
	cache.Get("k1")
	cache.Put("k3", p3)

	_, ok := cache.Get("k2")
	assert.False(t, ok, "k2 should have been evicted")
	_, ok = cache.Get("k1")
	assert.True(t, ok)
	_, ok = cache.Get("k3")
	assert.True(t, ok)
}

func TestProofCacheInvalidateDataset(t *testing.T) {
	cache := NewProofCache(0)
	tree, err := Build(leavesFor("1", "2"))
	require.NoError(t, err)
	p1, _ := GenerateProof(tree, "1")

	cache.Put(CacheKey("ds-a", "1"), p1)
	cache.Put(CacheKey("ds-b", "1"), p1)

	cache.InvalidateDataset("ds-a")

	_, ok := cache.Get(CacheKey("ds-a", "1"))
	assert.False(t, ok)
	_, ok = cache.Get(CacheKey("ds-b", "1"))
	assert.True(t, ok)
}

func TestProofCacheClearDropsEveryDataset(t *testing.T) {
	cache := NewProofCache(0)
	tree, err := Build(leavesFor("1", "2"))
	require.NoError(t, err)
	p1, _ := GenerateProof(tree, "1")

	cache.Put(CacheKey("ds-a", "1"), p1)
	cache.Put(CacheKey("ds-b", "1"), p1)

	cache.Clear()

	_, ok := cache.Get(CacheKey("ds-a", "1"))
	assert.False(t, ok)
	_, ok = cache.Get(CacheKey("ds-b", "1"))
	assert.False(t, ok)
}

// TestBuildIsDeterministic is a property-based test: rebuilding a tree from
// the same leaf set twice always yields the same root, regardless of the
// sample id strings chosen.
func TestBuildIsDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("same leaves produce the same root on every build", prop.ForAll(
		func(ids []string) bool {
			if len(ids) == 0 {
				return true
			}
			seen := make(map[string]bool, len(ids))
			unique := make([]string, 0, len(ids))
			for _, id := range ids {
				if seen[id] {
					continue
				}
				seen[id] = true
				unique = append(unique, id)
			}

			first, err := Build(leavesFor(unique...))
			if err != nil {
				return false
			}
			second, err := Build(leavesFor(unique...))
			if err != nil {
				return false
			}
			return first.Root == second.Root && first.Size == second.Size
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
