package emberdb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testNode(isLeaf bool) *node {
	b := &Bucket{tx: &Tx{meta: &meta{pgid: 1 << 20}}, FillPercent: DefaultFillPercent}
	return &node{bucket: b, isLeaf: isLeaf}
}

func TestNodePutInsertsSorted(t *testing.T) {
	n := testNode(true)
	n.put([]byte("b"), []byte("b"), []byte("2"), 0, 0)
	n.put([]byte("a"), []byte("a"), []byte("1"), 0, 0)
	n.put([]byte("c"), []byte("c"), []byte("3"), 0, 0)

	require.Len(t, n.inodes, 3)
	require.Equal(t, []byte("a"), n.inodes[0].key)
	require.Equal(t, []byte("b"), n.inodes[1].key)
	require.Equal(t, []byte("c"), n.inodes[2].key)
}

func TestNodePutReplacesExisting(t *testing.T) {
	n := testNode(true)
	n.put([]byte("a"), []byte("a"), []byte("1"), 0, 0)
	n.put([]byte("a"), []byte("a"), []byte("2"), 0, 0)

	require.Len(t, n.inodes, 1)
	require.Equal(t, []byte("2"), n.inodes[0].value)
}

func TestNodeDelRemovesEntry(t *testing.T) {
	n := testNode(true)
	n.put([]byte("a"), []byte("a"), []byte("1"), 0, 0)
	n.put([]byte("b"), []byte("b"), []byte("2"), 0, 0)

	n.del([]byte("a"))
	require.Len(t, n.inodes, 1)
	require.Equal(t, []byte("b"), n.inodes[0].key)
}

func TestNodeDelMissingIsNoop(t *testing.T) {
	n := testNode(true)
	n.put([]byte("a"), []byte("a"), []byte("1"), 0, 0)
	n.del([]byte("missing"))
	require.Len(t, n.inodes, 1)
}

func TestNodeSizeLessThan(t *testing.T) {
	n := testNode(true)
	for i := 0; i < 10; i++ {
		n.put([]byte{byte(i)}, []byte{byte(i)}, make([]byte, 100), 0, 0)
	}

	require.True(t, n.sizeLessThan(1<<20))
	require.False(t, n.sizeLessThan(10))
}

func TestNodeSplitIndexRespectsMinKeys(t *testing.T) {
	n := testNode(true)
	for i := 0; i < 6; i++ {
		n.put([]byte{byte(i)}, []byte{byte(i)}, make([]byte, 50), 0, 0)
	}

	index, sz := n.splitIndex(120)
	require.GreaterOrEqual(t, index, minKeysPerPage)
	require.LessOrEqual(t, index, len(n.inodes)-minKeysPerPage)
	require.Greater(t, sz, 0)
}

func TestNodeSplitProducesMultipleSiblingsWhenOversize(t *testing.T) {
	n := testNode(true)
	for i := 0; i < 50; i++ {
		n.put([]byte{byte(i)}, []byte{byte(i)}, make([]byte, 200), 0, 0)
	}

	nodes := n.split(PageSize)
	require.Greater(t, len(nodes), 1)

	total := 0
	for _, piece := range nodes {
		total += len(piece.inodes)
	}
	require.Equal(t, 50, total)
}

func TestNodeSplitNoOpWhenUndersize(t *testing.T) {
	n := testNode(true)
	n.put([]byte("a"), []byte("a"), []byte("1"), 0, 0)
	n.put([]byte("b"), []byte("b"), []byte("2"), 0, 0)

	nodes := n.split(PageSize)
	require.Len(t, nodes, 1)
	require.Same(t, n, nodes[0])
}
