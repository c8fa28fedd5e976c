package run

import (
	"github.com/dbrumbaugh/sampling-extension/pkg/record"
	"github.com/dbrumbaugh/sampling-extension/pkg/types"
)

// The internal index is an ISAM-style fanout tree built bottom-up over the
// sorted record array. The fanout is derived from a nominal 256-byte node
// at 16 bytes per slot, giving 16 separator keys plus 16 child slots;
// memoryBytes charges each node at that nominal size. Level-0 nodes point at leaf blocks of 8 records in the
// data array; higher nodes point at other nodes. Each separator is the
// maximum key of the child's subtree.
const (
	isamNodeSize = 256
	isamFanout   = isamNodeSize / 16 // key + child index per slot
	leafFanout   = isamNodeSize / record.Size
)

type isamNode struct {
	keys  [isamFanout]types.Key
	child [isamFanout]int32
	n     int
}

type isamIndex struct {
	nodes []isamNode
	// nodes[:leafNodes] address record offsets; the rest address nodes.
	leafNodes int
	root      int
	reccnt    int
}

func buildISAM(data []record.Record) *isamIndex {
	n := len(data)
	idx := &isamIndex{reccnt: n}

	// Level 0: one node per group of up to isamFanout leaf blocks.
	for base := 0; base < n; {
		var node isamNode
		for i := 0; i < isamFanout && base < n; i++ {
			sep := base + leafFanout - 1
			if sep > n-1 {
				sep = n - 1
			}
			node.keys[i] = data[sep].Key
			node.child[i] = int32(base)
			node.n++
			base += leafFanout
		}
		idx.nodes = append(idx.nodes, node)
	}
	idx.leafNodes = len(idx.nodes)

	// Upper levels until a single root remains.
	levelStart, levelEnd := 0, len(idx.nodes)
	for levelEnd-levelStart > 1 {
		for base := levelStart; base < levelEnd; {
			var node isamNode
			for i := 0; i < isamFanout && base < levelEnd; i++ {
				child := idx.nodes[base]
				node.keys[i] = child.keys[child.n-1]
				node.child[i] = int32(base)
				node.n++
				base++
			}
			idx.nodes = append(idx.nodes, node)
		}
		levelStart, levelEnd = levelEnd, len(idx.nodes)
	}
	idx.root = levelEnd - 1

	return idx
}

// descendLower walks to the leaf block that may contain the first key >= k
// and returns its record offset. The caller finishes with a linear scan.
func (idx *isamIndex) descendLower(k types.Key) int {
	return idx.descend(k, func(sep types.Key) bool { return k <= sep })
}

// descendUpper walks to the leaf block that may contain the first key > k.
func (idx *isamIndex) descendUpper(k types.Key) int {
	return idx.descend(k, func(sep types.Key) bool { return k < sep })
}

func (idx *isamIndex) descend(k types.Key, within func(types.Key) bool) int {
	cur := idx.root
	for {
		node := &idx.nodes[cur]
		pick := node.n - 1
		for i := 0; i < node.n; i++ {
			if within(node.keys[i]) {
				pick = i
				break
			}
		}
		if cur < idx.leafNodes {
			return int(node.child[pick])
		}
		cur = int(node.child[pick])
	}
}

func (idx *isamIndex) memoryBytes() uint64 {
	return uint64(len(idx.nodes)) * isamNodeSize
}
