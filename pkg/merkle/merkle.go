// Package merkle implements the standard merkle tree over (address, uint256)
// leaves used by the on-chain reward distributor: leaves are
// keccak256(keccak256(abi.encode(address, uint256))), inner nodes hash their
// children in sorted order, and the serialized form is the "standard-v1"
// JSON layout, so trees persisted here verify against the distributor's
// OpenZeppelin proof checks and round-trip with its tooling.
package merkle

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const treeFormat = "standard-v1"

var leafEncoding = []string{"address", "uint256"}

// Leaf is one (address, amount) distribution entry.
type Leaf struct {
	Address string
	Amount  *big.Int
}

// Tree is a standard merkle tree over (address, uint256) leaves.
//
// The node array is a complete binary tree of length 2n-1 with the root at
// index 0; leaves are sorted ascending by hash and occupy the tail of the
// array, with the smallest hash last. Values keep their input order and map
// into the array through treeIndex.
type Tree struct {
	nodes     [][]byte
	values    []Leaf
	treeIndex []int
}

// LeafHash is the double-keccak standard leaf hash of abi.encode(address,
// uint256). The second hash prevents a crafted inner node from being
// presented as a leaf.
func LeafHash(leaf Leaf) ([]byte, error) {
	if leaf.Amount == nil || leaf.Amount.Sign() < 0 {
		return nil, fmt.Errorf("leaf %s has invalid amount", leaf.Address)
	}
	if !common.IsHexAddress(leaf.Address) {
		return nil, fmt.Errorf("leaf address %q is not an address", leaf.Address)
	}
	encoded := make([]byte, 64)
	copy(encoded[12:32], common.HexToAddress(leaf.Address).Bytes())
	leaf.Amount.FillBytes(encoded[32:64])
	return crypto.Keccak256(crypto.Keccak256(encoded)), nil
}

// hashPair hashes two child nodes in byte-sorted order, which lets proofs
// omit left/right direction bits.
func hashPair(a, b []byte) []byte {
	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256(a, b)
}

func parentIndex(i int) int     { return (i - 1) / 2 }
func leftChildIndex(i int) int  { return 2*i + 1 }
func rightChildIndex(i int) int { return 2*i + 2 }

func siblingIndex(i int) int {
	if i%2 == 0 {
		return i - 1
	}
	return i + 1
}

// New builds a tree over the given leaves. At least two leaves are required
// for proofs to exist; callers pad single-entry distributions with a zero
// leaf before building.
func New(leaves []Leaf) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, errors.New("merkle tree needs at least one leaf")
	}

	type hashedLeaf struct {
		valueIndex int
		hash       []byte
	}
	hashed := make([]hashedLeaf, len(leaves))
	for i, leaf := range leaves {
		h, err := LeafHash(leaf)
		if err != nil {
			return nil, err
		}
		hashed[i] = hashedLeaf{valueIndex: i, hash: h}
	}
	sort.SliceStable(hashed, func(a, b int) bool {
		return bytes.Compare(hashed[a].hash, hashed[b].hash) < 0
	})

	n := len(leaves)
	nodes := make([][]byte, 2*n-1)
	treeIndex := make([]int, n)
	for leafIndex, hl := range hashed {
		idx := len(nodes) - 1 - leafIndex
		nodes[idx] = hl.hash
		treeIndex[hl.valueIndex] = idx
	}
	for i := len(nodes) - 1 - n; i >= 0; i-- {
		nodes[i] = hashPair(nodes[leftChildIndex(i)], nodes[rightChildIndex(i)])
	}

	values := make([]Leaf, n)
	copy(values, leaves)
	return &Tree{nodes: nodes, values: values, treeIndex: treeIndex}, nil
}

// Root returns the 0x-prefixed hex root.
func (t *Tree) Root() string {
	return hexutil.Encode(t.nodes[0])
}

// Entries returns the leaves in their original input order.
func (t *Tree) Entries() []Leaf {
	return t.values
}

// Proof returns the inclusion proof of the i-th entry as hex-encoded sibling
// hashes from leaf to root. A single-leaf tree yields an empty proof.
func (t *Tree) Proof(i int) ([]string, error) {
	if i < 0 || i >= len(t.values) {
		return nil, fmt.Errorf("leaf index %d out of range", i)
	}
	var proof []string
	for idx := t.treeIndex[i]; idx > 0; idx = parentIndex(idx) {
		proof = append(proof, hexutil.Encode(t.nodes[siblingIndex(idx)]))
	}
	return proof, nil
}

// Verify checks an inclusion proof against a root.
func Verify(root string, leaf Leaf, proof []string) (bool, error) {
	h, err := LeafHash(leaf)
	if err != nil {
		return false, err
	}
	for _, sibling := range proof {
		sib, err := hexutil.Decode(sibling)
		if err != nil {
			return false, fmt.Errorf("invalid proof element %q: %w", sibling, err)
		}
		h = hashPair(h, sib)
	}
	rootBytes, err := hexutil.Decode(root)
	if err != nil {
		return false, fmt.Errorf("invalid root %q: %w", root, err)
	}
	return bytes.Equal(h, rootBytes), nil
}

type dumpValue struct {
	Value     [2]string `json:"value"`
	TreeIndex int       `json:"treeIndex"`
}

type dump struct {
	Format       string      `json:"format"`
	LeafEncoding []string    `json:"leafEncoding"`
	Tree         []string    `json:"tree"`
	Values       []dumpValue `json:"values"`
}

// Dump serializes the tree in the standard-v1 JSON layout.
func (t *Tree) Dump() ([]byte, error) {
	d := dump{
		Format:       treeFormat,
		LeafEncoding: leafEncoding,
		Tree:         make([]string, len(t.nodes)),
		Values:       make([]dumpValue, len(t.values)),
	}
	for i, node := range t.nodes {
		d.Tree[i] = hexutil.Encode(node)
	}
	for i, leaf := range t.values {
		d.Values[i] = dumpValue{
			Value:     [2]string{leaf.Address, leaf.Amount.String()},
			TreeIndex: t.treeIndex[i],
		}
	}
	return json.Marshal(d)
}

// Load deserializes a standard-v1 tree dump.
func Load(data []byte) (*Tree, error) {
	var d dump
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse merkle tree dump: %w", err)
	}
	if d.Format != treeFormat {
		return nil, fmt.Errorf("unsupported merkle tree format %q", d.Format)
	}
	if len(d.LeafEncoding) != 2 || d.LeafEncoding[0] != "address" || d.LeafEncoding[1] != "uint256" {
		return nil, fmt.Errorf("unsupported leaf encoding %v", d.LeafEncoding)
	}
	if len(d.Tree) == 0 || len(d.Tree) != 2*len(d.Values)-1 {
		return nil, fmt.Errorf("malformed merkle tree dump: %d nodes for %d values", len(d.Tree), len(d.Values))
	}

	t := &Tree{
		nodes:     make([][]byte, len(d.Tree)),
		values:    make([]Leaf, len(d.Values)),
		treeIndex: make([]int, len(d.Values)),
	}
	for i, node := range d.Tree {
		b, err := hexutil.Decode(node)
		if err != nil {
			return nil, fmt.Errorf("invalid node %d: %w", i, err)
		}
		t.nodes[i] = b
	}
	for i, v := range d.Values {
		amount, ok := new(big.Int).SetString(v.Value[1], 10)
		if !ok {
			return nil, fmt.Errorf("invalid amount %q for leaf %s", v.Value[1], v.Value[0])
		}
		if v.TreeIndex < 0 || v.TreeIndex >= len(t.nodes) {
			return nil, fmt.Errorf("tree index %d out of range for leaf %s", v.TreeIndex, v.Value[0])
		}
		t.values[i] = Leaf{Address: v.Value[0], Amount: amount}
		t.treeIndex[i] = v.TreeIndex
	}
	return t, nil
}
