// Package anchor periodically commits Merkle roots over ledger batches to an
// external immutable store. Anchoring is the only defense against an
// attacker who controls the primary datastore and could rewrite a whole
// chain consistently.
package anchor

import (
	"trustcore/pkg/cryptoutil"
)

// MerkleRoot folds leaf hashes pairwise to a single root. Leaves must
// arrive in chain order and are not re-sorted; the order itself is part of
// what the anchor attests. An odd node at any level is paired with itself.
func MerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	level := make([]string, len(leaves))
	for i, leaf := range leaves {
		level[i] = cryptoutil.HashHex([]byte(leaf))
	}
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, cryptoutil.HashHex([]byte(level[i]+right)))
		}
		level = next
	}
	return level[0]
}

// ProofStep is one sibling hash on the path from a leaf to the root.
type ProofStep struct {
	Hash string `json:"hash"`
	Left bool   `json:"left"` // sibling sits to the left of the running hash
}

// Proof lets a single record be checked against an anchored root without
// refetching the whole batch.
type Proof struct {
	LeafHash string      `json:"leaf_hash"`
	Root     string      `json:"root"`
	Index    int         `json:"index"`
	Path     []ProofStep `json:"path"`
}

// BuildProof computes the inclusion proof for leaves[index].
func BuildProof(leaves []string, index int) (Proof, bool) {
	if index < 0 || index >= len(leaves) {
		return Proof{}, false
	}
	level := make([]string, len(leaves))
	for i, leaf := range leaves {
		level[i] = cryptoutil.HashHex([]byte(leaf))
	}
	proof := Proof{LeafHash: level[index], Index: index, Path: []ProofStep{}}
	pos := index
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			if i == pos || i+1 == pos {
				if i == pos {
					proof.Path = append(proof.Path, ProofStep{Hash: right, Left: false})
				} else {
					proof.Path = append(proof.Path, ProofStep{Hash: level[i], Left: true})
				}
			}
			next = append(next, cryptoutil.HashHex([]byte(level[i]+right)))
		}
		pos /= 2
		level = next
	}
	proof.Root = level[0]
	return proof, true
}

// VerifyProof recomputes the root from the leaf hash and path.
func VerifyProof(p Proof) bool {
	current := p.LeafHash
	for _, step := range p.Path {
		if step.Left {
			current = cryptoutil.HashHex([]byte(step.Hash + current))
		} else {
			current = cryptoutil.HashHex([]byte(current + step.Hash))
		}
	}
	return current != "" && current == p.Root
}
