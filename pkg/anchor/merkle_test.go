package anchor

import (
	"testing"

	"trustcore/pkg/cryptoutil"
)

func TestMerkleRootEmpty(t *testing.T) {
	t.Parallel()

	if MerkleRoot(nil) != "" {
		t.Fatal("empty leaf set has no root")
	}
}

func TestMerkleRootSingleLeaf(t *testing.T) {
	t.Parallel()

	root := MerkleRoot([]string{"leaf-a"})
	if root != cryptoutil.HashHex([]byte("leaf-a")) {
		t.Fatalf("single leaf root should be the hashed leaf, got %s", root)
	}
}

func TestMerkleRootOddSelfPair(t *testing.T) {
	t.Parallel()

	// With three leaves the third pairs with itself at the first level.
	h := func(s string) string { return cryptoutil.HashHex([]byte(s)) }
	l0, l1, l2 := h("a"), h("b"), h("c")
	want := h(h(l0+l1) + h(l2+l2))
	if got := MerkleRoot([]string{"a", "b", "c"}); got != want {
		t.Fatalf("root = %s, want %s", got, want)
	}
}

func TestMerkleRootOrderSensitive(t *testing.T) {
	t.Parallel()

	a := MerkleRoot([]string{"x", "y", "z"})
	b := MerkleRoot([]string{"z", "y", "x"})
	if a == b {
		t.Fatal("leaf order is part of the commitment")
	}
}

func TestBuildAndVerifyProofAllPositions(t *testing.T) {
	t.Parallel()

	for _, n := range []int{1, 2, 3, 4, 5, 8, 9} {
		leaves := make([]string, n)
		for i := range leaves {
			leaves[i] = string(rune('a' + i))
		}
		root := MerkleRoot(leaves)
		for idx := range leaves {
			proof, ok := BuildProof(leaves, idx)
			if !ok {
				t.Fatalf("n=%d idx=%d: build failed", n, idx)
			}
			if proof.Root != root {
				t.Fatalf("n=%d idx=%d: proof root mismatch", n, idx)
			}
			if !VerifyProof(proof) {
				t.Fatalf("n=%d idx=%d: proof should verify", n, idx)
			}
			proof.LeafHash = cryptoutil.HashHex([]byte("forged"))
			if VerifyProof(proof) {
				t.Fatalf("n=%d idx=%d: forged leaf must not verify", n, idx)
			}
		}
	}
}

func TestBuildProofOutOfRange(t *testing.T) {
	t.Parallel()

	if _, ok := BuildProof([]string{"a"}, 1); ok {
		t.Fatal("index past the end must fail")
	}
	if _, ok := BuildProof([]string{"a"}, -1); ok {
		t.Fatal("negative index must fail")
	}
}
