package checksum

import "testing"

func TestDocument(t *testing.T) {
	t.Parallel()

	a := Document("pragma solidity ^0.8.0;")
	b := Document("pragma solidity ^0.8.0;")
	c := Document("pragma solidity ^0.8.1;")

	if a != b {
		t.Fatalf("checksum not deterministic: %s != %s", a, b)
	}
	if a == c {
		t.Fatal("distinct documents share a checksum")
	}
	// 128-bit digest, lowercase hex.
	if len(a) != 32 {
		t.Fatalf("digest length = %d, want 32 hex chars", len(a))
	}
	for _, r := range a {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			t.Fatalf("digest %q is not lowercase hex", a)
		}
	}
	if empty := Document(""); len(empty) != 32 {
		t.Fatalf("empty-document digest length = %d", len(empty))
	}
}
