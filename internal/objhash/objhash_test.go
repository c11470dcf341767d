package objhash

import "testing"

func TestIDEqual(t *testing.T) {
	a := ID{1, 2, 3}
	b := ID{1, 2, 3}
	c := ID{1, 2, 4}
	if !a.Equal(b) {
		t.Error("identical bytes should be equal")
	}
	if a.Equal(c) {
		t.Error("differing bytes should not be equal")
	}
	if a.Equal(ID{1, 2}) {
		t.Error("differing length should not be equal")
	}
}

func TestIDHex(t *testing.T) {
	id := ID{0xde, 0xad, 0xbe, 0xef}
	if got, want := id.Hex(), "deadbeef"; got != want {
		t.Errorf("Hex() = %q, want %q", got, want)
	}
}

func TestIDIsZero(t *testing.T) {
	var id ID
	if !id.IsZero() {
		t.Error("nil ID should be zero")
	}
	if (ID{0}).IsZero() {
		t.Error("a single zero byte is not the zero-length sentinel")
	}
}

func TestTypedIdsWrapID(t *testing.T) {
	f1 := FileId{1, 2, 3}
	f2 := FileId{1, 2, 3}
	if !f1.Equal(f2) {
		t.Error("equal FileIds should compare equal")
	}
	if f1.Hex() != "010203" {
		t.Errorf("FileId.Hex() = %q", f1.Hex())
	}

	var c ChangeId
	if !c.IsZero() {
		t.Error("nil ChangeId should be zero")
	}
}

func TestHashAllFramingAvoidsCollision(t *testing.T) {
	// ["ab", "c"] and ["a", "bc"] must hash differently despite the same
	// concatenated bytes, because each part is length-prefixed.
	h1 := HashAll([]byte("ab"), []byte("c"))
	h2 := HashAll([]byte("a"), []byte("bc"))
	if ID(h1).Equal(ID(h2)) {
		t.Error("HashAll must distinguish different groupings of the same bytes")
	}
}

func TestHashAllDeterministic(t *testing.T) {
	h1 := HashAll([]byte("foo"), []byte("bar"))
	h2 := HashAll([]byte("foo"), []byte("bar"))
	if !ID(h1).Equal(ID(h2)) {
		t.Error("HashAll must be deterministic for identical input")
	}
}

func TestSHA256Length(t *testing.T) {
	if got := len(SHA256([]byte("hello"))); got != 32 {
		t.Errorf("SHA256 digest length = %d, want 32", got)
	}
}
