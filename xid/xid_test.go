package xid

import "testing"

func TestWithoutBranchDropsBranchID(t *testing.T) {
	x := New(1, []byte("global"), []byte("branch"))
	g := x.WithoutBranch()
	if g.HasBranch() {
		t.Fatal("expected WithoutBranch to drop the branch id")
	}
	if !g.Equal(New(1, []byte("global"), nil)) {
		t.Fatal("WithoutBranch should equal the same xid with no branch")
	}
}

func TestCompareIsLexicographic(t *testing.T) {
	a := New(1, []byte("a"), nil)
	b := New(1, []byte("b"), nil)
	if a.Compare(b) >= 0 {
		t.Fatal("expected a < b")
	}
	if b.Compare(a) <= 0 {
		t.Fatal("expected b > a")
	}
	if a.Compare(a) != 0 {
		t.Fatal("expected a == a")
	}
}

func TestNodeNameExtraction(t *testing.T) {
	uid := make([]byte, uidLen)
	global := append(uid, []byte("node1")...)
	x := New(0x20000, global, nil)
	if got := x.NodeName(); got != "node1" {
		t.Fatalf("NodeName = %q, want %q", got, "node1")
	}

	other := New(0x99999, global, nil)
	if got := other.NodeName(); got != "" {
		t.Fatalf("NodeName for unrecognized format id = %q, want empty", got)
	}

	short := New(0x20000, uid[:uidLen-1], nil)
	if got := short.NodeName(); got != "" {
		t.Fatalf("NodeName for too-short global id = %q, want empty", got)
	}
}

func TestKeyCompareOrdersByExpirationThenGTID(t *testing.T) {
	k1 := Key{ExpirationNS: 100, GTID: New(1, []byte("a"), nil)}
	k2 := Key{ExpirationNS: 200, GTID: New(1, []byte("a"), nil)}
	if k1.Compare(k2) >= 0 {
		t.Fatal("expected earlier expiration to sort first")
	}
	k3 := Key{ExpirationNS: 100, GTID: New(1, []byte("b"), nil)}
	if k1.Compare(k3) >= 0 {
		t.Fatal("expected tie-break on gtid")
	}
}
