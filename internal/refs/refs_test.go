package refs

import (
	"testing"

	"github.com/joliss/jj/internal/objhash"
)

func id(b byte) objhash.CommitId { return objhash.CommitId{b} }

func TestAbsentIsAbsent(t *testing.T) {
	if !Absent().IsAbsent() {
		t.Error("Absent() should report IsAbsent")
	}
	if Absent().IsConflicted() {
		t.Error("Absent() should not be conflicted")
	}
}

func TestNormalAsNormal(t *testing.T) {
	target := Normal(id(1))
	got, ok := target.AsNormal()
	if !ok || !got.Equal(id(1)) {
		t.Errorf("AsNormal() = (%v, %v), want (id(1), true)", got, ok)
	}
	if target.IsAbsent() {
		t.Error("Normal() should not be absent")
	}
}

func TestMergeThreeWayFastForward(t *testing.T) {
	base := Normal(id(1))
	side1 := Normal(id(1))
	side2 := Normal(id(2))
	merged := MergeThreeWay(base, side1, side2)
	got, ok := merged.AsNormal()
	if !ok || !got.Equal(id(2)) {
		t.Errorf("fast-forward merge = (%v, %v), want (id(2), true)", got, ok)
	}
}

func TestMergeThreeWayDivergentIsConflicted(t *testing.T) {
	base := Normal(id(1))
	side1 := Normal(id(2))
	side2 := Normal(id(3))
	merged := MergeThreeWay(base, side1, side2)
	if !merged.IsConflicted() {
		t.Error("divergent moves from both sides should conflict")
	}
	if len(merged.Adds()) != 2 {
		t.Errorf("expected two surviving adds, got %d", len(merged.Adds()))
	}
}

func TestMergeThreeWayDeletionBothSidesAgree(t *testing.T) {
	base := Normal(id(1))
	side1 := Absent()
	side2 := Absent()
	merged := MergeThreeWay(base, side1, side2)
	if !merged.IsAbsent() {
		t.Error("deletion agreed by both sides should resolve to absent")
	}
}

func TestRefTargetEqualIsOrderInsensitive(t *testing.T) {
	a := FromAddsRemoves([]objhash.CommitId{id(1), id(2)}, []objhash.CommitId{id(3)})
	b := FromAddsRemoves([]objhash.CommitId{id(2), id(1)}, []objhash.CommitId{id(3)})
	if !a.Equal(b) {
		t.Error("RefTarget.Equal should be insensitive to add/remove ordering")
	}
}

func TestFromAddsRemovesRoundTrip(t *testing.T) {
	adds := []objhash.CommitId{id(1), id(2)}
	removes := []objhash.CommitId{id(3)}
	target := FromAddsRemoves(adds, removes)
	if !target.IsConflicted() {
		t.Error("two net adds should be conflicted")
	}
	gotAdds := target.Adds()
	if len(gotAdds) != 2 {
		t.Errorf("Adds() length = %d, want 2", len(gotAdds))
	}
}

func TestViewBookmarkCreatesOnDemand(t *testing.T) {
	v := NewView()
	b := v.Bookmark("main")
	if b.Name != "main" {
		t.Errorf("Name = %q, want %q", b.Name, "main")
	}
	if !b.Local.IsAbsent() {
		t.Error("freshly created bookmark should have an absent local target")
	}
	// Repeated calls return the same bookmark.
	b.Local = Normal(id(1))
	if v.Bookmark("main").Local.IsAbsent() {
		t.Error("Bookmark should return the same stored bookmark on repeat calls")
	}
}

func TestViewHeadsSortedAndRemovable(t *testing.T) {
	v := NewView()
	v.AddHead(id(2))
	v.AddHead(id(1))
	if !v.IsHead(id(1)) || !v.IsHead(id(2)) {
		t.Fatal("both added heads should be visible")
	}
	heads := v.HeadIds()
	if len(heads) != 2 {
		t.Fatalf("HeadIds() length = %d, want 2", len(heads))
	}
	if !heads[0].Equal(id(1)) || !heads[1].Equal(id(2)) {
		t.Errorf("HeadIds() = %v, want [id(1) id(2)] in sorted order", heads)
	}
	v.RemoveHead(id(1))
	if v.IsHead(id(1)) {
		t.Error("removed head should no longer be visible")
	}
}

func TestViewCloneIsIndependent(t *testing.T) {
	v := NewView()
	v.Bookmark("main").Local = Normal(id(1))
	v.AddHead(id(1))

	cp := v.Clone()
	cp.Bookmark("main").Local = Normal(id(2))
	cp.AddHead(id(2))

	if got, _ := v.Bookmark("main").Local.AsNormal(); !got.Equal(id(1)) {
		t.Error("mutating the clone's bookmark must not affect the original")
	}
	if v.IsHead(id(2)) {
		t.Error("mutating the clone's heads must not affect the original")
	}
}

func TestGitRemoteNameReserved(t *testing.T) {
	if GitRemoteName != "git" {
		t.Errorf("GitRemoteName = %q, want %q", GitRemoteName, "git")
	}
}
