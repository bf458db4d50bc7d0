package core

import "testing"

func TestHandleTableAllocGetRelease(t *testing.T) {
	tbl := NewHandleTable()

	fh1 := &FileHandle{rel: "a.txt"}
	fh2 := &FileHandle{rel: "b.txt"}

	id1 := tbl.Alloc(fh1)
	id2 := tbl.Alloc(fh2)
	if id1 == id2 {
		t.Fatal("expected distinct handle ids")
	}

	got, ok := tbl.Get(id1)
	if !ok || got != fh1 {
		t.Fatal("expected Get to return the allocated handle")
	}

	tbl.Release(id1)
	if _, ok := tbl.Get(id1); ok {
		t.Fatal("expected Get to fail after Release")
	}

	if tbl.Len() != 1 {
		t.Fatalf("expected 1 live handle, got %d", tbl.Len())
	}
}

func TestHandleTableReusesFreedSlot(t *testing.T) {
	tbl := NewHandleTable()

	id1 := tbl.Alloc(&FileHandle{rel: "a.txt"})
	tbl.Release(id1)

	id2 := tbl.Alloc(&FileHandle{rel: "b.txt"})
	if id2 != id1 {
		t.Fatalf("expected freed slot %d to be reused, got %d", id1, id2)
	}
}

func TestHandleTableUnknownID(t *testing.T) {
	tbl := NewHandleTable()
	if _, ok := tbl.Get(HandleID(42)); ok {
		t.Fatal("expected Get on an unknown id to fail")
	}
}
