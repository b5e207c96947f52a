package iobuf

import (
	"bytes"
	"testing"
)

func TestAppendRetrieve(t *testing.T) {
	b := New()
	b.Append([]byte("hello"))
	if b.Readable() != 5 {
		t.Fatalf("expected 5 readable, got %d", b.Readable())
	}
	if !bytes.Equal(b.Peek(), []byte("hello")) {
		t.Fatalf("unexpected peek: %q", b.Peek())
	}
	b.Retrieve(5)
	if b.Readable() != 0 {
		t.Fatalf("expected 0 readable after retrieve")
	}
}

func TestRetrieveAllResetsIndices(t *testing.T) {
	b := New()
	b.Append([]byte("abcdef"))
	b.Retrieve(2)
	b.RetrieveAll()
	if b.Readable() != 0 {
		t.Fatalf("expected 0 readable")
	}
	b.Append([]byte("xy"))
	if !bytes.Equal(b.Peek(), []byte("xy")) {
		t.Fatalf("unexpected state after reset: %q", b.Peek())
	}
}

func TestGrowBeyondCapacity(t *testing.T) {
	b := NewSize(4)
	b.Append([]byte("abcd"))
	b.Append([]byte("efgh"))
	if b.Readable() != 8 {
		t.Fatalf("expected 8 readable, got %d", b.Readable())
	}
	if !bytes.Equal(b.Peek(), []byte("abcdefgh")) {
		t.Fatalf("unexpected content: %q", b.Peek())
	}
}

func TestCompactReclaimsSpaceWithoutGrowing(t *testing.T) {
	b := NewSize(8)
	b.Append([]byte("abcdefgh")) // fills capacity exactly
	b.Retrieve(6)                // readerIndex=6, writerIndex=8, readable=2
	capBefore := b.Capacity()
	b.Append([]byte("XYZ")) // needs 3 writable; compacting frees 6
	if b.Capacity() != capBefore {
		t.Fatalf("expected compaction to avoid growth, cap went from %d to %d", capBefore, b.Capacity())
	}
	if !bytes.Equal(b.Peek(), []byte("ghXYZ")) {
		t.Fatalf("unexpected content after compact: %q", b.Peek())
	}
}

func TestWriteSlotCommit(t *testing.T) {
	b := New()
	slot := b.WriteSlot(4)
	n := copy(slot, []byte("data"))
	b.CommitWrite(n)
	if !bytes.Equal(b.Peek(), []byte("data")) {
		t.Fatalf("unexpected content: %q", b.Peek())
	}
}
