package mail

import (
	"fmt"
	"testing"
)

func TestIDSetBasics(t *testing.T) {
	s := newIDSet()
	if s.Has("a") {
		t.Error("empty set must not contain anything")
	}
	s.Add("a")
	s.Add("a")
	if !s.Has("a") || s.Len() != 1 {
		t.Errorf("duplicate Add changed the set: len=%d", s.Len())
	}
}

func TestIDSetCompaction(t *testing.T) {
	s := newIDSet()
	for i := 0; i <= maxProcessedIDs; i++ {
		s.Add(fmt.Sprintf("id-%06d", i))
	}
	if s.Len() != compactTo {
		t.Fatalf("Len = %d after overflow, want %d", s.Len(), compactTo)
	}
	if s.Has("id-000000") {
		t.Error("oldest id should have been dropped")
	}
	if !s.Has(fmt.Sprintf("id-%06d", maxProcessedIDs)) {
		t.Error("newest id must survive compaction")
	}
}

func TestOwnsJID(t *testing.T) {
	c := &Channel{}
	if !c.OwnsJID("gmail:someone@example.com") {
		t.Error("gmail: prefix must be owned")
	}
	if c.OwnsJID("slack:C1") || c.OwnsJID("g1@g.us") {
		t.Error("foreign JIDs must not be owned")
	}
}
