// Copyright 2025 James Ross
package queue

import "testing"

func TestMarshalUnmarshalHandle(t *testing.T) {
	h := NewHandle("j_abc123", "trace-1")
	s, err := h.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	h2, err := UnmarshalHandle(s)
	if err != nil {
		t.Fatal(err)
	}
	if h2.JobID != h.JobID || h2.TraceID != h.TraceID || h2.QueuedAt != h.QueuedAt {
		t.Fatalf("roundtrip mismatch: %#v vs %#v", h, h2)
	}
}
