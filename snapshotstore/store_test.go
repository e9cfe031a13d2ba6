package snapshotstore

import "testing"

func TestPutGetRoundTrip(t *testing.T) {
	s, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer s.Close()

	blob := []byte("pretend this is a v8 startup blob")
	if err := s.Put("a", "hash1", "v8go-0.34", blob); err != nil {
		t.Fatalf("Put: %v", err)
	}

	rec, err := s.Get("a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(rec.Blob) != string(blob) {
		t.Fatalf("Blob = %q, want %q", rec.Blob, blob)
	}
	if rec.SourceHash != "hash1" || rec.EngineTag != "v8go-0.34" {
		t.Fatalf("unexpected metadata: %+v", rec)
	}
}

func TestGetMissing(t *testing.T) {
	s, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer s.Close()

	if _, err := s.Get("nope"); err == nil {
		t.Fatal("expected an error for a missing snapshot")
	}
}

func TestListAndDelete(t *testing.T) {
	s, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer s.Close()

	if err := s.Put("a", "h", "e", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := s.Put("b", "h", "e", []byte("y")); err != nil {
		t.Fatal(err)
	}
	names, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("got %d names, want 2", len(names))
	}

	if err := s.Delete("a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get("a"); err == nil {
		t.Fatal("expected a to be gone after Delete")
	}
}
