package store

import "testing"

func TestRegistryLifecycle(t *testing.T) {
	r := NewTaskRegistry()

	if _, ok := r.State("T1"); ok {
		t.Fatal("empty registry reported a state")
	}

	r.MarkQueued("T1")
	if st, ok := r.State("T1"); !ok || st != TaskQueued {
		t.Fatalf("state = %v/%v, want queued", st, ok)
	}

	r.MarkRunning("T1")
	if st, _ := r.State("T1"); st != TaskRunning {
		t.Fatalf("state = %v, want running", st)
	}

	r.MarkFinished("T1")
	if _, ok := r.State("T1"); ok {
		t.Fatal("finished task still registered")
	}
	if r.Len() != 0 {
		t.Fatalf("Len = %d", r.Len())
	}
}

func TestMarkFinishedIdempotent(t *testing.T) {
	r := NewTaskRegistry()
	r.MarkQueued("T1")
	r.MarkFinished("T1")
	r.MarkFinished("T1")
	if r.Len() != 0 {
		t.Fatalf("Len = %d", r.Len())
	}
}
