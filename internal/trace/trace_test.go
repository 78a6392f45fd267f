package trace

import (
	"bytes"
	"sync"
	"testing"
)

func TestCanonicalJSONIgnoresInsertionOrder(t *testing.T) {
	a := ExecutionTrace{
		GraphHash: "graph-abc",
		Events: []Event{
			{Kind: EventTaskFailed, TaskID: "test", Reason: "NonZeroExit", ExitCode: 2},
			{Kind: EventTaskDispatched, TaskID: "lint"},
			{Kind: EventTaskSkipped, TaskID: "publish", Reason: "UpstreamFailed", CauseTaskID: "test"},
			{Kind: EventTaskSucceeded, TaskID: "lint"},
		},
	}
	b := ExecutionTrace{
		GraphHash: "graph-abc",
		Events: []Event{
			{Kind: EventTaskSucceeded, TaskID: "lint"},
			{Kind: EventTaskSkipped, TaskID: "publish", CauseTaskID: "test", Reason: "UpstreamFailed"},
			{Kind: EventTaskDispatched, TaskID: "lint"},
			{Kind: EventTaskFailed, TaskID: "test", ExitCode: 2, Reason: "NonZeroExit"},
		},
	}

	ba, err := a.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json (a): %v", err)
	}
	bb, err := b.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json (b): %v", err)
	}
	if !bytes.Equal(ba, bb) {
		t.Fatalf("expected identical bytes\na=%s\nb=%s", ba, bb)
	}

	ha, _ := a.Hash()
	hb, _ := b.Hash()
	if ha == "" || ha != hb {
		t.Fatalf("hashes differ: %q vs %q", ha, hb)
	}
}

func TestCanonicalBytes(t *testing.T) {
	tr := ExecutionTrace{
		GraphHash: "g",
		Events: []Event{
			{Kind: EventTaskSucceeded, TaskID: "b"},
			{Kind: EventTaskDispatched, TaskID: "b"},
			{Kind: EventTaskSkipped, TaskID: "a", Reason: "UpstreamFailed", CauseTaskID: "x"},
		},
	}
	got, err := tr.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json: %v", err)
	}
	want := `{"graphHash":"g","events":[{"kind":"TaskSkipped","taskId":"a","reason":"UpstreamFailed","causeTaskId":"x"},{"kind":"TaskDispatched","taskId":"b"},{"kind":"TaskSucceeded","taskId":"b"}]}`
	if string(got) != want {
		t.Fatalf("unexpected canonical bytes\nwant=%s\ngot =%s", want, got)
	}
	if tr.Events[0].TaskID != "b" {
		t.Fatalf("CanonicalJSON mutated the receiver's events")
	}
}

func TestValidate(t *testing.T) {
	if _, err := (ExecutionTrace{}).CanonicalJSON(); err == nil {
		t.Fatal("expected error for missing graph hash")
	}
	bad := ExecutionTrace{GraphHash: "g", Events: []Event{{Kind: "Exploded", TaskID: "a"}}}
	if _, err := bad.CanonicalJSON(); err == nil {
		t.Fatal("expected error for unknown kind")
	}
	noTask := ExecutionTrace{GraphHash: "g", Events: []Event{{Kind: EventTaskSucceeded}}}
	if _, err := noTask.CanonicalJSON(); err == nil {
		t.Fatal("expected error for missing task id")
	}
}

type panicSink struct{}

func (panicSink) Record(Event) { panic("boom") }

func TestSafeRecordSwallowsPanics(t *testing.T) {
	SafeRecord(panicSink{}, Event{Kind: EventTaskSucceeded, TaskID: "a"})
	SafeRecord(nil, Event{Kind: EventTaskSucceeded, TaskID: "a"})
}

func TestRecorderConcurrent(t *testing.T) {
	r := NewRecorder()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Record(Event{Kind: EventTaskSucceeded, TaskID: "t"})
		}()
	}
	wg.Wait()
	if got := len(r.Trace("g").Events); got != 50 {
		t.Fatalf("recorded %d events, want 50", got)
	}
}
