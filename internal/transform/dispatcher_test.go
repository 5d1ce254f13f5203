package transform

import (
	"bufio"
	"os"
	"testing"
)

// fakeWorkerPair wires up a worker struct whose "subprocess" side is just
// a goroutine echoing a fixed reply, so dispatch logic can be tested
// without spawning a real child process.
func fakeWorkerPair(t *testing.T, reply string, fail bool) *worker {
	t.Helper()
	masterR, workerW, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	workerR, masterW, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	t.Cleanup(func() {
		masterW.Close()
		masterR.Close()
	})

	go func() {
		defer workerW.Close()
		scanner := bufio.NewScanner(workerR)
		for scanner.Scan() {
			if fail {
				workerR.Close()
				return
			}
			workerW.Write([]byte(reply + "\n"))
		}
	}()

	return &worker{stdin: masterW, stdout: bufio.NewReader(masterR)}
}

func TestDispatcherRoundRobinsAndAdvancesCursor(t *testing.T) {
	d := &Dispatcher{workers: []*worker{
		fakeWorkerPair(t, "254", false),
		fakeWorkerPair(t, "254", false),
		fakeWorkerPair(t, "254", false),
	}}

	if !d.Transform("example.org", "alice", "msg1") {
		t.Fatalf("expected success")
	}
	if d.cursor != 1 {
		t.Errorf("cursor = %d, want 1", d.cursor)
	}

	if !d.Transform("example.org", "bob", "msg2") {
		t.Fatalf("expected success")
	}
	if d.cursor != 2 {
		t.Errorf("cursor = %d, want 2", d.cursor)
	}
}

func TestDispatcherReportsWorkerFailureStatus(t *testing.T) {
	d := &Dispatcher{workers: []*worker{
		fakeWorkerPair(t, "255", false),
	}}
	if d.Transform("example.org", "alice", "msg1") {
		t.Fatalf("expected failure status to propagate")
	}
}

func TestDispatcherSkipsDeadWorkers(t *testing.T) {
	d := &Dispatcher{workers: []*worker{
		{dead: true},
		fakeWorkerPair(t, "254", false),
	}}
	d.cursor = 0
	if !d.Transform("example.org", "alice", "msg1") {
		t.Fatalf("expected the live worker to serve the request")
	}
	if d.cursor != 0 {
		t.Errorf("cursor = %d, want wrap to 0 after using worker 1", d.cursor)
	}
}

func TestDispatcherMarksPipeErrorWorkerDead(t *testing.T) {
	w := fakeWorkerPair(t, "", true)
	d := &Dispatcher{workers: []*worker{w, fakeWorkerPair(t, "254", false)}}

	if !d.Transform("example.org", "alice", "msg1") {
		t.Fatalf("expected fallback worker to serve the request")
	}
	if !w.dead {
		t.Errorf("first worker should be marked dead after pipe error")
	}
}

func TestDispatcherAllDeadReturnsFalse(t *testing.T) {
	d := &Dispatcher{workers: []*worker{{dead: true}, {dead: true}}}
	if d.Transform("example.org", "alice", "msg1") {
		t.Fatalf("expected false when all workers are dead")
	}
}
