package reactor

import (
	"os"
	"testing"
	"time"
)

func pipeFDs(t *testing.T) (r, w int) {
	t.Helper()
	pr, pw, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	t.Cleanup(func() {
		pr.Close()
		pw.Close()
	})
	return int(pr.Fd()), int(pw.Fd())
}

func TestRegisterDuplicatePreservesData(t *testing.T) {
	re, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer re.Close()

	rfd, wfd := pipeFDs(t)
	_ = wfd

	first := "first"
	if err := re.Register(rfd, Read, TagClient, first); err != nil {
		t.Fatalf("register: %v", err)
	}
	second := "second"
	if err := re.Register(rfd, Read, TagControl, second); err != nil {
		t.Fatalf("register dup: %v", err)
	}

	e := re.entries[rfd]
	if e.data != first {
		t.Errorf("data overwritten: got %v, want %v", e.data, first)
	}
	if e.tag != TagClient {
		t.Errorf("tag overwritten: got %v, want %v", e.tag, TagClient)
	}
}

func TestRegisterAddsNewBitsWithoutClobbering(t *testing.T) {
	re, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer re.Close()

	rfd, _ := pipeFDs(t)

	if err := re.Register(rfd, Read, TagClient, "payload"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := re.Register(rfd, Write, TagControl, "ignored"); err != nil {
		t.Fatalf("register write: %v", err)
	}

	e := re.entries[rfd]
	if e.mask != Read|Write {
		t.Errorf("mask = %v, want Read|Write", e.mask)
	}
	if e.data != "payload" {
		t.Errorf("data overwritten on bit-add: got %v", e.data)
	}
}

func TestDeregisterPartialPreservesOtherBit(t *testing.T) {
	re, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer re.Close()

	rfd, _ := pipeFDs(t)
	if err := re.Register(rfd, Read|Write, TagClient, "x"); err != nil {
		t.Fatalf("register: %v", err)
	}

	re.Deregister(rfd, Write, true)

	e, ok := re.entries[rfd]
	if !ok {
		t.Fatalf("entry removed entirely, want it to survive with Read bit")
	}
	if e.mask != Read {
		t.Errorf("mask = %v, want Read", e.mask)
	}
}

func TestDeregisterLastBitInvokesCleanup(t *testing.T) {
	var cleaned []TypeTag
	re, err := New(func(tag TypeTag, data any) {
		cleaned = append(cleaned, tag)
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer re.Close()

	rfd, _ := pipeFDs(t)
	if err := re.Register(rfd, Read, TagControl, "x"); err != nil {
		t.Fatalf("register: %v", err)
	}

	re.Deregister(rfd, Read, true)

	if _, ok := re.entries[rfd]; ok {
		t.Fatalf("entry should be removed")
	}
	if len(cleaned) != 1 || cleaned[0] != TagControl {
		t.Errorf("cleanup not invoked correctly: %v", cleaned)
	}
}

func TestDeregisterWithoutFreeDataSkipsCleanup(t *testing.T) {
	called := false
	re, err := New(func(tag TypeTag, data any) { called = true })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer re.Close()

	rfd, _ := pipeFDs(t)
	if err := re.Register(rfd, Read, TagControl, "x"); err != nil {
		t.Fatalf("register: %v", err)
	}
	re.Deregister(rfd, Read, false)

	if called {
		t.Errorf("cleanup should not have been invoked")
	}
}

func TestWaitOrdersReadyByRegistrationOrder(t *testing.T) {
	re, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer re.Close()

	_, w1 := pipeFDs(t)
	r1, _ := pipeFDs(t) // placeholder to keep distinct fds
	_ = r1
	r2, w2 := pipeFDs(t)
	r3, w3 := pipeFDs(t)

	// Register in order r3, r2 so registration order differs from any
	// incidental fd-number order.
	if err := re.Register(r3, Read, TagClient, "three"); err != nil {
		t.Fatalf("register r3: %v", err)
	}
	if err := re.Register(r2, Read, TagClient, "two"); err != nil {
		t.Fatalf("register r2: %v", err)
	}

	if _, err := w2Write(w2); err != nil {
		t.Fatalf("write w2: %v", err)
	}
	if _, err := w2Write(w3); err != nil {
		t.Fatalf("write w3: %v", err)
	}
	_ = w1

	if err := re.Wait(time.Second); err != nil {
		t.Fatalf("wait: %v", err)
	}

	first, ok := re.NextRead()
	if !ok {
		t.Fatalf("expected first ready fd")
	}
	if first.Data != "three" {
		t.Errorf("first ready = %v, want data=three (registered first)", first.Data)
	}

	second, ok := re.NextRead()
	if !ok {
		t.Fatalf("expected second ready fd")
	}
	if second.Data != "two" {
		t.Errorf("second ready = %v, want data=two", second.Data)
	}

	if _, ok := re.NextRead(); ok {
		t.Errorf("expected queue exhausted")
	}
}

func w2Write(fd int) (int, error) {
	f := os.NewFile(uintptr(fd), "pipe-write")
	return f.Write([]byte("x"))
}

func TestHighFDMonotone(t *testing.T) {
	re, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer re.Close()

	rfd, _ := pipeFDs(t)
	if err := re.Register(rfd, Read, TagClient, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if re.HighFD() < rfd {
		t.Errorf("HighFD() = %d, want >= %d", re.HighFD(), rfd)
	}

	re.Deregister(rfd, Read, true)
	if re.HighFD() < rfd {
		t.Errorf("HighFD should remain monotone after deregister")
	}
}
