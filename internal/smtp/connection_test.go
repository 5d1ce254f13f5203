package smtp

import (
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/infodancer/smtpd/internal/metrics"
)

func newTestSocketPair(t *testing.T) (serverFD, peerFD int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		t.Fatalf("set nonblock: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func testDeps(t *testing.T) Dependencies {
	t.Helper()
	dir := t.TempDir()
	tmpDir := filepath.Join(dir, "tmp")
	maildrop := filepath.Join(dir, "maildrop")
	if err := os.MkdirAll(tmpDir, 0770); err != nil {
		t.Fatalf("mkdir tmp: %v", err)
	}
	return Dependencies{
		ServerDomain: "example.org",
		MaildropRoot: maildrop,
		TmpDir:       tmpDir,
		Registry:     metrics.NewRegistry(),
		Logger:       slog.New(slog.DiscardHandler),
	}
}

func readAll(t *testing.T, fd int) string {
	t.Helper()
	buf := make([]byte, 4096)
	n, err := unix.Read(fd, buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(buf[:n])
}

func TestNewConnectionQueuesGreeting(t *testing.T) {
	serverFD, peerFD := newTestSocketPair(t)
	deps := testDeps(t)

	conn := NewConnection(serverFD, netip.AddrPort{}, deps)
	if !conn.HasPendingWrite() {
		t.Fatalf("expected greeting queued")
	}
	if conn.OnWritable() != KeepOpen {
		t.Fatalf("expected write to succeed")
	}

	got := readAll(t, peerFD)
	if got != "220 example.org ESMTP service ready\r\n" {
		t.Errorf("greeting = %q", got)
	}
}

func TestConnectionFullTransactionWritesVerbatimMaildrop(t *testing.T) {
	serverFD, peerFD := newTestSocketPair(t)
	deps := testDeps(t)

	conn := NewConnection(serverFD, netip.AddrPort{}, deps)
	conn.OnWritable() // drain greeting
	readAll(t, peerFD)

	script := "EHLO ab.cd\r\nMAIL FROM: <x@ab.cd>\r\nRCPT TO: <y@cd.ef>\r\nDATA\r\nhello\r\n.\r\n"
	if _, err := unix.Write(peerFD, []byte(script)); err != nil {
		t.Fatalf("write script: %v", err)
	}

	if conn.OnReadable() != KeepOpen {
		t.Fatalf("expected connection to stay open")
	}
	if conn.OnWritable() != KeepOpen {
		t.Fatalf("expected writes to drain")
	}

	matches, _ := filepath.Glob(filepath.Join(deps.MaildropRoot, "cd.ef", "y", "*"))
	if len(matches) != 1 {
		t.Fatalf("expected one delivered file, got %v", matches)
	}
	content, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read delivered file: %v", err)
	}
	if got := string(content); got != "MAIL FROM: <x@ab.cd>\r\nRCPT TO: <y@cd.ef>\r\nDATA\r\nhello\r\n.\r\n" {
		t.Errorf("delivered content = %q", got)
	}
}

func TestConnectionQuitClosesAfterFlush(t *testing.T) {
	serverFD, peerFD := newTestSocketPair(t)
	deps := testDeps(t)

	conn := NewConnection(serverFD, netip.AddrPort{}, deps)
	conn.OnWritable()
	readAll(t, peerFD)

	if _, err := unix.Write(peerFD, []byte("QUIT\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if conn.OnReadable() != CloseConnection {
		t.Fatalf("expected QUIT to request close")
	}
}
