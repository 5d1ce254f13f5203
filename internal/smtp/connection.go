package smtp

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/infodancer/smtpd/internal/metrics"
	"github.com/infodancer/smtpd/internal/transform"
)

// MinBufferSize is the minimum inbound/outbound buffer capacity required
// by spec.md §3 ("inbound byte buffer (>= 2 KiB, line-framed); outbound
// byte buffer (>= 2 KiB, drain-on-writable)").
const MinBufferSize = 2048

// Dependencies bundles the server-wide collaborators a Connection needs;
// every connection shares one Dependencies value.
type Dependencies struct {
	ServerDomain string
	MaildropRoot string
	TmpDir       string
	Dispatcher   *transform.Dispatcher // nil when transform is disabled server-wide
	Verify       *VerifyFile
	Registry     *metrics.Registry
	Logger       *slog.Logger
}

// Connection is the per-client record described in spec.md §3: identity,
// buffers, parser state, envelope (held inside Parser), and the active
// message file. It owns no reactor-registration bookkeeping itself — the
// reactor's entry data is the server's wrapper around a *Connection, and
// the server-level I/O handlers (internal/server) call
// OnReadable/OnWritable in response to readiness.
type Connection struct {
	FD   int
	Peer netip.AddrPort

	deps   Dependencies
	parser *Parser

	inBuf  []byte
	outBuf []byte

	msgFile *os.File
	msgPath string
	counter uint64
}

// NewConnection creates a Connection for an accepted client fd and queues
// the greeting banner (spec.md §4.2: "a welcome banner is pushed to
// outbound before entering [AwaitGreeting]").
func NewConnection(fd int, peer netip.AddrPort, deps Dependencies) *Connection {
	c := &Connection{
		FD:     fd,
		Peer:   peer,
		deps:   deps,
		parser: NewParser(deps.ServerDomain, deps.Verify),
		inBuf:  make([]byte, 0, MinBufferSize),
		outBuf: make([]byte, 0, MinBufferSize),
	}
	c.queue(fmt.Sprintf("220 %s ESMTP service ready\r\n", deps.ServerDomain))
	return c
}

// HasPendingWrite reports whether the outbound buffer still holds data,
// used by the server's interest-mask toggle (spec.md §4.2).
func (c *Connection) HasPendingWrite() bool {
	return len(c.outBuf) > 0
}

func (c *Connection) queue(s string) {
	c.outBuf = append(c.outBuf, s...)
}

// CloseResult tells the caller what the reactor should do after an I/O
// callback.
type CloseResult int

const (
	// KeepOpen: no action beyond whatever interest-mask change is implied.
	KeepOpen CloseResult = iota
	// CloseConnection: peer closed, fatal I/O error, or QUIT reached. The
	// final reply may still be queued in the outbound buffer.
	CloseConnection
)

// OnReadable reads available bytes from the socket, extracts complete
// CRLF-terminated lines, and steps the parser once per line. It returns
// CloseConnection on peer close (0-byte read), fatal read error, or QUIT.
func (c *Connection) OnReadable() CloseResult {
	buf := make([]byte, MinBufferSize)
	for {
		n, err := unix.Read(c.FD, buf)
		if n > 0 {
			c.inBuf = append(c.inBuf, buf[:n]...)
			c.deps.Registry.AddBytesTransferred(uint64(n))
		}
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			c.drainLines()
			return CloseConnection
		}
		if n == 0 {
			c.drainLines()
			return CloseConnection
		}
		if n < len(buf) {
			break
		}
	}
	return c.drainLines()
}

// drainLines consumes every complete CRLF-terminated line currently
// buffered, stepping the parser on each, and reports whether the
// connection should close.
func (c *Connection) drainLines() CloseResult {
	for {
		idx := bytes.Index(c.inBuf, []byte("\r\n"))
		if idx < 0 {
			return KeepOpen
		}
		line := string(c.inBuf[:idx])
		c.inBuf = c.inBuf[idx+2:]

		if c.handleLine(line) {
			return CloseConnection
		}
	}
}

// handleLine steps the parser on one line, enacts the returned Action,
// and queues the reply. It returns true if the connection should be torn
// down once the reply is flushed.
func (c *Connection) handleLine(line string) bool {
	// The parser clears its envelope when it accepts the end-of-body line,
	// so keep a copy of the transaction's envelope for finalizeData.
	var env Envelope
	if c.parser.State() == InData {
		env = *c.parser.Envelope()
	}
	result := c.parser.Step(line)

	switch result.Action {
	case ActionOpenData:
		c.openDataFile()
	case ActionAppendData:
		c.appendDataLine(result.DataLine)
		return false // no reply queued for an in-body line
	case ActionFinalizeData:
		if !c.finalizeData(env) {
			result.Reply = single("451 Requested action aborted: local error in processing")
		}
	}

	if len(result.Reply) > 0 {
		c.queue(result.Reply.String())
	}

	return result.Action == ActionQuit
}

func (c *Connection) openDataFile() {
	c.counter++
	filename := fmt.Sprintf("%d-%d-%d", time.Now().UnixNano(), c.FD, c.counter)
	tmpPath := filepath.Join(c.deps.TmpDir, filename)

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0660)
	if err != nil {
		c.deps.Logger.Error("failed to create message temp file", "path", tmpPath, "error", err)
		return
	}
	c.msgFile = f
	c.msgPath = tmpPath
}

func (c *Connection) appendDataLine(line string) {
	if c.msgFile == nil {
		return
	}
	if _, err := fmt.Fprintf(c.msgFile, "%s\r\n", line); err != nil {
		c.deps.Logger.Error("failed to append message body", "path", c.msgPath, "error", err)
		c.abortData()
	}
}

// abortData handles a transient I/O error on the message file: reply 451
// and return to PostGreeting with the envelope cleared (spec.md §4.3 "End
// of DATA").
func (c *Connection) abortData() {
	c.closeMsgFile()
	c.parser.state = PostGreeting
	c.parser.envelope.Reset()
	c.queue("451 Requested action aborted: local error in processing\r\n")
}

func (c *Connection) closeMsgFile() {
	if c.msgFile != nil {
		c.msgFile.Close()
		os.Remove(c.msgPath)
		c.msgFile = nil
		c.msgPath = ""
	}
}

// finalizeData hands the completed message off to the transform
// dispatcher (if transform is enabled server-wide and for this
// connection) or writes it verbatim, once per recipient (spec.md §4.4).
// It reports false if there was no message file or any recipient's
// delivery failed, in which case the caller replies 451.
func (c *Connection) finalizeData(env Envelope) bool {
	if c.msgFile == nil {
		return false
	}
	tmpPath := c.msgPath
	filename := filepath.Base(tmpPath)
	c.msgFile.Close()
	c.msgFile = nil
	c.msgPath = ""

	ok := true
	useTransform := c.deps.Dispatcher != nil &&
		c.deps.Registry.TransformEnabled.Load() &&
		c.parser.TransformEnabled()

	for _, recipient := range env.Recipients {
		local, domain := SplitDomainLocal(recipient)
		var err error
		if useTransform {
			if !c.deps.Dispatcher.Transform(domain, local, filename) {
				err = fmt.Errorf("transform worker reported failure")
			}
		} else {
			err = writeVerbatim(c.deps.MaildropRoot, env.Sender, recipient, filename, tmpPath)
		}
		if err != nil {
			c.deps.Logger.Error("message delivery failed", "recipient", recipient, "error", err)
			ok = false
		}
	}

	os.Remove(tmpPath)
	return ok
}

// OnWritable drains the outbound buffer. It reports CloseConnection only
// on a fatal write error; the caller is responsible for switching the
// reactor interest mask back to read-only once HasPendingWrite is false.
func (c *Connection) OnWritable() CloseResult {
	for len(c.outBuf) > 0 {
		n, err := unix.Write(c.FD, c.outBuf)
		if n > 0 {
			c.outBuf = c.outBuf[n:]
			c.deps.Registry.AddBytesTransferred(uint64(n))
		}
		if err != nil {
			if err == unix.EAGAIN {
				return KeepOpen
			}
			return CloseConnection
		}
	}
	return KeepOpen
}

// Close discards any open message file (spec.md §3 "On destruction, open
// message file (if any) is discarded") and closes the socket.
func (c *Connection) Close() {
	c.closeMsgFile()
	unix.Close(c.FD)
}
