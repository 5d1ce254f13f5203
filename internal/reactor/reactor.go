// Package reactor implements the single-threaded, epoll-based readiness
// multiplexer described in spec.md §4.1: one registration table keyed by
// file descriptor, deterministic read/write ready queues ordered by
// registration order, and a monotone high-fd watermark.
//
// Grounded on the poll-mode reactor shape shown in the retrieved
// momentics/hioload-ws reactor example (register/unregister around a
// cross-platform epoll abstraction) and on golang.org/x/sys/unix's direct
// epoll syscalls as used in the retrieved jroosing/HydraDNS UDP server.
package reactor

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sys/unix"
)

// Mask is a bitmask of interest flags.
type Mask uint8

const (
	Read  Mask = 1 << 0
	Write Mask = 1 << 1
)

// TypeTag identifies what kind of fd an entry represents.
type TypeTag int

const (
	TagPassiveV4 TypeTag = iota
	TagPassiveV6
	TagClient
	TagControl
)

// ErrOutOfResources is returned by Register when the underlying epoll_ctl
// call fails (e.g. the process fd table or epoll instance is exhausted).
var ErrOutOfResources = errors.New("reactor: out of resources")

// ErrWaitFailed is returned by Wait for any non-retryable error from the
// underlying readiness primitive.
var ErrWaitFailed = errors.New("reactor: wait failed")

// CleanupFunc is invoked on an entry's data when Deregister is called with
// freeData=true and the fd's last interest bit is cleared.
type CleanupFunc func(tag TypeTag, data any)

type entry struct {
	fd   int
	mask Mask
	tag  TypeTag
	data any
	seq  int64
}

// Ready describes one ready fd delivered by NextRead/NextWrite.
type Ready struct {
	FD   int
	Tag  TypeTag
	Data any
}

// Reactor is a single-threaded epoll-based readiness multiplexer. It is not
// safe for concurrent use: by design, exactly one goroutine (the reactor
// loop) calls its methods.
type Reactor struct {
	epfd    int
	entries map[int]*entry
	seq     int64
	highFD  int

	onCleanup CleanupFunc

	readReady  []Ready
	writeReady []Ready
	readPos    int
	writePos   int
}

// New creates a Reactor backed by a fresh epoll instance. onCleanup may be
// nil if no entry ever needs cleanup-on-deregister.
func New(onCleanup CleanupFunc) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	return &Reactor{
		epfd:      epfd,
		entries:   make(map[int]*entry),
		onCleanup: onCleanup,
	}, nil
}

// Close releases the underlying epoll instance. It does not close or clean
// up any registered fds.
func (r *Reactor) Close() error {
	return unix.Close(r.epfd)
}

// HighFD returns the highest fd ever registered. Monotone: never decreases,
// even after the fd is deregistered or closed, matching spec.md §4.1's note
// that fd numbers are reused and the watermark need not track that.
func (r *Reactor) HighFD() int {
	return r.highFD
}

func maskToEpoll(m Mask) uint32 {
	var events uint32
	if m&Read != 0 {
		events |= unix.EPOLLIN
	}
	if m&Write != 0 {
		events |= unix.EPOLLOUT
	}
	return events
}

// Register adds fd to the active set for each bit in mask. If fd already
// holds a given bit, that bit is a no-op; an entry's tag and data are fixed
// at first registration and never overwritten by a later duplicate
// Register call for the same fd.
func (r *Reactor) Register(fd int, mask Mask, tag TypeTag, data any) error {
	e, exists := r.entries[fd]
	if !exists {
		r.seq++
		e = &entry{fd: fd, tag: tag, data: data, seq: r.seq}
		ev := &unix.EpollEvent{Events: maskToEpoll(mask), Fd: int32(fd)}
		if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
			return fmt.Errorf("%w: epoll_ctl add fd %d: %v", ErrOutOfResources, fd, err)
		}
		e.mask = mask
		r.entries[fd] = e
		if fd > r.highFD {
			r.highFD = fd
		}
		return nil
	}

	newBits := mask &^ e.mask
	if newBits == 0 {
		// Fully duplicate: every requested bit is already held. No-op,
		// existing tag/data preserved.
		return nil
	}

	combined := e.mask | newBits
	ev := &unix.EpollEvent{Events: maskToEpoll(combined), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, ev); err != nil {
		return fmt.Errorf("%w: epoll_ctl mod fd %d: %v", ErrOutOfResources, fd, err)
	}
	e.mask = combined
	return nil
}

// Deregister clears the given interest bits for fd. When fd has no
// remaining interest, its tag/data are released from the table; if
// freeData is true, the reactor's configured CleanupFunc is invoked on the
// released data. Deregistering a bit not currently held, or an
// unregistered fd, is a harmless no-op.
func (r *Reactor) Deregister(fd int, mask Mask, freeData bool) {
	e, exists := r.entries[fd]
	if !exists {
		return
	}

	remaining := e.mask &^ mask
	if remaining == e.mask {
		return // none of the requested bits were held
	}

	if remaining == 0 {
		_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		delete(r.entries, fd)
		if freeData && r.onCleanup != nil {
			r.onCleanup(e.tag, e.data)
		}
		return
	}

	ev := &unix.EpollEvent{Events: maskToEpoll(remaining), Fd: int32(fd)}
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, ev)
	e.mask = remaining
}

// Wait blocks until at least one fd is ready or timeout elapses (a
// non-positive timeout blocks indefinitely). It rebuilds the read-ready and
// write-ready queues in registration order. EINTR from the underlying
// epoll_wait is retried transparently; any other error is wrapped in
// ErrWaitFailed.
func (r *Reactor) Wait(timeout time.Duration) error {
	ms := -1
	if timeout > 0 {
		ms = int(timeout / time.Millisecond)
		if ms == 0 {
			ms = 1
		}
	}

	events := make([]unix.EpollEvent, len(r.entries)+1)
	var n int
	var err error
	for {
		n, err = unix.EpollWait(r.epfd, events, ms)
		if err == nil {
			break
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return fmt.Errorf("%w: %v", ErrWaitFailed, err)
	}

	type pending struct {
		seq int64
		rdy Ready
	}
	var reads, writes []pending

	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		e, ok := r.entries[fd]
		if !ok {
			continue
		}
		rdy := Ready{FD: fd, Tag: e.tag, Data: e.data}
		if e.mask&Read != 0 && events[i].Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			reads = append(reads, pending{e.seq, rdy})
		}
		if e.mask&Write != 0 && events[i].Events&unix.EPOLLOUT != 0 {
			writes = append(writes, pending{e.seq, rdy})
		}
	}

	sort.Slice(reads, func(i, j int) bool { return reads[i].seq < reads[j].seq })
	sort.Slice(writes, func(i, j int) bool { return writes[i].seq < writes[j].seq })

	r.readReady = r.readReady[:0]
	for _, p := range reads {
		r.readReady = append(r.readReady, p.rdy)
	}
	r.writeReady = r.writeReady[:0]
	for _, p := range writes {
		r.writeReady = append(r.writeReady, p.rdy)
	}
	r.readPos, r.writePos = 0, 0

	return nil
}

// NextRead dequeues one read-ready fd. ok is false once the queue built by
// the last Wait call is exhausted.
func (r *Reactor) NextRead() (rdy Ready, ok bool) {
	if r.readPos >= len(r.readReady) {
		return Ready{}, false
	}
	rdy = r.readReady[r.readPos]
	r.readPos++
	return rdy, true
}

// NextWrite dequeues one write-ready fd. ok is false once the queue built by
// the last Wait call is exhausted.
func (r *Reactor) NextWrite() (rdy Ready, ok bool) {
	if r.writePos >= len(r.writeReady) {
		return Ready{}, false
	}
	rdy = r.writeReady[r.writePos]
	r.writePos++
	return rdy, true
}
