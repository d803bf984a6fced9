package devices

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// ErrConsoleStarted is returned by Start when the poll loop is already running.
var ErrConsoleStarted = errors.New("console bridge already started")

// relayChunk bounds how many queued output bytes are moved per wakeup.
const relayChunk = 256

// stopFlushTimeout bounds how long Stop waits for a stalled host output to
// accept the bytes already handed to WriteChar.
const stopFlushTimeout = 500 * time.Millisecond

// TerminalMode switches the host terminal between raw and canonical input.
// A nil TerminalMode means the input is not a terminal.
type TerminalMode interface {
	MakeRaw() error
	Restore() error
}

// Console is the byte-level view of the host console used by the UART.
// Implementations must never block the caller.
type Console interface {
	HasInput() bool
	ReadChar() byte
	WriteChar(c byte)
}

// ConsoleOptions configures a ConsoleBridge.
type ConsoleOptions struct {
	Input     *os.File     // Host input, usually os.Stdin
	Output    *os.File     // Host output, usually os.Stdout
	Terminal  TerminalMode // Mode control for Input, nil if Input is not a tty
	QueueSize int          // Input buffer capacity, DefaultQueueSize if zero
}

// ConsoleBridge relays bytes between the host terminal and an emulated device.
// A background goroutine waits on the host input and a self-pipe at the same
// time; the self-pipe carries outbound bytes and is closed to request shutdown.
// The host fds are non-blocking while the bridge owns them.
type ConsoleBridge struct {
	input    *os.File
	output   *os.File
	inputFd  int
	outputFd int
	terminal TerminalMode
	queue    *ByteQueue

	// O_NONBLOCK state of the host fds before the bridge took them over
	inputWasNonblock  bool
	outputWasNonblock bool

	wakeR int // read end of the wakeup pipe, owned by the poll loop

	writeLock  sync.Mutex // guards wakeW and wakeClosed
	wakeW      int
	wakeClosed bool

	// lock serializes terminal mode changes with the loop's read of the input.
	lock      sync.Mutex
	suspended bool
	raw       bool

	started  atomic.Bool
	stopping atomic.Bool
	group    errgroup.Group
	exited   chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// NewConsoleBridge creates a bridge and its wakeup pipe. It does not start the
// poll loop. Failure to set up the pipe is fatal for the owning device.
func NewConsoleBridge(opts ConsoleOptions) (*ConsoleBridge, error) {
	if opts.Input == nil {
		opts.Input = os.Stdin
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}

	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, fmt.Errorf("console pipe failed: %w", err)
	}
	for _, fd := range fds {
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, fmt.Errorf("console fcntl(F_SETFD, FD_CLOEXEC) failed: %w", err)
		}
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, fmt.Errorf("console fcntl(F_SETFL, O_NONBLOCK) failed: %w", err)
		}
	}

	// Fd leaves the file in blocking mode, so the fds are taken once here and
	// switched to non-blocking afterwards.
	c := &ConsoleBridge{
		input:    opts.Input,
		output:   opts.Output,
		inputFd:  int(opts.Input.Fd()),
		outputFd: int(opts.Output.Fd()),
		terminal: opts.Terminal,
		queue:    NewByteQueue(opts.QueueSize),
		wakeR:    fds[0],
		wakeW:    fds[1],
		exited:   make(chan struct{}),
	}
	if err := c.takeHostFds(); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, err
	}
	return c, nil
}

func isNonblock(fd int) (bool, error) {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return false, fmt.Errorf("console fcntl(%d, F_GETFL) failed: %w", fd, err)
	}
	return flags&unix.O_NONBLOCK != 0, nil
}

// takeHostFds records the O_NONBLOCK state of the host fds and sets it. Both
// states are read first since input and output may share one open file.
func (c *ConsoleBridge) takeHostFds() error {
	var err error
	if c.inputWasNonblock, err = isNonblock(c.inputFd); err != nil {
		return err
	}
	if c.outputWasNonblock, err = isNonblock(c.outputFd); err != nil {
		return err
	}
	if err := unix.SetNonblock(c.inputFd, true); err != nil {
		return fmt.Errorf("console fcntl(%d, F_SETFL, O_NONBLOCK) failed: %w", c.inputFd, err)
	}
	if err := unix.SetNonblock(c.outputFd, true); err != nil {
		unix.SetNonblock(c.inputFd, c.inputWasNonblock)
		return fmt.Errorf("console fcntl(%d, F_SETFL, O_NONBLOCK) failed: %w", c.outputFd, err)
	}
	return nil
}

// restoreHostFds puts the host fds back in the mode they were handed over in.
// Output goes first so a shared description ends in the input's mode.
func (c *ConsoleBridge) restoreHostFds() {
	if err := unix.SetNonblock(c.outputFd, c.outputWasNonblock); err != nil {
		log.Printf("ConsoleBridge: output fd mode: %v", err)
	}
	if err := unix.SetNonblock(c.inputFd, c.inputWasNonblock); err != nil {
		log.Printf("ConsoleBridge: input fd mode: %v", err)
	}
}

// Start switches the terminal to raw mode and launches the poll loop.
func (c *ConsoleBridge) Start() error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrConsoleStarted
	}

	c.lock.Lock()
	c.makeRawLocked()
	c.lock.Unlock()

	c.group.Go(func() error {
		defer close(c.exited)
		defer c.restoreOnExit()
		return c.pollLoop()
	})
	return nil
}

// pollLoop waits on the wakeup pipe, the host input and, while output is
// backed up, the host output. It returns once the wakeup pipe is closed.
func (c *ConsoleBridge) pollLoop() error {
	var pending []byte // relayed from the pipe, not yet accepted by the host
	watchInput := true
	fds := make([]unix.PollFd, 0, 3)

	for {
		// While output is backed up the pipe is only watched for hangup.
		wakeEvents := int16(unix.POLLIN)
		if len(pending) > 0 {
			wakeEvents = 0
		}
		fds = append(fds[:0], unix.PollFd{Fd: int32(c.wakeR), Events: wakeEvents})
		outIdx, inIdx := -1, -1
		if len(pending) > 0 {
			outIdx = len(fds)
			fds = append(fds, unix.PollFd{Fd: int32(c.outputFd), Events: unix.POLLOUT})
		}
		if watchInput {
			inIdx = len(fds)
			fds = append(fds, unix.PollFd{Fd: int32(c.inputFd), Events: unix.POLLIN})
		}

		if _, err := unix.Poll(fds, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("console poll failed: %w", err)
		}

		if outIdx >= 0 && fds[outIdx].Revents != 0 {
			pending = c.writeOutput(pending)
		}

		wake := fds[0].Revents
		switch {
		case len(pending) == 0 && wake&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0:
			var open bool
			pending, open = c.relayOutput(pending)
			if !open {
				return nil
			}
		case len(pending) > 0 && wake&(unix.POLLHUP|unix.POLLERR) != 0:
			c.flushOnStop(pending)
			return nil
		}

		if inIdx < 0 {
			continue
		}
		switch {
		case fds[inIdx].Revents&unix.POLLNVAL != 0:
			log.Printf("ConsoleBridge: input fd %d is not open, no longer reading input", c.inputFd)
			watchInput = false
		case fds[inIdx].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0:
			watchInput = c.readInput()
		}
	}
}

// relayOutput moves pending wakeup bytes to the host output and returns what
// the host did not accept yet. open is false once Stop has closed the pipe and
// everything has been written.
func (c *ConsoleBridge) relayOutput(pending []byte) (rest []byte, open bool) {
	var buf [relayChunk]byte
	n, err := unix.Read(c.wakeR, buf[:])
	switch {
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return pending, true
	case err != nil:
		log.Printf("ConsoleBridge: pipe read: %v", err)
		return pending, true
	case n == 0:
		return pending, false
	}
	return c.writeOutput(append(pending, buf[:n]...)), true
}

// writeOutput writes as much of p as the host takes without blocking and
// returns the remainder. Bytes are dropped on a hard write error.
func (c *ConsoleBridge) writeOutput(p []byte) []byte {
	for len(p) > 0 {
		n, err := unix.Write(c.outputFd, p)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return p
		case err != nil:
			log.Printf("ConsoleBridge: output write: %v (dropped %d bytes)", err, len(p))
			return nil
		}
		p = p[n:]
	}
	return nil
}

// flushOnStop writes the backed up output and the rest of the closed pipe,
// giving up after stopFlushTimeout.
func (c *ConsoleBridge) flushOnStop(pending []byte) {
	deadline := time.Now().Add(stopFlushTimeout)
	for {
		wait := time.Until(deadline)
		if wait <= 0 {
			log.Printf("ConsoleBridge: output stalled, dropped %d bytes on stop", len(pending))
			return
		}
		if len(pending) == 0 {
			var open bool
			if pending, open = c.relayOutput(pending); !open {
				return
			}
			continue
		}
		fds := []unix.PollFd{{Fd: int32(c.outputFd), Events: unix.POLLOUT}}
		if _, err := unix.Poll(fds, int(wait/time.Millisecond)+1); err != nil && !errors.Is(err, unix.EINTR) {
			log.Printf("ConsoleBridge: output poll: %v (dropped %d bytes)", err, len(pending))
			return
		}
		if fds[0].Revents != 0 {
			pending = c.writeOutput(pending)
		}
	}
}

// readInput reads one byte from the host input. It returns false when the
// input has reached EOF or failed and should no longer be polled.
func (c *ConsoleBridge) readInput() bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	var buf [1]byte
	n, err := unix.Read(c.inputFd, buf[:])
	switch {
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return true
	case err != nil:
		log.Printf("ConsoleBridge: input read: %v, no longer reading input", err)
		return false
	case n == 0:
		log.Printf("ConsoleBridge: input closed")
		return false
	}

	if c.suspended {
		return true
	}
	if !c.queue.Push(buf[0]) {
		log.Printf("ConsoleBridge: input buffer full, dropped 0x%02x", buf[0])
	}
	return true
}

func (c *ConsoleBridge) restoreOnExit() {
	c.lock.Lock()
	c.restoreLocked()
	c.lock.Unlock()
}

func (c *ConsoleBridge) makeRawLocked() {
	if c.terminal == nil || c.raw {
		return
	}
	if err := c.terminal.MakeRaw(); err != nil {
		log.Printf("ConsoleBridge: failed to set raw mode: %v", err)
		return
	}
	c.raw = true
}

func (c *ConsoleBridge) restoreLocked() {
	if c.terminal == nil || !c.raw {
		return
	}
	if err := c.terminal.Restore(); err != nil {
		log.Printf("ConsoleBridge: failed to restore terminal: %v", err)
		return
	}
	c.raw = false
}

// Suspend returns the terminal to canonical mode and discards further input
// until Resume. It is a no-op if already suspended or stopped.
func (c *ConsoleBridge) Suspend() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.stopping.Load() || c.suspended {
		return
	}
	c.restoreLocked()
	c.suspended = true
}

// Resume re-enters raw mode and resumes queuing input.
func (c *ConsoleBridge) Resume() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.stopping.Load() || !c.suspended {
		return
	}
	c.makeRawLocked()
	c.suspended = false
}

// Suspended reports whether input is currently being discarded.
func (c *ConsoleBridge) Suspended() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.suspended
}

// HasInput reports whether buffered input is waiting.
func (c *ConsoleBridge) HasInput() bool {
	return c.queue.Len() > 0
}

// ReadChar removes the oldest buffered byte, or returns 0 if there is none.
func (c *ConsoleBridge) ReadChar() byte {
	b, _ := c.queue.Pop()
	return b
}

// WriteChar hands ch to the poll loop for output. It never waits on the terminal.
func (c *ConsoleBridge) WriteChar(ch byte) {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	if c.wakeClosed {
		return
	}
	if _, err := unix.Write(c.wakeW, []byte{ch}); err != nil {
		log.Printf("ConsoleBridge: pipe write: %v", err)
	}
}

// Exited is closed once the poll loop has returned.
func (c *ConsoleBridge) Exited() <-chan struct{} {
	return c.exited
}

// Stop wakes the poll loop, waits for it to exit and releases the pipe.
// Output written before Stop is flushed first. The returned error is the
// loop's fatal error, if any; later calls return the same value.
func (c *ConsoleBridge) Stop() error {
	c.stopOnce.Do(func() {
		c.stopping.Store(true)

		c.writeLock.Lock()
		c.wakeClosed = true
		if err := unix.Close(c.wakeW); err != nil {
			log.Printf("ConsoleBridge: pipe close: %v", err)
		}
		c.writeLock.Unlock()

		if c.started.CompareAndSwap(false, true) {
			// Never started: keep Start from launching a loop on a closed pipe.
			close(c.exited)
		}
		c.stopErr = c.group.Wait()
		unix.Close(c.wakeR)
		c.restoreHostFds()
	})
	return c.stopErr
}
