package devices_test

import (
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"example.com/v-serial/core_engine/devices"
)

const bridgeTimeout = 2 * time.Second

// MockTerminal implements devices.TerminalMode and records mode switches.
type MockTerminal struct {
	mu           sync.Mutex
	Raw          bool
	MakeRawCalls int
	RestoreCalls int
	MakeRawErr   error
}

func (m *MockTerminal) MakeRaw() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MakeRawCalls++
	if m.MakeRawErr != nil {
		return m.MakeRawErr
	}
	m.Raw = true
	return nil
}

func (m *MockTerminal) Restore() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RestoreCalls++
	m.Raw = false
	return nil
}

func (m *MockTerminal) Counts() (raw bool, makeRaw, restore int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Raw, m.MakeRawCalls, m.RestoreCalls
}

type testBridge struct {
	*devices.ConsoleBridge
	inR, inW    *os.File
	outR, outW  *os.File
	inFd, outFd int // taken before the bridge, File.Fd would reset O_NONBLOCK
	term        *MockTerminal
}

func createTestBridge(t *testing.T, queueSize int) *testBridge {
	t.Helper()
	inR, inW, err := os.Pipe()
	if err != nil {
		t.Fatalf("input pipe: %v", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		t.Fatalf("output pipe: %v", err)
	}
	inFd, outFd := int(inR.Fd()), int(outW.Fd())
	term := &MockTerminal{}
	b, err := devices.NewConsoleBridge(devices.ConsoleOptions{
		Input:     inR,
		Output:    outW,
		Terminal:  term,
		QueueSize: queueSize,
	})
	if err != nil {
		t.Fatalf("NewConsoleBridge failed: %v", err)
	}
	tb := &testBridge{
		ConsoleBridge: b,
		inR:           inR,
		inW:           inW,
		outR:          outR,
		outW:          outW,
		inFd:          inFd,
		outFd:         outFd,
		term:          term,
	}
	t.Cleanup(func() {
		b.Stop()
		inW.Close()
		inR.Close()
		outW.Close()
		outR.Close()
	})
	return tb
}

func (tb *testBridge) start(t *testing.T) {
	t.Helper()
	if err := tb.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
}

func (tb *testBridge) typeInput(t *testing.T, s string) {
	t.Helper()
	if _, err := tb.inW.WriteString(s); err != nil {
		t.Fatalf("input write: %v", err)
	}
}

// waitInputDrained waits until the poll loop has read everything typed so far.
func (tb *testBridge) waitInputDrained(t *testing.T) {
	t.Helper()
	waitFor(t, "input pipe drained", func() bool {
		n, err := unix.IoctlGetInt(tb.inFd, ioctlInputPending)
		return err == nil && n == 0
	})
}

// stopAndReadOutput stops the bridge and returns everything it wrote.
func (tb *testBridge) stopAndReadOutput(t *testing.T) string {
	t.Helper()
	if err := tb.Stop(); err != nil {
		t.Fatalf("Stop returned %v", err)
	}
	tb.outW.Close()
	out, err := io.ReadAll(tb.outR)
	if err != nil {
		t.Fatalf("output read: %v", err)
	}
	return string(out)
}

func nonblocking(t *testing.T, fd int) bool {
	t.Helper()
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		t.Fatalf("fcntl(%d, F_GETFL): %v", fd, err)
	}
	return flags&unix.O_NONBLOCK != 0
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(bridgeTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func readChars(t *testing.T, b *devices.ConsoleBridge, n int) string {
	t.Helper()
	var sb strings.Builder
	for i := 0; i < n; i++ {
		waitFor(t, "buffered input", b.HasInput)
		sb.WriteByte(b.ReadChar())
	}
	return sb.String()
}

func TestConsoleBridge_InputInOrder(t *testing.T) {
	tb := createTestBridge(t, 0)
	tb.start(t)

	tb.typeInput(t, "hello\r")
	if got := readChars(t, tb.ConsoleBridge, 6); got != "hello\r" {
		t.Errorf("expected %q, got %q", "hello\r", got)
	}
	if tb.HasInput() {
		t.Error("expected no input left")
	}
}

func TestConsoleBridge_ReadCharEmpty(t *testing.T) {
	tb := createTestBridge(t, 0)
	tb.start(t)

	if tb.HasInput() {
		t.Fatal("expected no input")
	}
	if c := tb.ReadChar(); c != 0 {
		t.Errorf("expected 0 from empty bridge, got 0x%02x", c)
	}
}

func TestConsoleBridge_OutputFlushedOnStop(t *testing.T) {
	tb := createTestBridge(t, 0)
	tb.start(t)

	for _, c := range []byte("Linux version 6.1\r\n") {
		tb.WriteChar(c)
	}
	if got := tb.stopAndReadOutput(t); got != "Linux version 6.1\r\n" {
		t.Errorf("expected output %q, got %q", "Linux version 6.1\r\n", got)
	}
}

func TestConsoleBridge_WriteAfterStopIgnored(t *testing.T) {
	tb := createTestBridge(t, 0)
	tb.start(t)

	tb.WriteChar('a')
	if err := tb.Stop(); err != nil {
		t.Fatalf("Stop returned %v", err)
	}
	tb.WriteChar('b') // must not panic or reach the output
	tb.outW.Close()
	out, _ := io.ReadAll(tb.outR)
	if string(out) != "a" {
		t.Errorf("expected %q, got %q", "a", out)
	}
}

func TestConsoleBridge_TerminalModes(t *testing.T) {
	tb := createTestBridge(t, 0)
	tb.start(t)

	if raw, mk, rs := tb.term.Counts(); !raw || mk != 1 || rs != 0 {
		t.Fatalf("after Start: raw=%t MakeRaw=%d Restore=%d", raw, mk, rs)
	}

	tb.Suspend()
	tb.Suspend()
	if raw, mk, rs := tb.term.Counts(); raw || mk != 1 || rs != 1 {
		t.Errorf("after Suspend x2: raw=%t MakeRaw=%d Restore=%d", raw, mk, rs)
	}
	if !tb.Suspended() {
		t.Error("expected Suspended true")
	}

	tb.Resume()
	tb.Resume()
	if raw, mk, rs := tb.term.Counts(); !raw || mk != 2 || rs != 1 {
		t.Errorf("after Resume x2: raw=%t MakeRaw=%d Restore=%d", raw, mk, rs)
	}

	if err := tb.Stop(); err != nil {
		t.Fatalf("Stop returned %v", err)
	}
	if raw, mk, rs := tb.term.Counts(); raw || mk != 2 || rs != 2 {
		t.Errorf("after Stop: raw=%t MakeRaw=%d Restore=%d", raw, mk, rs)
	}

	// No mode changes once stopped
	tb.Suspend()
	tb.Resume()
	if _, mk, rs := tb.term.Counts(); mk != 2 || rs != 2 {
		t.Errorf("mode changed after Stop: MakeRaw=%d Restore=%d", mk, rs)
	}
}

func TestConsoleBridge_SuspendDiscardsInput(t *testing.T) {
	tb := createTestBridge(t, 0)
	tb.start(t)

	tb.Suspend()
	tb.typeInput(t, "lost")
	tb.waitInputDrained(t)
	if tb.HasInput() {
		t.Fatal("input queued while suspended")
	}

	tb.Resume()
	tb.typeInput(t, "k")
	if got := readChars(t, tb.ConsoleBridge, 1); got != "k" {
		t.Errorf("expected %q after resume, got %q", "k", got)
	}
}

func TestConsoleBridge_SuspendedStopRestoresOnce(t *testing.T) {
	tb := createTestBridge(t, 0)
	tb.start(t)

	tb.Suspend()
	if err := tb.Stop(); err != nil {
		t.Fatalf("Stop returned %v", err)
	}
	if raw, _, rs := tb.term.Counts(); raw || rs != 1 {
		t.Errorf("expected a single restore, raw=%t Restore=%d", raw, rs)
	}
}

func TestConsoleBridge_StopWhileWaitingForInput(t *testing.T) {
	tb := createTestBridge(t, 0)
	tb.start(t)

	done := make(chan error, 1)
	go func() { done <- tb.Stop() }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Stop returned %v", err)
		}
	case <-time.After(bridgeTimeout):
		t.Fatal("Stop did not return while the loop waited on input")
	}
	select {
	case <-tb.Exited():
	default:
		t.Error("Exited not closed after Stop")
	}
	if raw, _, _ := tb.term.Counts(); raw {
		t.Error("terminal left in raw mode")
	}
	// Repeated Stop is harmless
	if err := tb.Stop(); err != nil {
		t.Errorf("second Stop returned %v", err)
	}
}

func TestConsoleBridge_DoubleStart(t *testing.T) {
	tb := createTestBridge(t, 0)
	tb.start(t)

	if err := tb.Start(); !errors.Is(err, devices.ErrConsoleStarted) {
		t.Errorf("expected ErrConsoleStarted, got %v", err)
	}
}

func TestConsoleBridge_StopBeforeStart(t *testing.T) {
	tb := createTestBridge(t, 0)

	if err := tb.Stop(); err != nil {
		t.Fatalf("Stop returned %v", err)
	}
	select {
	case <-tb.Exited():
	default:
		t.Error("Exited not closed after Stop without Start")
	}
	if err := tb.Start(); !errors.Is(err, devices.ErrConsoleStarted) {
		t.Errorf("expected ErrConsoleStarted after Stop, got %v", err)
	}
	if _, mk, _ := tb.term.Counts(); mk != 0 {
		t.Errorf("terminal switched to raw without Start: MakeRaw=%d", mk)
	}
}

func TestConsoleBridge_InputEOFKeepsOutput(t *testing.T) {
	buf := captureLog(t)
	tb := createTestBridge(t, 0)
	tb.start(t)

	tb.typeInput(t, "x")
	tb.inW.Close()
	if got := readChars(t, tb.ConsoleBridge, 1); got != "x" {
		t.Fatalf("expected %q before EOF, got %q", "x", got)
	}
	waitFor(t, "EOF logged", func() bool { return strings.Contains(buf.String(), "input closed") })

	select {
	case <-tb.Exited():
		t.Fatal("loop exited on input EOF")
	default:
	}
	tb.WriteChar('y')
	if got := tb.stopAndReadOutput(t); got != "y" {
		t.Errorf("expected %q after input EOF, got %q", "y", got)
	}
}

func TestConsoleBridge_FullQueueDrops(t *testing.T) {
	buf := captureLog(t)
	tb := createTestBridge(t, 2)
	tb.start(t)

	tb.typeInput(t, "abcd")
	tb.waitInputDrained(t)
	waitFor(t, "second drop", func() bool { return strings.Count(buf.String(), "input buffer full") == 2 })

	if got := readChars(t, tb.ConsoleBridge, 2); got != "ab" {
		t.Errorf("expected oldest bytes %q kept, got %q", "ab", got)
	}
	if tb.HasInput() {
		t.Error("dropped bytes were queued")
	}
}

func TestConsoleBridge_MakeRawFailureNotFatal(t *testing.T) {
	captureLog(t)
	tb := createTestBridge(t, 0)
	tb.term.MakeRawErr = errors.New("inappropriate ioctl")
	tb.start(t)

	tb.typeInput(t, "q")
	if got := readChars(t, tb.ConsoleBridge, 1); got != "q" {
		t.Errorf("expected %q, got %q", "q", got)
	}
	if err := tb.Stop(); err != nil {
		t.Fatalf("Stop returned %v", err)
	}
	if _, _, rs := tb.term.Counts(); rs != 0 {
		t.Errorf("restored a terminal that never went raw: Restore=%d", rs)
	}
}

func TestConsoleBridge_NoTerminal(t *testing.T) {
	inR, inW, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer inR.Close()
	defer inW.Close()
	outR, outW, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer outR.Close()
	defer outW.Close()

	b, err := devices.NewConsoleBridge(devices.ConsoleOptions{Input: inR, Output: outW})
	if err != nil {
		t.Fatalf("NewConsoleBridge failed: %v", err)
	}
	defer b.Stop()
	if err := b.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	b.Suspend()
	b.Resume()
	inW.WriteString("z")
	if got := readChars(t, b, 1); got != "z" {
		t.Errorf("expected %q, got %q", "z", got)
	}
	if err := b.Stop(); err != nil {
		t.Errorf("Stop returned %v", err)
	}
}

func TestConsoleBridge_HostFdsNonblocking(t *testing.T) {
	tb := createTestBridge(t, 0)

	if !nonblocking(t, tb.inFd) || !nonblocking(t, tb.outFd) {
		t.Fatal("host fds left in blocking mode")
	}
	tb.start(t)
	if err := tb.Stop(); err != nil {
		t.Fatalf("Stop returned %v", err)
	}
	if nonblocking(t, tb.inFd) || nonblocking(t, tb.outFd) {
		t.Error("host fds not returned to blocking mode by Stop")
	}
}

func TestConsoleBridge_StopWithStalledOutput(t *testing.T) {
	buf := captureLog(t)
	tb := createTestBridge(t, 0)

	// Fill the output pipe; nothing reads it during the test
	chunk := make([]byte, 4096)
	for {
		_, err := unix.Write(tb.outFd, chunk)
		if errors.Is(err, unix.EAGAIN) {
			break
		}
		if err != nil {
			t.Fatalf("filling output pipe: %v", err)
		}
	}

	tb.start(t)
	for _, c := range []byte("stuck") {
		tb.WriteChar(c)
	}
	tb.typeInput(t, "i")
	if got := readChars(t, tb.ConsoleBridge, 1); got != "i" {
		t.Errorf("input not relayed while output stalled, got %q", got)
	}
	tb.Suspend()
	if !tb.Suspended() {
		t.Error("Suspend did not take effect while output stalled")
	}

	done := make(chan error, 1)
	go func() { done <- tb.Stop() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Stop returned %v", err)
		}
	case <-time.After(bridgeTimeout):
		t.Fatal("Stop did not return with host output stalled")
	}
	if !strings.Contains(buf.String(), "output stalled") {
		t.Errorf("expected stalled output to be logged, got %q", buf.String())
	}
}
