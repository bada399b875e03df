// Package console implements the byte-granular console device:
// blocking get, non-blocking put. It stands in for a UART driver as a
// software-only loopback queue fed by whatever embeds the kernel (a
// test harness, or cmd/kernel wired to os.Stdin/os.Stdout
// over a host pty).
package console

import "sync"

var (
	mu      sync.Mutex
	cond    = sync.NewCond(&mu)
	inbox   []byte
	outSink func(byte)
)

// SetOutput installs the function PutChar forwards bytes to. cmd/kernel
// wires this to a real terminal; tests can capture it directly.
func SetOutput(f func(byte)) {
	mu.Lock()
	outSink = f
	mu.Unlock()
}

// Feed appends bytes to the console's input queue, waking any blocked
// GetCharBlocking caller. Called by whatever receives keystrokes from
// the outside world.
func Feed(b byte) {
	mu.Lock()
	inbox = append(inbox, b)
	cond.Broadcast()
	mu.Unlock()
}

// GetCharBlocking returns the next input byte, blocking the calling
// goroutine until one is available. On real hardware this would
// instead suspend the task and reschedule, but a host-side blocking
// wait achieves the same observable behavior.
func GetCharBlocking() byte {
	mu.Lock()
	for len(inbox) == 0 {
		cond.Wait()
	}
	b := inbox[0]
	inbox = inbox[1:]
	mu.Unlock()
	return b
}

// PutChar writes one byte out, never blocking (a put that would block
// simply drops the byte instead, which cannot happen here since the
// sink is a
// plain function call).
func PutChar(b byte) {
	mu.Lock()
	sink := outSink
	mu.Unlock()
	if sink != nil {
		sink(b)
	}
}
