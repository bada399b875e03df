// Package sched implements the single global ready queue and the
// suspend/exit/run transitions: a round-robin runqueue driven by one
// scheduling loop, over goroutine-backed tasks (see package task's doc
// comment).
package sched

import (
	"runtime"
	"sync"

	"rvcore/task"
)

var (
	mu      sync.Mutex
	ready   []*task.TCB
	current *task.TCB

	// Switches counts completed Resume calls, an internal diagnostic
	// counter cmd/kernel can log.
	Switches uint64
)

// Push appends t to the back of the ready queue.
func Push(t *task.TCB) {
	t.SetStatus(task.Ready)
	mu.Lock()
	ready = append(ready, t)
	mu.Unlock()
}

func popFront() (*task.TCB, bool) {
	mu.Lock()
	defer mu.Unlock()
	if len(ready) == 0 {
		return nil, false
	}
	t := ready[0]
	ready = ready[1:]
	return t, true
}

// Current returns the TCB presently running, or nil if idle.
func Current() *task.TCB {
	mu.Lock()
	defer mu.Unlock()
	return current
}

// RunTasks pops the ready queue front, runs it until it yields or exits,
// and repeats forever, calling idle whenever the queue is momentarily
// empty. Control returning from a task's Resume means the task
// yielded. Callers typically run
// this on its own goroutine from cmd/kernel.
func RunTasks(idle func()) {
	for {
		t, ok := popFront()
		if !ok {
			if idle != nil {
				idle()
			} else {
				runtime.Gosched()
			}
			continue
		}
		t.SetStatus(task.Running)
		mu.Lock()
		current = t
		mu.Unlock()

		t.Resume()
		Switches++

		mu.Lock()
		current = nil
		mu.Unlock()

		if t.GetStatus() == task.Ready {
			Push(t)
		}
		// Zombie tasks simply fall out of the queue; the parent reaps them
		// via waitpid.
	}
}

// SuspendCurrentAndRunNext marks the calling task Ready and yields back
// to RunTasks, which re-queues it and picks the next task. Must be
// called from inside the task's
// own body goroutine (i.e. between Start and the body returning).
func SuspendCurrentAndRunNext(t *task.TCB) {
	t.SetStatus(task.Ready)
	t.Suspend()
}

// ExitCurrentAndRunNext marks the calling task Zombie, records its exit
// code, reparents its children to init, and reclaims its whole user
// address space immediately (Framed regions and page table alike; see
// task.TCB.Exit), leaving only the TCB for the parent to reap.
func ExitCurrentAndRunNext(t *task.TCB, code int, initProc *task.TCB) {
	t.Exit(code, initProc)
	t.FinishAndExit()
}
