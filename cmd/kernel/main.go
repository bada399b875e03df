// Command kernel boots the simulated rvcore kernel: it builds the
// physical frame pool and kernel address space, mounts (or formats) a
// file-system image, seeds it with the stand-in user binaries package
// userland drives, launches the init process, and runs the scheduler
// until the demo shell it forks has run to completion. A small main
// package that parses a couple of flags and drives one linear boot
// sequence, log.Fatal on any setup failure.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"golang.org/x/term"

	"rvcore/arch"
	"rvcore/blockdev"
	"rvcore/blockdev/filedev"
	"rvcore/console"
	"rvcore/defs"
	"rvcore/fs"
	"rvcore/mem"
	"rvcore/sched"
	"rvcore/syscall"
	"rvcore/task"
	"rvcore/userland"
	"rvcore/vmm"
)

func main() {
	disk := flag.String("disk", "", "path to a disk image; created fresh with -blocks if it does not exist (default: in-memory image, discarded on exit)")
	blocks := flag.Int("blocks", 4096, "total block count when formatting a fresh image")
	inodeBitmapBlocks := flag.Int("inode-bitmap-blocks", 1, "inode bitmap block count when formatting a fresh image")
	frames := flag.Int("frames", 8192, "physical frame pool size")
	interactive := flag.Bool("interactive", false, "wire the console to the real terminal and run forever instead of the scripted boot demo")
	flag.Parse()

	alloc := mem.NewAllocator(0, arch.Ppn(*frames))
	tf, err := alloc.Alloc()
	if err != defs.ENONE {
		log.Fatalf("kernel: allocate trampoline frame: %v", err)
	}
	kernel, err := vmm.NewBareWithTrampoline(alloc, tf.Ppn())
	if err != defs.ENONE {
		log.Fatalf("kernel: build kernel address space: %v", err)
	}

	fsys, closeDisk := mountOrFormat(*disk, *blocks, *inodeBitmapBlocks)
	defer closeDisk()
	seedPrograms(fsys)

	env := &syscall.Env{
		Alloc:         alloc,
		Kernel:        kernel,
		TrampolinePpn: tf.Ppn(),
		TrapHandler:   arch.Trampoline,
		FS:            fsys,
	}

	initBytes := readFile(fsys, "initproc")
	initTCB, err := task.New(alloc, kernel, tf.Ppn(), initBytes, arch.Trampoline)
	if err != defs.ENONE {
		log.Fatalf("kernel: build initproc task: %v", err)
	}
	env.Init = initTCB

	done := make(chan struct{})
	userland.Register("/user_shell", makeShellProgram(done))
	userland.Launch(env, initTCB, makeInitProgram())
	sched.Push(initTCB)

	go sched.RunTasks(func() { time.Sleep(time.Millisecond) })

	if *interactive {
		runInteractiveConsole(fsys)
		return
	}

	console.SetOutput(func(b byte) { os.Stdout.Write([]byte{b}) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Println("kernel: timed out waiting for the demo shell to finish")
	}
	if err := fsys.SyncAll(); err != defs.ENONE {
		log.Printf("kernel: sync: %v", err)
	}
	fmt.Printf("kernel: scheduler performed %d context switches\n", sched.Switches)
}

// mountOrFormat opens path as a file-backed device (formatting it first
// if it does not yet exist) or, with path empty, formats a fresh
// in-memory image — the same "image does or doesn't exist yet" split
// cmd/mkfs and cmd/diskutil each handle one half of. The returned func
// releases whatever host resource backs the device.
func mountOrFormat(path string, totalBlocks, inodeBitmapBlocks int) (*fs.FileSystem, func()) {
	if path == "" {
		dev := blockdev.NewMemdev(totalBlocks)
		fsys, err := fs.Mkfs(dev, totalBlocks, inodeBitmapBlocks)
		if err != defs.ENONE {
			log.Fatalf("kernel: mkfs in-memory image: %v", err)
		}
		return fsys, func() {}
	}

	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		mem := blockdev.NewMemdev(totalBlocks)
		fresh, err := fs.Mkfs(mem, totalBlocks, inodeBitmapBlocks)
		if err != defs.ENONE {
			log.Fatalf("kernel: mkfs %s: %v", path, err)
		}
		if err := fresh.SyncAll(); err != defs.ENONE {
			log.Fatalf("kernel: sync %s: %v", path, err)
		}
		if err := os.WriteFile(path, mem.Bytes(), 0o644); err != nil {
			log.Fatalf("kernel: write %s: %v", path, err)
		}
	}

	dev, err := filedev.Open(path, totalBlocks)
	if err != nil {
		log.Fatalf("kernel: open %s: %v", path, err)
	}
	fsys, ferr := fs.Mount(dev)
	if ferr != defs.ENONE {
		log.Fatalf("kernel: mount %s: %v", path, ferr)
	}
	return fsys, func() { dev.Close() }
}

// seedPrograms writes the stub ELF image every simulated user binary
// shares (package userland has no instruction interpreter to run real
// machine code) into the root directory under the names the boot
// sequence and the demo shell look up by path; init lives at
// "initproc".
func seedPrograms(fsys *fs.FileSystem) {
	stub := userland.StubELF()
	for _, name := range []string{"initproc", "user_shell", "app"} {
		root := fsys.Root()
		if _, err := root.Find(name); err == defs.ENONE {
			continue
		}
		ino, err := root.Create(name, fs.TypeFile)
		if err != defs.ENONE {
			log.Fatalf("kernel: seed %s: %v", name, err)
		}
		if _, err := ino.WriteAt(stub, 0); err != defs.ENONE {
			log.Fatalf("kernel: write %s: %v", name, err)
		}
	}
}

func readFile(fsys *fs.FileSystem, name string) []byte {
	ino, err := fsys.Root().Find(name)
	if err != defs.ENONE {
		log.Fatalf("kernel: find %s: %v", name, err)
	}
	buf := make([]byte, ino.Size())
	ino.ReadAt(buf, 0)
	return buf
}

// makeInitProgram is the body of pid 1: fork a child that immediately
// execs into the registered shell program, then reap zombies forever,
// including the orphans every other exiting process reparents to init.
func makeInitProgram() userland.Program {
	return func(rt *userland.Runtime) {
		if rt.Fork(execShell) < 0 {
			rt.Write(1, []byte("initproc: fork failed\n"))
			rt.Exit(-1)
		}
		for {
			pid, code := rt.Waitpid(-1)
			if pid >= 0 {
				rt.Write(1, []byte(fmt.Sprintf("initproc: reaped pid %d, exit code %d\n", pid, code)))
				continue
			}
			rt.Yield()
		}
	}
}

// execShell is the forked child's body: its only job is to exec over
// itself into the registered "/user_shell" program, the canonical
// fork-then-exec idiom. userland.Runtime.Exec hands
// control to the registered Program directly on success and never
// returns here, so a return from Exec only happens on failure.
func execShell(rt *userland.Runtime) {
	if rt.Exec("/user_shell", []string{"user_shell"}) < 0 {
		rt.Write(1, []byte("execShell: exec /user_shell failed\n"))
		rt.Exit(-1)
	}
}

// makeShellProgram is the demo shell: it forks an application, waits
// for it, reports its exit code, then exits
// itself. done is closed once that round trip completes, so the
// non-interactive boot demo in main knows when to stop waiting.
func makeShellProgram(done chan struct{}) userland.Program {
	return func(rt *userland.Runtime) {
		rt.Write(1, []byte("user_shell: starting app\n"))
		child := rt.Fork(appProgram)
		if child < 0 {
			rt.Write(1, []byte("user_shell: fork failed\n"))
			close(done)
			rt.Exit(-1)
		}
		pid, code := waitBlocking(rt, child)
		rt.Write(1, []byte(fmt.Sprintf("user_shell: child %d exited with code %d\n", pid, code)))
		close(done)
		rt.Exit(0)
	}
}

// appProgram is the leaf application the demo shell forks; it prints a
// line and exits 42.
func appProgram(rt *userland.Runtime) {
	rt.Write(1, []byte("app: running\n"))
	rt.Exit(42)
}

// waitBlocking retries waitpid until it stops returning -2 ("exists, not
// zombie"), yielding between attempts — the retry loop is a
// user-library policy rather than kernel behavior, so it lives here
// instead of in package userland.
func waitBlocking(rt *userland.Runtime, pid int64) (int64, int32) {
	for {
		got, code := rt.Waitpid(pid)
		if got != -2 {
			return got, code
		}
		rt.Yield()
	}
}

// runInteractiveConsole wires the console device to the real terminal
// via golang.org/x/term: the host tty is put in raw mode and bytes are
// relayed to and from the kernel's blocking-get/non-blocking-put
// console device.
func runInteractiveConsole(fsys *fs.FileSystem) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		log.Fatal("kernel: -interactive requires stdin to be a terminal")
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		log.Fatalf("kernel: term.MakeRaw: %v", err)
	}
	restore := func() {
		term.Restore(fd, state)
		fsys.SyncAll()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		restore()
		os.Exit(0)
	}()
	defer restore()

	console.SetOutput(func(b byte) { os.Stdout.Write([]byte{b}) })
	reader := bufio.NewReader(os.Stdin)
	for {
		b, err := reader.ReadByte()
		if err != nil {
			return
		}
		console.Feed(b)
	}
}
