package syscall

import (
	"strings"

	"rvcore/arch"
	"rvcore/defs"
	"rvcore/fd"
	"rvcore/fs"
	"rvcore/pipe"
	"rvcore/task"
)

// resolveName strips a leading "/" (the only path separator a flat root
// directory can ever see) and bounds-checks the result against the
// on-disk name field's own fixed width.
func resolveName(path string) (string, defs.Err_t) {
	name := strings.TrimPrefix(path, "/")
	if name == "" || len(name) > fs.DirNameMax {
		return "", defs.ENAMETOOLONG
	}
	return name, defs.ENONE
}

func sysOpen(env *Env, t *task.TCB, pathPtr, flagsArg uint64) int64 {
	path, err := t.Space.UserString(arch.Va(pathPtr), maxPathLen)
	if err != defs.ENONE {
		return -1
	}
	name, err := resolveName(path)
	if err != defs.ENONE {
		return -1
	}
	flags := defs.OpenFlag(uint32(flagsArg))

	root := env.FS.Root()
	ino, err := root.Find(name)
	if err != defs.ENONE {
		if flags&defs.O_CREATE == 0 {
			return -1
		}
		ino, err = root.Create(name, fs.TypeFile)
		if err != defs.ENONE {
			return -1
		}
	}
	f := fd.NewInodeFile(ino, flags)
	return int64(t.Fds.Alloc(f))
}

func sysClose(t *task.TCB, fdArg uint64) int64 {
	if t.Fds.Close(int(fdArg)) != defs.ENONE {
		return -1
	}
	return 0
}

func sysDup(t *task.TCB, fdArg uint64) int64 {
	nfd, err := t.Fds.Dup(int(fdArg))
	if err != defs.ENONE {
		return -1
	}
	return int64(nfd)
}

func sysPipe(t *task.TCB, outPtr uint64) int64 {
	r, w := pipe.Make()
	rfd := t.Fds.Alloc(r)
	wfd := t.Fds.Alloc(w)

	var buf [16]byte
	putLE64(buf[0:8], uint64(rfd))
	putLE64(buf[8:16], uint64(wfd))
	if t.Space.CopyOut(arch.Va(outPtr), buf[:]) != defs.ENONE {
		return -1
	}
	return 0
}

func sysRead(t *task.TCB, fdArg, bufPtr, n uint64) int64 {
	f := t.Fds.Get(int(fdArg))
	if f == nil {
		return -1
	}
	buf, err := t.Space.NewUserBuffer(arch.Va(bufPtr), int(n))
	if err != defs.ENONE {
		return -1
	}
	got, err := f.Read(buf)
	if err != defs.ENONE {
		return -1
	}
	return int64(got)
}

func sysWrite(t *task.TCB, fdArg, bufPtr, n uint64) int64 {
	f := t.Fds.Get(int(fdArg))
	if f == nil {
		return -1
	}
	buf, err := t.Space.NewUserBuffer(arch.Va(bufPtr), int(n))
	if err != defs.ENONE {
		return -1
	}
	wrote, err := f.Write(buf)
	if err != defs.ENONE {
		return -1
	}
	return int64(wrote)
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}
