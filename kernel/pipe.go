package kernel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/evanphx/x86core/abi"
	"github.com/evanphx/x86core/abi/linux"
	"github.com/evanphx/x86core/fs"
	"github.com/evanphx/x86core/memory"
	"github.com/evanphx/x86core/pkg/ringbuf"
	"github.com/evanphx/x86core/pkg/waiter"
)

// PipeSize is the capacity of a pipe buffer.
const PipeSize = memory.PageSize

// pipe is the buffer shared by the two ends returned from CreatePipe.
type pipe struct {
	fs.StandardSysOps
	fs.StandardFileOps

	k   *Kernel
	ino uint32
	buf *ringbuf.Buffer

	mu      sync.Mutex
	readers int
	writers int

	wait    waiter.Waiter
	created time.Time
}

// CreatePipe returns the read and write ends of a new pipe. Each end holds
// one reference.
func (k *Kernel) CreatePipe() (*fs.File, *fs.File) {
	p := &pipe{
		k:       k,
		ino:     atomic.AddUint32(&k.pipeIno, 1),
		buf:     ringbuf.New(PipeSize),
		readers: 1,
		writers: 1,
		created: time.Now(),
	}

	return p.end(linux.O_RDONLY), p.end(linux.O_WRONLY)
}

func (p *pipe) end(flags int) *fs.File {
	f := &fs.File{
		Name:   fmt.Sprintf("pipe:[%d]", p.ino),
		Ino:    p.ino,
		Mode:   linux.S_IFIFO | 0600,
		Flags:  flags,
		SysOps: p,
		Ops:    p,
	}
	f.IncRef()
	return f
}

func (p *pipe) ends() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.readers, p.writers
}

// Read drains buffered bytes. An empty pipe with a writer left puts the
// task to sleep; with none it reads as end of file.
func (p *pipe) Read(ctx context.Context, f *fs.File, buf []byte, off int64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}

	if n := p.buf.Read(buf); n > 0 {
		p.wait.Notify(waiter.EventOutput)
		return n, nil
	}

	if _, writers := p.ends(); writers == 0 {
		return 0, nil
	}

	t, ok := GetTask(ctx)
	if !ok {
		return 0, abi.EAGAIN
	}

	t.sleepOn(&p.wait, waiter.EventInput, TaskInterruptible)

	return 0, abi.ERESTARTSYS
}

// Write stores as much of data as fits and sleeps while the pipe is full.
// Writing with no reader left raises SIGPIPE.
func (p *pipe) Write(ctx context.Context, f *fs.File, data []byte, off int64) (int, error) {
	t, ok := GetTask(ctx)

	if readers, _ := p.ends(); readers == 0 {
		if ok {
			if err := p.k.SendSignal(t, linux.SIGPIPE, &linux.Siginfo{Code: linux.SI_KERNEL}); err != nil {
				p.k.L.Error("unable to raise SIGPIPE", "error", err, "pid", t.Pid)
			}
		}
		return 0, abi.EPIPE
	}

	if len(data) == 0 {
		return 0, nil
	}

	if n := p.buf.Write(data); n > 0 {
		p.wait.Notify(waiter.EventInput)
		return n, nil
	}

	if !ok {
		return 0, abi.EAGAIN
	}

	t.sleepOn(&p.wait, waiter.EventOutput, TaskInterruptible)

	return 0, abi.ERESTARTSYS
}

// Close drops one end. Sleepers on the other side wake to see EOF or
// EPIPE.
func (p *pipe) Close(ctx context.Context, f *fs.File) error {
	p.mu.Lock()
	if f.Readable() {
		p.readers--
	}
	if f.Writable() {
		p.writers--
	}
	p.mu.Unlock()

	p.wait.Notify(waiter.EventInput | waiter.EventOutput)
	return nil
}

func (p *pipe) Lseek(ctx context.Context, f *fs.File, off int64, whence int) (int64, error) {
	return 0, abi.ESPIPE
}

func (p *pipe) Fstat(ctx context.Context, f *fs.File) (*fs.Stat, error) {
	return &fs.Stat{
		Ino:   p.ino,
		Mode:  linux.S_IFIFO | 0600,
		Nlink: 1,
		Size:  int64(p.buf.Len()),
		Atime: p.created,
		Mtime: p.created,
		Ctime: p.created,
	}, nil
}

// Pipe creates a pipe and installs its read and write ends.
func (t *Task) Pipe(ctx context.Context, flags int) (int, int, error) {
	r, w := t.Kernel.CreatePipe()

	fdflags := 0
	if flags&linux.O_CLOEXEC != 0 {
		fdflags = linux.FD_CLOEXEC
	}

	rfd, err := t.fds.Install(r, fdflags)
	if err != nil {
		t.Kernel.VFS.Close(ctx, r)
		t.Kernel.VFS.Close(ctx, w)
		return 0, 0, err
	}

	wfd, err := t.fds.Install(w, fdflags)
	if err != nil {
		t.CloseFile(ctx, rfd)
		t.Kernel.VFS.Close(ctx, w)
		return 0, 0, err
	}

	return rfd, wfd, nil
}
