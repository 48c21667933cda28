// Package kernel is the execution core: tasks, address spaces, the
// scheduler, signals, the fault and FPU handlers and exec.
//
// The simulated CPU is driven from a single goroutine. Entry points
// (Timer, PageFault, DeviceNotAvailable, FPUError and the syscall table)
// are not reentrant.
package kernel

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/evanphx/x86core/abi"
	"github.com/evanphx/x86core/abi/linux"
	"github.com/evanphx/x86core/arch"
	"github.com/evanphx/x86core/config"
	"github.com/evanphx/x86core/fs"
	"github.com/evanphx/x86core/fs/hostfs"
	"github.com/evanphx/x86core/fs/memfs"
	"github.com/evanphx/x86core/fs/nullfs"
	"github.com/evanphx/x86core/fs/tarfs"
	"github.com/evanphx/x86core/loader"
	"github.com/evanphx/x86core/log"
	"github.com/evanphx/x86core/memory"
	"github.com/evanphx/x86core/memory/paging"
	"github.com/evanphx/x86core/memory/vmem"
	"github.com/evanphx/x86core/pkg/waiter"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

type Kernel struct {
	L   hclog.Logger
	cfg *config.Config

	CPU     *arch.CPU
	RAM     *memory.RAM
	Alloc   *memory.Allocator
	PTCache *memory.PageTableCache
	Paging  *paging.Manager
	MMU     *paging.MMU
	Arena   *vmem.Arena
	VFS     *fs.VFS
	Root    *memfs.FS
	Loader  *loader.Loader
	Sched   *Scheduler
	Console *Console

	pids  *PidBitmap
	tasks map[int]*Task
	init  *Task

	fpuOwner *Task

	timers *timerWheel
	ticks  uint64

	// stopped holds one event per task in TaskStopped.
	stopped waiter.Waiter

	pipeIno uint32

	bootTime time.Time
	hostname string
	halted   bool
}

// PanicError is raised by Panic.
type PanicError struct {
	Msg   string
	Frame *arch.Regs
}

func (e *PanicError) Error() string {
	return "kernel panic: " + e.Msg
}

// Panic logs the message and a dump of frame, then panics with a
// *PanicError. There is no recovery.
func (k *Kernel) Panic(frame *arch.Regs, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)

	k.L.Error("kernel-panic", "msg", msg, "cr2", hclog.Fmt("%#x", k.CPU.CR2), "cr3", hclog.Fmt("%#x", k.CPU.CR3))
	if frame != nil {
		k.L.Error("register-dump\n" + spew.Sdump(frame))
	}

	panic(&PanicError{Msg: msg, Frame: frame})
}

// Boot brings up memory, paging, the arena, the VFS and the init task.
// The console output goes to out; nil discards it.
func Boot(cfg *config.Config, out io.Writer) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.SetLevel(cfg.LogLevel)

	if out == nil {
		out = io.Discard
	}

	k := &Kernel{
		L:        log.Named("kernel"),
		cfg:      cfg,
		tasks:    make(map[int]*Task),
		pids:     NewPidBitmap(cfg.MaxProcesses),
		timers:   newTimerWheel(),
		bootTime: time.Now(),
		hostname: cfg.Hostname,
	}

	if err := k.setupMemory(); err != nil {
		return nil, errors.Wrap(err, "memory setup")
	}

	if err := k.setupFilesystems(out); err != nil {
		return nil, errors.Wrap(err, "filesystem setup")
	}

	k.Loader = loader.NewLoader(loader.NewLoaderCache())

	policy, err := ParsePolicy(cfg.Scheduler)
	if err != nil {
		return nil, err
	}
	k.Sched = NewScheduler(k, policy)

	if err := k.createInit(); err != nil {
		return nil, errors.Wrap(err, "creating init")
	}

	k.L.Info("boot-complete",
		"memory-mb", cfg.MemoryMB,
		"kernel-free", k.Alloc.Zone(memory.ZoneKernel).FreePages(),
		"user-free", k.Alloc.Zone(memory.ZoneHighUser).FreePages(),
		"scheduler", policy)

	return k, nil
}

func (k *Kernel) setupMemory() error {
	k.RAM = memory.NewRAM(k.cfg.MemoryMB << 20)

	alloc, err := memory.NewAllocator(log.Named("mm"), k.RAM, k.cfg.KernelZoneMB<<20>>memory.PageShift)
	if err != nil {
		return err
	}
	k.Alloc = alloc

	k.PTCache = memory.NewPageTableCache(alloc, k.cfg.PageTableCache)

	k.CPU = arch.NewCPU()
	k.MMU = paging.NewMMU(k.CPU, k.RAM)

	k.Paging, err = paging.NewManager(log.Named("paging"), alloc, k.PTCache, k.MMU)
	if err != nil {
		return err
	}

	main := k.Paging.Main()

	err = k.Paging.UpdateVMArea(main, memory.KernelBase, 0, alloc.LowmemFrames()<<memory.PageShift,
		paging.MapPresent|paging.MapRW|paging.MapGlobal|paging.MapUpdateAddr)
	if err != nil {
		return errors.Wrap(err, "mapping low memory")
	}

	k.Arena, err = vmem.New(log.Named("vmem"), k.Paging)
	if err != nil {
		return err
	}
	k.Arena.SetAccessor(k)

	k.MMU.LoadCR3(main.PhysAddr())
	k.CPU.EnablePaging()

	return nil
}

func (k *Kernel) setupFilesystems(out io.Writer) error {
	vfs, err := fs.New(log.Named("vfs"))
	if err != nil {
		return err
	}
	k.VFS = vfs

	k.Root = memfs.New()
	k.Console = newConsole(k, out)

	rootfs := &fs.FileSystemType{
		Name: "rootfs",
		Mount: func(ctx context.Context, path, device string) (*fs.File, error) {
			return k.Root.Root(), nil
		},
	}

	for _, t := range []*fs.FileSystemType{rootfs, memfs.Type, nullfs.Type, hostfs.Type, tarfs.Type, k.Console.Type()} {
		if err := vfs.RegisterFilesystem(t); err != nil {
			return err
		}
	}

	if k.cfg.Initrd != "" {
		f, err := os.Open(k.cfg.Initrd)
		if err != nil {
			return errors.Wrapf(err, "opening initrd")
		}

		var count int
		err = tarfs.Populate(k.Root, f, &count)
		f.Close()
		if err != nil {
			return errors.Wrapf(err, "unpacking initrd %s", k.cfg.Initrd)
		}

		k.L.Info("initrd-loaded", "path", k.cfg.Initrd, "entries", count)
	}

	for _, dir := range []string{"/bin", "/dev", "/etc", "/home", "/tmp"} {
		if err := k.Root.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	if err := k.Root.WriteFile("/etc/hostname", []byte(k.hostname+"\n"), 0644); err != nil {
		return err
	}

	ctx := context.Background()

	mounts := []struct{ typ, path, device string }{
		{"rootfs", "/", ""},
		{"null", "/dev/null", ""},
		{"console", "/dev/console", ""},
	}
	if k.cfg.HostFS != "" {
		if err := k.Root.MkdirAll("/host", 0755); err != nil {
			return err
		}
		mounts = append(mounts, struct{ typ, path, device string }{"hostfs", "/host", k.cfg.HostFS})
	}

	for _, m := range mounts {
		if err := vfs.Mount(ctx, m.typ, m.path, m.device); err != nil {
			return errors.Wrapf(err, "mounting %s on %s", m.typ, m.path)
		}
	}

	return nil
}

// Config returns the boot configuration.
func (k *Kernel) Config() *config.Config {
	return k.cfg
}

// Current is the task whose context is on the CPU.
func (k *Kernel) Current() *Task {
	return k.Sched.Current()
}

// Init is pid 1.
func (k *Kernel) Init() *Task {
	return k.init
}

// Task looks up a live or zombie task by pid.
func (k *Kernel) Task(pid int) (*Task, bool) {
	t, ok := k.tasks[pid]
	return t, ok
}

// Tasks returns every known task ordered by pid.
func (k *Kernel) Tasks() []*Task {
	var out []*Task
	for pid := 1; pid <= k.pids.Max(); pid++ {
		if t, ok := k.tasks[pid]; ok {
			out = append(out, t)
		}
	}
	return out
}

func (k *Kernel) FPUOwner() *Task {
	return k.fpuOwner
}

// Ticks is the number of timer interrupts since boot.
func (k *Kernel) Ticks() uint64 {
	return k.ticks
}

func (k *Kernel) TickDuration() time.Duration {
	return time.Second / time.Duration(k.cfg.HZ)
}

// Now is the wall clock time derived from the boot time and ticks.
func (k *Kernel) Now() time.Time {
	return k.bootTime.Add(time.Duration(k.ticks) * k.TickDuration())
}

func (k *Kernel) Hostname() string {
	return k.hostname
}

// Release is reported as the kernel release by uname.
const Release = "2.6.0-x86core"

func (k *Kernel) Uname() linux.Utsname {
	var u linux.Utsname
	copy(u.Sysname[:], "Linux")
	copy(u.Nodename[:], k.hostname)
	copy(u.Release[:], Release)
	copy(u.Version[:], "#1 "+k.bootTime.UTC().Format(time.UnixDate))
	copy(u.Machine[:], "i386")
	return u
}

func (k *Kernel) Halted() bool {
	return k.halted
}

// Reboot halts the machine. Only the magic values of reboot(2) are
// accepted.
func (k *Kernel) Reboot(t *Task, magic1, magic2, cmd uint32) error {
	if !t.Cred.IsRoot() {
		return abi.EPERM
	}

	if magic1 != linux.LINUX_REBOOT_MAGIC1 || magic2 != linux.LINUX_REBOOT_MAGIC2 {
		return abi.EINVAL
	}

	switch cmd {
	case linux.LINUX_REBOOT_CMD_HALT, linux.LINUX_REBOOT_CMD_POWER_OFF, linux.LINUX_REBOOT_CMD_RESTART:
	default:
		return abi.EINVAL
	}

	k.L.Info("reboot", "pid", t.Pid, "cmd", hclog.Fmt("%#x", cmd))
	k.halted = true

	return nil
}

func (k *Kernel) currentDir() *paging.Directory {
	if t := k.Current(); t != nil && t.mm != nil && t.mm.Dir.PhysAddr() == k.MMU.CR3() {
		return t.mm.Dir
	}
	return k.Paging.Main()
}

// ReadKernel and WriteKernel access kernel virtual memory for the arena,
// resolving faults raised by tagged arena entries and COW user pages of
// the current address space.
func (k *Kernel) ReadKernel(v uint32, buf []byte) error {
	return k.kernelAccess(v, buf, false)
}

func (k *Kernel) WriteKernel(v uint32, data []byte) error {
	return k.kernelAccess(v, data, true)
}

// maxFaultRetries bounds how often one access may fault and be resolved.
const maxFaultRetries = 4

func (k *Kernel) kernelAccess(v uint32, buf []byte, write bool) error {
	done := 0

	for tries := 0; done < len(buf); {
		var (
			n   int
			err error
		)

		if write {
			n, err = k.MMU.Write(v+uint32(done), buf[done:], false)
		} else {
			n, err = k.MMU.Read(v+uint32(done), buf[done:], false)
		}

		done += n

		if err == nil {
			continue
		}

		fault, ok := err.(*paging.Fault)
		if !ok {
			return err
		}

		if tries++; tries > maxFaultRetries {
			return errors.Wrapf(ErrBadAddress, "fault loop at %#x", fault.Addr)
		}

		k.CPU.CR2 = fault.Addr

		if err := k.resolveFault(k.currentDir(), fault); err != nil {
			return errors.Wrapf(ErrBadAddress, "%s", fault)
		}
	}

	return nil
}
