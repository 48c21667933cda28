package kernel

import (
	"bytes"
	"context"
	"encoding/binary"
	"sort"

	"github.com/evanphx/x86core/abi"
	"github.com/evanphx/x86core/abi/linux"
	"github.com/evanphx/x86core/arch"
	"github.com/evanphx/x86core/fs"
	"github.com/evanphx/x86core/loader"
	"github.com/evanphx/x86core/memory"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// MaxImageSize bounds the executable file read by exec.
const MaxImageSize = 16 << 20

// StartInit execs the configured init program in pid 1.
func (k *Kernel) StartInit(argv, envp []string) error {
	t := k.init

	path := k.cfg.Init
	if len(argv) == 0 {
		argv = []string{path}
	}

	frame := t.Thread.Regs
	if err := t.Execve(t.Context(), path, argv, envp, &frame); err != nil {
		return errors.Wrapf(err, "starting %s", path)
	}
	t.Thread.Regs = frame

	return nil
}

// Execve replaces the image of t with the executable at path. On success
// frame holds the initial user context; on failure t is unchanged.
func (t *Task) Execve(ctx context.Context, path string, argv, envp []string, frame *arch.Regs) error {
	k := t.Kernel

	if len(argv) > MaxArgs || len(envp) > MaxArgs {
		return abi.E2BIG
	}

	data, st, err := t.readExecutable(ctx, path)
	if err != nil {
		return err
	}

	img, err := k.Loader.Load(data)
	if err != nil {
		return err
	}

	mm, err := k.CreateBlankProcessImage(DefaultStackSize)
	if err != nil {
		return err
	}

	if err := k.loadSegments(mm, img); err != nil {
		k.DestroyProcessImage(mm)
		return err
	}

	esp, err := k.writeExecHeader(mm, argv, envp)
	if err != nil {
		k.DestroyProcessImage(mm)
		return err
	}

	if st.Mode&linux.S_ISUID != 0 {
		t.Cred.EUID = st.UID
		t.Cred.SUID = st.UID
	}
	if st.Mode&linux.S_ISGID != 0 {
		t.Cred.EGID = st.GID
		t.Cred.SGID = st.GID
	}

	old := t.mm
	wasLoaded := t.loaded()

	t.mm = mm
	if wasLoaded {
		k.CPU.Barrier()
		k.MMU.LoadCR3(mm.Dir.PhysAddr())
	}
	if old != nil {
		k.DestroyProcessImage(old)
	}

	t.fds.CloseOnExec(ctx, k.VFS)

	t.sig.mu.Lock()
	for i := range t.sig.actions {
		if t.sig.actions[i].Handler != linux.SIG_IGN {
			t.sig.actions[i] = linux.Sigaction{}
		}
	}
	t.sig.frames = nil
	t.sig.sigreturn = 0
	t.sig.mu.Unlock()

	t.Thread.FPUUsed = false
	if k.fpuOwner == t {
		k.fpuOwner = nil
		k.CPU.SetTS()
	}

	t.Name = fs.Base(path)

	*frame = arch.UserFrame(img.Entry, esp)

	t.L.Debug("process-exec", "pid", t.Pid, "path", path, "entry", hclog.Fmt("%#x", img.Entry),
		"esp", hclog.Fmt("%#x", esp), "argc", len(argv))

	return nil
}

// readExecutable checks exec permission on path and returns its bytes.
func (t *Task) readExecutable(ctx context.Context, path string) ([]byte, *fs.Stat, error) {
	k := t.Kernel

	st, err := k.VFS.Access(ctx, t.Cwd, path, linux.MAY_EXEC)
	if err != nil {
		return nil, nil, err
	}

	if st.Type() != fs.RegularFile {
		return nil, nil, errors.Wrapf(abi.EACCES, "%s is not a regular file", path)
	}

	if st.Size > MaxImageSize {
		return nil, nil, errors.Wrapf(abi.E2BIG, "%s is %d bytes", path, st.Size)
	}

	f, err := k.VFS.Open(ctx, t.Cwd, path, linux.O_RDONLY, 0)
	if err != nil {
		return nil, nil, err
	}
	defer k.VFS.Close(ctx, f)

	var (
		out bytes.Buffer
		buf = make([]byte, memory.PageSize)
	)

	for {
		n, err := k.VFS.Read(ctx, f, buf)
		if err != nil {
			return nil, nil, err
		}
		if n == 0 {
			break
		}
		out.Write(buf[:n])

		if out.Len() > MaxImageSize {
			return nil, nil, errors.Wrapf(abi.E2BIG, "%s is too large", path)
		}
	}

	return out.Bytes(), st, nil
}

func segmentRegionFlags(f loader.SegmentFlags) memory.RegionFlags {
	flags := memory.RegionUser | memory.RegionRead
	if f&loader.SegmentWrite != 0 {
		flags |= memory.RegionWrite
	}
	if f&loader.SegmentExec != 0 {
		flags |= memory.RegionExec
	}
	return flags
}

// loadSegments creates one area per PT_LOAD segment and copies in the
// file bytes. A page shared by two segments belongs to the first one.
func (k *Kernel) loadSegments(mm *MM, img *loader.Image) error {
	segs := append([]loader.Segment(nil), img.Segments...)
	sort.Slice(segs, func(i, j int) bool { return segs[i].Vaddr < segs[j].Vaddr })

	var last uint32

	for i, seg := range segs {
		start := memory.PageAlignDown(seg.Vaddr)
		end := memory.PageAlignUp(seg.End())

		if start < last {
			start = last
		}

		if start < end {
			_, err := k.VMAreaCreate(mm, start, end-start, segmentRegionFlags(seg.Flags), memory.ZoneHighUser)
			if err != nil {
				return errors.Wrapf(err, "segment %d at %#x", i, seg.Vaddr)
			}
			last = end
		}

		if err := k.Arena.WriteTo(mm.Dir, seg.Vaddr, seg.Data); err != nil {
			return err
		}

		switch {
		case seg.Flags&loader.SegmentExec != 0:
			if mm.StartCode == 0 || seg.Vaddr < mm.StartCode {
				mm.StartCode = seg.Vaddr
			}
			if seg.Vaddr+uint32(len(seg.Data)) > mm.EndCode {
				mm.EndCode = seg.Vaddr + uint32(len(seg.Data))
			}
		default:
			if mm.StartData == 0 {
				mm.StartData = seg.Vaddr
			}
			mm.EndData = seg.Vaddr + uint32(len(seg.Data))
		}
	}

	_, top := img.Bounds()
	mm.StartBrk = top
	mm.Brk = top

	return nil
}

// writeExecHeader lays out the initial stack below StartStack. From the
// returned stack pointer upwards: argc, argv, envp, the argv array and its
// NULL, the envp array and its NULL, then the environment strings and the
// argument strings at the very top.
func (k *Kernel) writeExecHeader(mm *MM, args, env []string) (uint32, error) {
	strSize := 0
	for _, s := range args {
		if len(s) >= MaxArgLen {
			return 0, abi.E2BIG
		}
		strSize += len(s) + 1
	}
	for _, s := range env {
		if len(s) >= MaxArgLen {
			return 0, abi.E2BIG
		}
		strSize += len(s) + 1
	}

	top := mm.StartStack
	strBase := top - uint32(strSize)

	words := 3 + len(args) + 1 + len(env) + 1
	esp := (strBase - uint32(4*words)) &^ 0xf

	if mm.Stack() == nil || esp < mm.Stack().Start {
		return 0, abi.E2BIG
	}

	strs := make([]byte, 0, strSize)
	envp := make([]uint32, 0, len(env)+1)
	argv := make([]uint32, 0, len(args)+1)

	for _, s := range env {
		envp = append(envp, strBase+uint32(len(strs)))
		strs = append(strs, s...)
		strs = append(strs, 0)
	}
	mm.EnvStart, mm.EnvEnd = strBase, strBase+uint32(len(strs))

	argStart := strBase + uint32(len(strs))
	for _, s := range args {
		argv = append(argv, strBase+uint32(len(strs)))
		strs = append(strs, s...)
		strs = append(strs, 0)
	}
	mm.ArgStart, mm.ArgEnd = argStart, strBase+uint32(len(strs))

	argv = append(argv, 0)
	envp = append(envp, 0)

	argvAddr := esp + 12
	envpAddr := argvAddr + uint32(4*len(argv))

	hdrWords := append([]uint32{uint32(len(args)), argvAddr, envpAddr}, argv...)
	hdrWords = append(hdrWords, envp...)

	hdr := make([]byte, 4*len(hdrWords))
	for i, w := range hdrWords {
		binary.LittleEndian.PutUint32(hdr[4*i:], w)
	}

	if err := k.Arena.WriteTo(mm.Dir, esp, hdr); err != nil {
		return 0, err
	}

	if err := k.Arena.WriteTo(mm.Dir, strBase, strs); err != nil {
		return 0, err
	}

	return esp, nil
}
