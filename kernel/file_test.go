package kernel

import (
	"testing"

	"github.com/evanphx/x86core/abi"
	"github.com/evanphx/x86core/abi/linux"
	"github.com/evanphx/x86core/config"
	"github.com/evanphx/x86core/fs"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"
)

func TestFDTable(t *testing.T) {
	n := neko.Modern(t)

	n.It("installs at the lowest free descriptor", func(t *testing.T) {
		tbl := NewFDTable()

		a, b := &fs.File{Name: "a"}, &fs.File{Name: "b"}

		fd, err := tbl.Install(a, 0)
		require.NoError(t, err)
		require.Equal(t, 0, fd)
		require.Equal(t, MaxOpenFD, tbl.Cap())

		fd, err = tbl.Install(b, 0)
		require.NoError(t, err)
		require.Equal(t, 1, fd)

		f, err := tbl.Remove(0)
		require.NoError(t, err)
		require.Equal(t, a, f)

		fd, err = tbl.Install(a, 0)
		require.NoError(t, err)
		require.Equal(t, 0, fd)
		require.Equal(t, 2, tbl.Len())

		_, err = tbl.Remove(0)
		require.NoError(t, err)
		_, err = tbl.Remove(0)
		require.Equal(t, ErrBadFD, err)
	})

	n.It("doubles up to the open file limit", func(t *testing.T) {
		tbl := NewFDTable()

		for i := 0; i < NROpen; i++ {
			_, err := tbl.Install(&fs.File{}, 0)
			require.NoError(t, err)
		}
		require.Equal(t, NROpen, tbl.Cap())

		_, err := tbl.Install(&fs.File{}, 0)
		require.Equal(t, abi.EMFILE, abi.FromError(err))

		_, err = tbl.InstallAt(NROpen, &fs.File{}, 0)
		require.Equal(t, abi.EMFILE, abi.FromError(err))
	})

	n.It("shares files with a forked table", func(t *testing.T) {
		tbl := NewFDTable()

		f := &fs.File{}
		f.IncRef()

		_, err := tbl.Install(f, linux.FD_CLOEXEC)
		require.NoError(t, err)

		c := tbl.Fork()
		require.Equal(t, int32(2), f.Refs())

		got, ok := c.Get(0)
		require.True(t, ok)
		require.Equal(t, f, got)

		flags, err := c.Flags(0)
		require.NoError(t, err)
		require.Equal(t, linux.FD_CLOEXEC, flags)

		require.Equal(t, 0, NewFDTable().Fork().Len())
	})

	n.Meow()
}

func TestTaskFiles(t *testing.T) {
	n := neko.Modern(t)

	n.It("opens, dups and closes descriptors", func(t *testing.T) {
		k, _ := bootTest(t, config.SchedRoundRobin)
		init := k.Init()
		ctx := init.Context()

		require.NoError(t, k.Root.WriteFile("/etc/motd", []byte("hi"), 0644))

		fd, err := init.OpenFile(ctx, "/etc/motd", linux.O_RDONLY|linux.O_CLOEXEC, 0)
		require.NoError(t, err)
		require.Equal(t, 3, fd)

		flags, err := init.Files().Flags(fd)
		require.NoError(t, err)
		require.Equal(t, linux.FD_CLOEXEC, flags)

		f, _ := init.GetFile(fd)
		require.Equal(t, int32(1), f.Refs())

		dfd, err := init.Dup(fd)
		require.NoError(t, err)
		require.Equal(t, 4, dfd)
		require.Equal(t, int32(2), f.Refs())

		flags, err = init.Files().Flags(dfd)
		require.NoError(t, err)
		require.Equal(t, 0, flags)

		nfd, err := init.Dup2(fd, 10)
		require.NoError(t, err)
		require.Equal(t, 10, nfd)
		require.Equal(t, int32(3), f.Refs())

		nfd, err = init.Dup2(fd, fd)
		require.NoError(t, err)
		require.Equal(t, fd, nfd)
		require.Equal(t, int32(3), f.Refs())

		require.NoError(t, init.CloseFile(ctx, dfd))
		require.NoError(t, init.CloseFile(ctx, 10))
		require.Equal(t, int32(1), f.Refs())

		require.Equal(t, ErrBadFD, init.CloseFile(ctx, 10))

		_, err = init.Dup(42)
		require.Equal(t, ErrBadFD, err)

		_, err = init.OpenFile(ctx, "/etc/missing", linux.O_RDONLY, 0)
		require.Equal(t, abi.ENOENT, abi.FromError(err))
	})

	n.It("replaces the target of dup2", func(t *testing.T) {
		k, _ := bootTest(t, config.SchedRoundRobin)
		init := k.Init()
		ctx := init.Context()

		require.NoError(t, k.Root.WriteFile("/etc/motd", []byte("hi"), 0644))

		fd, err := init.OpenFile(ctx, "/etc/motd", linux.O_RDONLY, 0)
		require.NoError(t, err)

		console, _ := init.GetFile(1)
		before := console.Refs()

		_, err = init.Dup2(fd, 1)
		require.NoError(t, err)
		require.Equal(t, before-1, console.Refs())

		f, _ := init.GetFile(1)
		require.Equal(t, "/etc/motd", f.Name)
	})

	n.It("changes the working directory", func(t *testing.T) {
		k, _ := bootTest(t, config.SchedRoundRobin)
		init := k.Init()
		ctx := init.Context()

		require.NoError(t, k.Root.MkdirAll("/home/user", 0700))
		require.NoError(t, k.Root.WriteFile("/home/file", nil, 0644))

		require.NoError(t, init.Chdir(ctx, "/home/"))
		require.Equal(t, "/home", init.Cwd)

		require.NoError(t, init.Chdir(ctx, "user"))
		require.Equal(t, "/home/user", init.Cwd)

		require.NoError(t, init.Chdir(ctx, "../.."))
		require.Equal(t, "/", init.Cwd)

		err := init.Chdir(ctx, "/home/file")
		require.Equal(t, abi.ENOTDIR, abi.FromError(err))

		err = init.Chdir(ctx, "/nowhere")
		require.Equal(t, abi.ENOENT, abi.FromError(err))

		init.Cred = Credentials{UID: 1000, GID: 1000, EUID: 1000, EGID: 1000}
		err = init.Chdir(init.Context(), "/home/user")
		require.Equal(t, abi.EACCES, abi.FromError(err))
		require.Equal(t, "/", init.Cwd)
	})

	n.It("changes directory through a descriptor", func(t *testing.T) {
		k, _ := bootTest(t, config.SchedRoundRobin)
		init := k.Init()
		ctx := init.Context()

		require.NoError(t, k.Root.MkdirAll("/var/log", 0755))

		fd, err := init.OpenFile(ctx, "/var/log", linux.O_RDONLY|linux.O_DIRECTORY, 0)
		require.NoError(t, err)

		require.NoError(t, init.Fchdir(ctx, fd))
		require.Equal(t, "/var/log", init.Cwd)

		require.Equal(t, ErrBadFD, init.Fchdir(ctx, 99))
	})

	n.It("closes every descriptor on exit", func(t *testing.T) {
		k, m := bootTest(t, config.SchedRoundRobin)

		c, err := k.Init().Fork(m.Regs())
		require.NoError(t, err)
		require.Equal(t, 3, c.Files().Len())

		c.Exit(ExitStatus{})
		require.Equal(t, 0, c.Files().Len())
	})

	n.Meow()
}

func TestCredentials(t *testing.T) {
	n := neko.Modern(t)

	user := Credentials{UID: 1000, GID: 100, EUID: 1000, EGID: 100, SUID: 1000, SGID: 100}

	n.It("lets root set every uid", func(t *testing.T) {
		k, _ := bootTest(t, config.SchedRoundRobin)
		init := k.Init()

		require.NoError(t, init.Setuid(500))
		require.Equal(t, Credentials{UID: 500, EUID: 500, SUID: 500}, init.Cred)

		require.Equal(t, abi.EPERM, init.Setuid(0))
		require.Equal(t, abi.EINVAL, init.Setuid(-3))
	})

	n.It("lets a user move between real and saved ids", func(t *testing.T) {
		k, _ := bootTest(t, config.SchedRoundRobin)
		init := k.Init()

		init.Cred = user
		init.Cred.SUID = 0

		require.NoError(t, init.Setuid(0))
		require.Equal(t, 0, init.Cred.EUID)
		require.Equal(t, 1000, init.Cred.UID)

		require.True(t, init.Cred.IsRoot())
	})

	n.It("restricts setgid for users", func(t *testing.T) {
		k, _ := bootTest(t, config.SchedRoundRobin)
		init := k.Init()

		init.Cred = user

		require.Equal(t, abi.EPERM, init.Setgid(0))
		require.NoError(t, init.Setgid(100))
		require.Equal(t, 100, init.Cred.EGID)
	})

	n.It("swaps real and effective ids with setreuid", func(t *testing.T) {
		k, _ := bootTest(t, config.SchedRoundRobin)
		init := k.Init()

		init.Cred = user
		init.Cred.EUID = 0

		require.NoError(t, init.Setreuid(0, 1000))
		require.Equal(t, 0, init.Cred.UID)
		require.Equal(t, 1000, init.Cred.EUID)
		require.Equal(t, 1000, init.Cred.SUID)

		init.Cred = user
		require.Equal(t, abi.EPERM, init.Setreuid(-1, 7))
		require.Equal(t, abi.EPERM, init.Setregid(7, -1))

		require.NoError(t, init.Setregid(-1, -1))
		require.Equal(t, user, init.Cred)
	})

	n.It("builds the filesystem identity", func(t *testing.T) {
		fc := user.FS()
		require.Equal(t, 1000, fc.UID)
		require.Equal(t, 100, fc.EGID)
	})

	n.Meow()
}
