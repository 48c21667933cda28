package fs

import (
	"context"
	"strings"

	"github.com/evanphx/x86core/abi/linux"
	"github.com/pkg/errors"
)

// SymloopMax bounds the number of symbolic links followed by one lookup.
const SymloopMax = 8

type ResolveFlags int

const (
	// FollowLinks expands symbolic links found along the path. Without it
	// resolution is purely lexical and the filesystem is never consulted.
	FollowLinks ResolveFlags = 1 << iota
	RemoveTrailingSlash
	// CreatLastComponent marks a lookup whose final component may be
	// created by the caller.
	CreatLastComponent
)

// ResolvePath turns path, relative to cwd when it does not start with
// "/", into a normalized absolute path. Symbolic links are expanded only
// under FollowLinks.
func (v *VFS) ResolvePath(ctx context.Context, cwd, path string, flags ResolveFlags) (string, error) {
	return v.resolve(ctx, cwd, path, flags, 0)
}

func (v *VFS) resolve(ctx context.Context, cwd, path string, flags ResolveFlags, depth int) (string, error) {
	if len(path) >= linux.PATH_MAX {
		return "", ErrNameTooLong
	}

	var buf string
	if !strings.HasPrefix(path, "/") {
		buf = cwd
		if buf == "/" {
			buf = ""
		}
	}

	tokens := strings.Split(path, "/")

	var live []string
	for _, tok := range tokens {
		if tok != "" {
			live = append(live, tok)
		}
	}

	for i, tok := range live {
		last := i == len(live)-1

		switch tok {
		case ".":
			continue
		case "..":
			if j := strings.LastIndexByte(buf, '/'); j >= 0 {
				buf = buf[:j]
			}
			continue
		}

		buf = buf + "/" + tok

		if flags&FollowLinks == 0 {
			continue
		}

		st, err := v.lstat(ctx, buf)
		if err != nil {
			// A missing component is not a link. Whoever opens the
			// result reports it.
			if errors.Cause(err) == ErrUnknownPath {
				continue
			}
			return "", err
		}

		if st.Type() == Symlink {
			if depth >= SymloopMax {
				return "", errors.Wrapf(ErrLoop, "resolving %s", path)
			}

			target, err := v.readlink(ctx, buf)
			if err != nil {
				return "", err
			}

			if strings.HasPrefix(target, "/") {
				buf = target
			} else {
				buf = Parent(buf) + "/" + target
			}

			rest := strings.Join(live[i+1:], "/")
			if rest != "" {
				buf = buf + "/" + rest
			}

			return v.resolve(ctx, "/", buf, flags, depth+1)
		}

		if !last && st.Type() != Directory {
			return "", errors.Wrapf(ErrNotDirectory, "component %s", buf)
		}
	}

	if buf == "" {
		buf = "/"
	}

	if strings.HasSuffix(path, "/") && buf != "/" {
		buf += "/"
	}

	if flags&RemoveTrailingSlash != 0 && len(buf) > 1 && strings.HasSuffix(buf, "/") {
		buf = buf[:len(buf)-1]
	}

	return buf, nil
}

func (v *VFS) lstat(ctx context.Context, abs string) (*Stat, error) {
	sb, err := v.GetSuperblock(abs)
	if err != nil {
		return nil, err
	}

	st, err := sb.Root.SysOps.Stat(ctx, sb.Relative(abs))
	if err != nil {
		return nil, err
	}

	st.Dev = sb.Dev
	return st, nil
}

func (v *VFS) readlink(ctx context.Context, abs string) (string, error) {
	sb, err := v.GetSuperblock(abs)
	if err != nil {
		return "", err
	}

	return sb.Root.Ops.Readlink(ctx, sb.Relative(abs))
}
