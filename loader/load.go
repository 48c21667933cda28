// Package loader validates i386 ET_EXEC images and extracts their loadable
// segments. Parsed images are cached by content hash.
package loader

import (
	"bytes"
	"debug/elf"
	"encoding/base64"
	"io"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/evanphx/x86core/abi"
	"github.com/evanphx/x86core/log"
	"github.com/evanphx/x86core/memory"
	hclog "github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

var ErrBadImage = errors.Wrap(abi.ENOEXEC, "invalid executable")

type SegmentFlags uint32

const (
	SegmentExec  SegmentFlags = SegmentFlags(elf.PF_X)
	SegmentWrite SegmentFlags = SegmentFlags(elf.PF_W)
	SegmentRead  SegmentFlags = SegmentFlags(elf.PF_R)
)

// Segment is one PT_LOAD program header with its file bytes.
type Segment struct {
	Vaddr uint32
	Memsz uint32
	Flags SegmentFlags
	Data  []byte
}

func (s *Segment) End() uint32 {
	return s.Vaddr + s.Memsz
}

type Image struct {
	Entry    uint32
	Segments []Segment
}

// Bounds returns the page aligned range covered by all segments.
func (img *Image) Bounds() (start, end uint32) {
	for i, s := range img.Segments {
		if i == 0 || s.Vaddr < start {
			start = s.Vaddr
		}
		if s.End() > end {
			end = s.End()
		}
	}
	return memory.PageAlignDown(start), memory.PageAlignUp(end)
}

type LoaderCache struct {
	mu sync.RWMutex

	cache *lru.ARCCache
}

func NewLoaderCache() *LoaderCache {
	cache, err := lru.NewARC(100)
	if err != nil {
		panic(err)
	}

	return &LoaderCache{cache: cache}
}

func (l *LoaderCache) Lookup(key string) (*Image, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	val, ok := l.cache.Get(key)
	if !ok {
		return nil, false
	}

	return val.(*Image), true
}

func (l *LoaderCache) Set(key string, img *Image) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cache.Add(key, img)
}

func (l *LoaderCache) Len() int {
	return l.cache.Len()
}

func NewLoader(cache *LoaderCache) *Loader {
	return &Loader{
		L:     log.Named("loader"),
		cache: cache,
	}
}

type Loader struct {
	L     hclog.Logger
	cache *LoaderCache
}

// CacheKey is the content hash used to find a parsed image.
func CacheKey(data []byte) (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}

	h.Write(data)

	return base64.URLEncoding.EncodeToString(h.Sum(nil)), nil
}

// Load parses an executable image. The returned image is shared with the
// cache and must not be modified.
func (l *Loader) Load(data []byte) (*Image, error) {
	var cacheKey string

	if l.cache != nil {
		key, err := CacheKey(data)
		if err != nil {
			return nil, err
		}

		cacheKey = key

		l.L.Trace("looking for cached image", "key", cacheKey)

		if img, ok := l.cache.Lookup(cacheKey); ok {
			return img, nil
		}
	}

	img, err := parse(data)
	if err != nil {
		return nil, err
	}

	if l.cache != nil {
		l.L.Debug("cached image", "key", cacheKey, "entry", hclog.Fmt("%#x", img.Entry))
		l.cache.Set(cacheKey, img)
	}

	return img, nil
}

func parse(data []byte) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrapf(ErrBadImage, "%s", err)
	}
	defer f.Close()

	switch {
	case f.Class != elf.ELFCLASS32:
		return nil, errors.Wrapf(ErrBadImage, "class %s", f.Class)
	case f.Data != elf.ELFDATA2LSB:
		return nil, errors.Wrapf(ErrBadImage, "byte order %s", f.Data)
	case f.Machine != elf.EM_386:
		return nil, errors.Wrapf(ErrBadImage, "machine %s", f.Machine)
	case f.Type != elf.ET_EXEC:
		return nil, errors.Wrapf(ErrBadImage, "type %s", f.Type)
	}

	img := &Image{Entry: uint32(f.Entry)}

	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}

		if p.Filesz > p.Memsz {
			return nil, errors.Wrapf(ErrBadImage, "segment at %#x: filesz > memsz", p.Vaddr)
		}

		end := p.Vaddr + p.Memsz
		if p.Vaddr < memory.ProcAreaStart || end > memory.ProcAreaEnd || end < p.Vaddr {
			return nil, errors.Wrapf(ErrBadImage, "segment %#x-%#x outside the process area", p.Vaddr, end)
		}

		seg := Segment{
			Vaddr: uint32(p.Vaddr),
			Memsz: uint32(p.Memsz),
			Flags: SegmentFlags(p.Flags),
			Data:  make([]byte, p.Filesz),
		}

		if _, err := io.ReadFull(p.Open(), seg.Data); err != nil {
			return nil, errors.Wrapf(ErrBadImage, "segment at %#x: %s", p.Vaddr, err)
		}

		img.Segments = append(img.Segments, seg)
	}

	if len(img.Segments) == 0 {
		return nil, errors.Wrapf(ErrBadImage, "no loadable segments")
	}

	start, end := img.Bounds()
	if img.Entry < start || img.Entry >= end {
		return nil, errors.Wrapf(ErrBadImage, "entry %#x outside the image", img.Entry)
	}

	return img, nil
}
