package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/evanphx/x86core/loader"
	"github.com/evanphx/x86core/memory"
)

func segmentFlags(f loader.SegmentFlags) string {
	b := []byte("---")
	if f&loader.SegmentRead != 0 {
		b[0] = 'r'
	}
	if f&loader.SegmentWrite != 0 {
		b[1] = 'w'
	}
	if f&loader.SegmentExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

func dump(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	img, err := loader.NewLoader(nil).Load(data)
	if err != nil {
		return err
	}

	key, err := loader.CacheKey(data)
	if err != nil {
		return err
	}

	start, end := img.Bounds()

	fmt.Printf("\n[image]\n")
	fmt.Printf("entry  %#08x\n", img.Entry)
	fmt.Printf("bounds %#08x-%#08x (%d pages)\n", start, end, (end-start)/memory.PageSize)
	fmt.Printf("key    %s\n", key)

	fmt.Printf("\n[segments]\n")
	tr := tabwriter.NewWriter(os.Stdout, 4, 8, 1, ' ', 0)
	fmt.Fprintf(tr, "  #\tvaddr\tfilesz\tmemsz\tflags\n")
	for i, seg := range img.Segments {
		fmt.Fprintf(tr, "  %d\t%#08x\t%d\t%d\t%s\n", i, seg.Vaddr, len(seg.Data), seg.Memsz, segmentFlags(seg.Flags))
	}
	tr.Flush()

	if end > memory.ProcAreaEnd {
		fmt.Printf("\nwarning: image ends above the user stack at %#08x\n", memory.ProcAreaEnd)
	}

	return nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: colin <elf>...\n")
		os.Exit(1)
	}

	for _, path := range os.Args[1:] {
		fmt.Printf("%s:\n", path)
		if err := dump(path); err != nil {
			fmt.Fprintf(os.Stderr, "colin: %s: %s\n", path, err)
			os.Exit(1)
		}
	}
}
