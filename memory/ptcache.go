package memory

import "sync"

// PageTableCache hands out zeroed kernel frames for page directories and
// page tables, keeping a small pool of released frames for reuse.
type PageTableCache struct {
	mu    sync.Mutex
	alloc *Allocator
	pool  []*Page
	limit int

	live int
}

func NewPageTableCache(a *Allocator, limit int) *PageTableCache {
	return &PageTableCache{alloc: a, limit: limit}
}

func (c *PageTableCache) Get() (*Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var p *Page

	if n := len(c.pool); n > 0 {
		p = c.pool[n-1]
		c.pool = c.pool[:n-1]
	} else {
		var err error
		p, err = c.alloc.AllocPages(ZoneKernel, 0)
		if err != nil {
			return nil, err
		}
	}

	c.alloc.RAM().ZeroFrame(p.Frame())
	c.live++

	return p, nil
}

func (c *PageTableCache) Put(p *Page) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.live--

	if len(c.pool) < c.limit {
		c.pool = append(c.pool, p)
		return
	}

	c.alloc.FreePages(p)
}

// Live is the number of frames currently handed out.
func (c *PageTableCache) Live() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.live
}
