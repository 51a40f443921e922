package pagetable

import (
	"errors"
	"sort"
)

// FreeSpaceCacheSize bounds how many known-free extents a basis remembers
// between scans.
const FreeSpaceCacheSize = 16

var ErrNoSpace = errors.New("pagetable: out of space")

// FreeSpace hands out virtual extents from one basis' key-data region
// [base, boundary). The cache is a hint; the caller's view of which extents
// are in use is authoritative and is consulted on every refill.
type FreeSpace struct {
	base     VirtAddr
	boundary VirtAddr
	limit    VirtAddr
	cache    []Extent
}

// NewFreeSpace starts with an empty cache; the first allocation that misses
// it triggers a scan.
func NewFreeSpace(base, boundary, limit VirtAddr) *FreeSpace {
	if boundary < base {
		boundary = base
	}
	return &FreeSpace{base: base, boundary: boundary, limit: limit}
}

// Boundary is the first virtual address never handed out.
func (f *FreeSpace) Boundary() VirtAddr { return f.boundary }

func (f *FreeSpace) Cached() []Extent { return append([]Extent(nil), f.cache...) }

// Alloc serves a request from the cache only.
func (f *FreeSpace) Alloc(pages uint64) (Extent, bool) {
	if pages == 0 {
		return Extent{}, false
	}
	for i, e := range f.cache {
		if e.Pages < pages {
			continue
		}
		out := Extent{Start: e.Start, Pages: pages}
		if e.Pages == pages {
			f.cache = append(f.cache[:i], f.cache[i+1:]...)
		} else {
			f.cache[i] = Extent{Start: e.Start.Add(pages), Pages: e.Pages - pages}
		}
		return out, true
	}
	return Extent{}, false
}

// Free returns an extent to the cache, coalescing with neighbours. When the
// cache is full the smallest extent is forgotten; a later scan finds it again.
func (f *FreeSpace) Free(e Extent) {
	if e.Pages == 0 {
		return
	}
	if e.End() == f.boundary {
		f.boundary = e.Start
		f.trimBoundary()
		return
	}
	f.cache = append(f.cache, e)
	f.normalize()
}

// Refill rebuilds the cache from the gaps between used extents.
func (f *FreeSpace) Refill(used []Extent) {
	sorted := append([]Extent(nil), used...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	f.cache = f.cache[:0]
	cursor := f.base
	for _, u := range sorted {
		if u.Pages == 0 || u.End() <= cursor {
			continue
		}
		if u.Start > cursor {
			f.cache = append(f.cache, Extent{Start: cursor, Pages: (uint64(u.Start) - uint64(cursor)) / PageSize})
		}
		cursor = u.End()
	}
	if cursor > f.boundary {
		f.boundary = cursor
	}
	if cursor < f.boundary {
		f.cache = append(f.cache, Extent{Start: cursor, Pages: (uint64(f.boundary) - uint64(cursor)) / PageSize})
	}
	f.normalize()
}

// Grow takes fresh pages at the boundary.
func (f *FreeSpace) Grow(pages uint64) (Extent, error) {
	if pages == 0 || uint64(f.limit-f.boundary)/PageSize < pages {
		return Extent{}, ErrNoSpace
	}
	e := Extent{Start: f.boundary, Pages: pages}
	f.boundary = e.End()
	return e, nil
}

// Take is the full allocation path: cache, then a scan of used, then growth.
func (f *FreeSpace) Take(pages uint64, used func() []Extent) (Extent, error) {
	if e, ok := f.Alloc(pages); ok {
		return e, nil
	}
	f.Refill(used())
	if e, ok := f.Alloc(pages); ok {
		return e, nil
	}
	return f.Grow(pages)
}

func (f *FreeSpace) trimBoundary() {
	for {
		moved := false
		for i, e := range f.cache {
			if e.End() == f.boundary {
				f.boundary = e.Start
				f.cache = append(f.cache[:i], f.cache[i+1:]...)
				moved = true
				break
			}
		}
		if !moved {
			return
		}
	}
}

func (f *FreeSpace) normalize() {
	sort.Slice(f.cache, func(i, j int) bool { return f.cache[i].Start < f.cache[j].Start })
	merged := f.cache[:0]
	for _, e := range f.cache {
		if n := len(merged); n > 0 && merged[n-1].End() >= e.Start {
			last := &merged[n-1]
			if e.End() > last.End() {
				last.Pages = (uint64(e.End()) - uint64(last.Start)) / PageSize
			}
			continue
		}
		merged = append(merged, e)
	}
	f.cache = merged
	for len(f.cache) > FreeSpaceCacheSize {
		small := 0
		for i, e := range f.cache {
			if e.Pages < f.cache[small].Pages {
				small = i
			}
		}
		f.cache = append(f.cache[:small], f.cache[small+1:]...)
	}
}
