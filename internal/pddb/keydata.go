package pddb

import (
	"context"
	"io"

	"github.com/betrusted-io/xous-core-sub012/internal/basis"
	"github.com/betrusted-io/xous-core-sub012/internal/pagetable"
)

const dataPerPage = basis.DataPerPage

// takeExtent hands out virtual pages that have no mapped copies.
func (db *DB) takeExtent(b *openBasis, pages uint64) (pagetable.Extent, error) {
	return b.free.Take(pages, b.usedExtents)
}

// releaseExtent drops every page of e and returns it to free space.
func (db *DB) releaseExtent(b *openBasis, e pagetable.Extent) error {
	for i := uint64(0); i < e.Pages; i++ {
		if err := db.dropPage(b, e.Start.Add(i)); err != nil {
			return err
		}
	}
	b.free.Free(e)
	return nil
}

func (db *DB) readKey(ctx context.Context, b *openBasis, k *basis.KeyRecord, off uint64, p []byte) (int, error) {
	if off >= k.Len {
		return 0, io.EOF
	}
	end := off + uint64(len(p))
	if end > k.Len {
		end = k.Len
	}
	n := 0
	for pos := off; pos < end; {
		idx, in := pos/dataPerPage, pos%dataPerPage
		chunk := dataPerPage - in
		if rem := end - pos; rem < chunk {
			chunk = rem
		}
		body, ok, err := db.readPage(ctx, b, k.Vaddr.Add(idx))
		if err != nil {
			return n, err
		}
		dst := p[n : n+int(chunk)]
		if ok {
			copy(dst, body[in:in+chunk])
		} else {
			clear(dst)
		}
		n += int(chunk)
		pos += chunk
	}
	return n, nil
}

// writeKey writes data at off, growing the value as needed. A value that no
// longer fits its extent moves to a new one; the old extent is released at
// the next sync.
func (db *DB) writeKey(ctx context.Context, b *openBasis, d *basis.Dictionary, k *basis.KeyRecord, off uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := db.checkSpan(off, len(data)); err != nil {
		return err
	}
	end := off + uint64(len(data))
	newLen := k.Len
	if end > newLen {
		newLen = end
	}
	if !k.Fits(newLen) {
		if err := db.moveKey(ctx, b, k, basis.PagesFor(newLen)); err != nil {
			return err
		}
	}
	for pos := off; pos < end; {
		idx, in := pos/dataPerPage, pos%dataPerPage
		chunk := dataPerPage - in
		if rem := end - pos; rem < chunk {
			chunk = rem
		}
		virt := k.Vaddr.Add(idx)
		page := make([]byte, dataPerPage)
		if in != 0 || chunk != dataPerPage {
			body, ok, err := db.readPage(ctx, b, virt)
			if err != nil {
				return err
			}
			if ok {
				copy(page, body)
			}
		}
		src := data[pos-off : pos-off+chunk]
		copy(page[in:], src)
		if err := db.writePage(ctx, b, virt, page, 0); err != nil {
			return err
		}
		pos += chunk
	}
	k.Len = newLen
	db.touchKey(b, d, k)
	return nil
}

// putKey replaces the whole value. It rewrites in place when the new value
// fits the current extent and moves to a fresh extent otherwise.
func (db *DB) putKey(ctx context.Context, b *openBasis, d *basis.Dictionary, k *basis.KeyRecord, value []byte) error {
	n := uint64(len(value))
	oldPages := basis.PagesFor(k.Len)
	if n > 0 && !k.Fits(n) {
		want := basis.PagesFor(n)
		if k.Reserved > want {
			want = k.Reserved
		}
		ext, err := db.takeExtent(b, want)
		if err != nil {
			return err
		}
		if err := db.fill(ctx, b, ext.Start, value); err != nil {
			_ = db.releaseExtent(b, ext)
			return err
		}
		if old := k.Extent(); old.Pages > 0 {
			b.pendingExtents = append(b.pendingExtents, old)
		}
		k.Vaddr = ext.Start
	} else {
		if err := db.fill(ctx, b, k.Vaddr, value); err != nil {
			return err
		}
		for i := basis.PagesFor(n); i < oldPages; i++ {
			if err := db.dropPage(b, k.Vaddr.Add(i)); err != nil {
				return err
			}
		}
	}
	k.Len = n
	db.touchKey(b, d, k)
	return nil
}

func (db *DB) fill(ctx context.Context, b *openBasis, start pagetable.VirtAddr, value []byte) error {
	for i := uint64(0); i < basis.PagesFor(uint64(len(value))); i++ {
		page := make([]byte, dataPerPage)
		copy(page, value[i*dataPerPage:])
		if err := db.writePage(ctx, b, start.Add(i), page, 0); err != nil {
			return err
		}
	}
	return nil
}

// moveKey relocates a growing value, at least doubling its capacity so that
// appends do not copy the value on every page boundary.
func (db *DB) moveKey(ctx context.Context, b *openBasis, k *basis.KeyRecord, pages uint64) error {
	if grow := 2 * basis.PagesFor(k.Len); grow > pages {
		pages = grow
	}
	if k.Reserved > pages {
		pages = k.Reserved
	}
	ext, err := db.takeExtent(b, pages)
	if err != nil {
		return err
	}
	old := k.Extent()
	for i := uint64(0); i < basis.PagesFor(k.Len); i++ {
		body, ok, err := db.readPage(ctx, b, old.Start.Add(i))
		if err == nil && ok {
			err = db.writePage(ctx, b, ext.Start.Add(i), body, 0)
		}
		if err != nil {
			_ = db.releaseExtent(b, ext)
			return err
		}
	}
	if old.Pages > 0 {
		b.pendingExtents = append(b.pendingExtents, old)
	}
	k.Vaddr = ext.Start
	k.Reserved = pages
	return nil
}

func (db *DB) touchKey(b *openBasis, d *basis.Dictionary, k *basis.KeyRecord) {
	k.Bump()
	k.Age = d.Age
	d.Touch()
	b.dirtyDicts[d.Slot] = true
}
