package pddb

import (
	"context"

	"github.com/betrusted-io/xous-core-sub012/internal/basis"
	"github.com/betrusted-io/xous-core-sub012/internal/pagetable"
)

type OpenOptions struct {
	CreateDict bool
	CreateKey  bool
	// AllocHint reserves room for a value of this many bytes on creation.
	AllocHint uint64
	// Basis pins the handle to one basis instead of the resolving copy.
	Basis string
	// OnClose runs when the handle's basis is unmounted.
	OnClose func()
}

// KeyHandle refers to one copy of a key. It goes stale when its basis is
// unmounted or, for unpinned handles, when another copy starts resolving.
type KeyHandle struct {
	ID    uint64
	Dict  string
	Key   string
	owner pagetable.Owner

	pinned  bool
	closed  bool
	onClose func()
}

// OpenKey returns a handle to the resolving copy of dict/key, creating it
// if asked to.
func (db *DB) OpenKey(ctx context.Context, dict, key string, opts OpenOptions) (*KeyHandle, error) {
	if err := db.usable(); err != nil {
		return nil, err
	}
	if err := validateNames(dict, key); err != nil {
		return nil, err
	}

	var owner pagetable.Owner
	if opts.Basis != "" {
		b, err := db.target(opts.Basis)
		if err != nil {
			return nil, err
		}
		if err := db.openIn(b, dict, key, opts); err != nil {
			return nil, err
		}
		owner = b.id
	} else if b, _, _ := db.resolve(dict, key); b != nil {
		owner = b.id
	} else {
		if !opts.CreateKey {
			return nil, ErrNotFound
		}
		b, err := db.target("")
		if err != nil {
			return nil, err
		}
		if err := db.openIn(b, dict, key, opts); err != nil {
			return nil, err
		}
		owner = b.id
	}

	db.nextHandle++
	h := &KeyHandle{ID: db.nextHandle, Dict: dict, Key: key, owner: owner, pinned: opts.Basis != "", onClose: opts.OnClose}
	db.handles[h.ID] = h
	return h, nil
}

func (db *DB) openIn(b *openBasis, dict, key string, opts OpenOptions) error {
	d, err := db.ensureDict(b, dict, opts.CreateDict)
	if err != nil {
		return err
	}
	if _, ok := d.FindKey(key); ok {
		return nil
	}
	if !opts.CreateKey {
		return ErrNotFound
	}
	_, err = db.createKey(b, d, key, opts.AllocHint)
	return err
}

// lookup revalidates a handle against the current set of open bases.
func (db *DB) lookup(h *KeyHandle) (*openBasis, *basis.Dictionary, *basis.KeyRecord, error) {
	if h == nil || h.closed || db.handles[h.ID] != h {
		return nil, nil, nil, ErrBrokenMapping
	}
	b := db.basisByOwner(h.owner)
	if b == nil {
		return nil, nil, nil, ErrBrokenMapping
	}
	if !h.pinned {
		if w, _, _ := db.resolve(h.Dict, h.Key); w != nil && w != b {
			return nil, nil, nil, ErrBrokenMapping
		}
	}
	d, ok := b.cat.Dictionary(h.Dict)
	if !ok {
		return nil, nil, nil, ErrNotFound
	}
	k, ok := d.FindKey(h.Key)
	if !ok {
		return nil, nil, nil, ErrNotFound
	}
	return b, d, k, nil
}

// Read reads from the handle's copy at off. It returns io.EOF at or past
// the end of the value.
func (db *DB) Read(ctx context.Context, h *KeyHandle, off uint64, p []byte) (int, error) {
	if err := db.usable(); err != nil {
		return 0, err
	}
	b, _, k, err := db.lookup(h)
	if err != nil {
		return 0, err
	}
	return db.readKey(ctx, b, k, off, p)
}

// Write writes data at off. With UpdateOpened the same write is applied to
// the key in every open basis that has it.
func (db *DB) Write(ctx context.Context, h *KeyHandle, off uint64, data []byte, mode WriteMode) (int, error) {
	if err := db.usable(); err != nil {
		return 0, err
	}
	b, d, k, err := db.lookup(h)
	if err != nil {
		return 0, err
	}
	if err := db.writeKey(ctx, b, d, k, off, data); err != nil {
		return 0, err
	}
	if mode == UpdateOpened {
		for _, o := range db.everywhere(h.Dict, h.Key) {
			if o == b {
				continue
			}
			od, _ := o.cat.Dictionary(h.Dict)
			other, _ := od.FindKey(h.Key)
			if err := db.writeKey(ctx, o, od, other, off, data); err != nil {
				return 0, err
			}
		}
	}
	return len(data), nil
}

// Len is the current length of the handle's value.
func (db *DB) Len(h *KeyHandle) (uint64, error) {
	_, _, k, err := db.lookup(h)
	if err != nil {
		return 0, err
	}
	return k.Len, nil
}

// CloseKey forgets a handle without running its callback.
func (db *DB) CloseKey(h *KeyHandle) {
	if h == nil {
		return
	}
	h.closed = true
	delete(db.handles, h.ID)
}

func (db *DB) closeHandles(owner pagetable.Owner) {
	for id, h := range db.handles {
		if h.owner != owner {
			continue
		}
		h.closed = true
		delete(db.handles, id)
		if h.onClose != nil {
			h.onClose()
		}
	}
}
