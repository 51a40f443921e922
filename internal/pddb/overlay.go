package pddb

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/betrusted-io/xous-core-sub012/internal/basis"
	"github.com/betrusted-io/xous-core-sub012/internal/pagetable"
)

// WriteMode picks which copies of a key a write touches.
type WriteMode int

const (
	// UpdateLatest writes into the newest open basis, shadowing older copies.
	UpdateLatest WriteMode = iota
	// UpdateOpened writes the copy in every open basis that has the key, or
	// creates one in the newest basis when none does.
	UpdateOpened
)

// Resolved names the winning copy of a key.
type Resolved struct {
	Basis string
	Owner pagetable.Owner
	Key   basis.KeyRecord
}

// SplitPath turns "/dict/key" into its parts. The key part may itself hold
// slashes; empty segments are rejected.
func SplitPath(path string) (dict, key string, err error) {
	if !strings.HasPrefix(path, "/") {
		return "", "", fmt.Errorf("%w: path must be absolute", ErrInvalidArgument)
	}
	dict, key, ok := strings.Cut(path[1:], "/")
	if !ok || dict == "" || key == "" {
		return "", "", fmt.Errorf("%w: path needs a dictionary and a key", ErrInvalidArgument)
	}
	return dict, key, validateNames(dict, key)
}

func validateNames(dict, key string) error {
	if err := basis.ValidateName(dict, basis.NameLen); err != nil {
		return fmt.Errorf("%w: dictionary: %w", ErrInvalidArgument, err)
	}
	if key == "" {
		return nil
	}
	if err := basis.ValidateName(key, basis.KeyNameLen); err != nil {
		return fmt.Errorf("%w: key: %w", ErrInvalidArgument, err)
	}
	return nil
}

// resolve walks open bases newest first.
func (db *DB) resolve(dict, key string) (*openBasis, *basis.Dictionary, *basis.KeyRecord) {
	for i := len(db.bases) - 1; i >= 0; i-- {
		b := db.bases[i]
		d, ok := b.cat.Dictionary(dict)
		if !ok {
			continue
		}
		if k, ok := d.FindKey(key); ok {
			return b, d, k
		}
	}
	return nil, nil, nil
}

// everywhere lists the copies of a key in every open basis, newest first.
func (db *DB) everywhere(dict, key string) []*openBasis {
	var out []*openBasis
	for i := len(db.bases) - 1; i >= 0; i-- {
		if d, ok := db.bases[i].cat.Dictionary(dict); ok {
			if _, ok := d.FindKey(key); ok {
				out = append(out, db.bases[i])
			}
		}
	}
	return out
}

func (db *DB) Resolve(dict, key string) (Resolved, bool) {
	b, _, k := db.resolve(dict, key)
	if b == nil {
		return Resolved{}, false
	}
	return Resolved{Basis: b.name, Owner: b.id, Key: *k}, true
}

func (db *DB) latest() *openBasis {
	if len(db.bases) == 0 {
		return nil
	}
	return db.bases[len(db.bases)-1]
}

// target picks the basis a new key lands in.
func (db *DB) target(name string) (*openBasis, error) {
	if name != "" {
		if b := db.basisByName(name); b != nil {
			return b, nil
		}
		return nil, ErrNotFound
	}
	if b := db.latest(); b != nil {
		return b, nil
	}
	return nil, ErrNoBasis
}

func (db *DB) ensureDict(b *openBasis, dict string, create bool) (*basis.Dictionary, error) {
	if d, ok := b.cat.Dictionary(dict); ok {
		return d, nil
	}
	if !create {
		return nil, ErrNotFound
	}
	d, err := b.cat.AddDictionary(dict)
	if err != nil {
		return nil, err
	}
	b.dictPages[d.Slot] = 0
	b.dirtyDicts[d.Slot] = true
	b.dirtyRoot = true
	return d, nil
}

func (db *DB) createKey(b *openBasis, d *basis.Dictionary, key string, hint uint64) (*basis.KeyRecord, error) {
	rec := basis.KeyRecord{Name: key, Reserved: basis.PagesFor(hint)}
	if rec.Reserved > 0 {
		ext, err := db.takeExtent(b, rec.Reserved)
		if err != nil {
			return nil, err
		}
		rec.Vaddr = ext.Start
	}
	k, err := d.AddKey(rec)
	if err != nil {
		return nil, err
	}
	k.Age = d.Age
	b.dirtyDicts[d.Slot] = true
	return k, nil
}

// Put replaces a value. UpdateLatest writes the newest open basis, creating
// the dictionary and key there if needed, so the write shadows any older
// copy. UpdateOpened rewrites every open copy, or creates one in the newest
// basis when there is none.
func (db *DB) Put(ctx context.Context, dict, key string, value []byte, mode WriteMode) error {
	if err := db.usable(); err != nil {
		return err
	}
	if err := validateNames(dict, key); err != nil {
		return err
	}
	if err := db.checkSpan(0, len(value)); err != nil {
		return err
	}
	var targets []*openBasis
	if mode == UpdateOpened {
		targets = db.everywhere(dict, key)
	}
	if len(targets) == 0 {
		b, err := db.target("")
		if err != nil {
			return err
		}
		d, err := db.ensureDict(b, dict, true)
		if err != nil {
			return err
		}
		if _, ok := d.FindKey(key); !ok {
			if _, err := db.createKey(b, d, key, 0); err != nil {
				return err
			}
		}
		targets = []*openBasis{b}
	}
	for _, b := range targets {
		d, _ := b.cat.Dictionary(dict)
		k, _ := d.FindKey(key)
		if err := db.putKey(ctx, b, d, k, value); err != nil {
			return err
		}
	}
	return nil
}

// Get reads the winning copy of a value.
func (db *DB) Get(ctx context.Context, dict, key string) ([]byte, error) {
	if err := db.usable(); err != nil {
		return nil, err
	}
	if err := validateNames(dict, key); err != nil {
		return nil, err
	}
	b, _, k := db.resolve(dict, key)
	if b == nil {
		return nil, ErrNotFound
	}
	if k.Len > db.maxValue {
		return nil, fmt.Errorf("%w: recorded length %d", ErrCorrupt, k.Len)
	}
	out := make([]byte, k.Len)
	if len(out) == 0 {
		return out, nil
	}
	n, err := db.readKey(ctx, b, k, 0, out)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}

// DeleteKey removes the winning copy. A shadowed copy in an older basis
// becomes visible again.
func (db *DB) DeleteKey(ctx context.Context, dict, key string) error {
	if err := db.usable(); err != nil {
		return err
	}
	if err := validateNames(dict, key); err != nil {
		return err
	}
	b, d, k := db.resolve(dict, key)
	if b == nil {
		return ErrNotFound
	}
	if e := k.Extent(); e.Pages > 0 {
		b.pendingExtents = append(b.pendingExtents, e)
	}
	d.RemoveKey(key)
	b.dirtyDicts[d.Slot] = true
	return nil
}

// DeleteDictionary removes the newest open copy of a dictionary with all
// of its keys.
func (db *DB) DeleteDictionary(ctx context.Context, dict string) error {
	if err := db.usable(); err != nil {
		return err
	}
	if err := validateNames(dict, ""); err != nil {
		return err
	}
	for i := len(db.bases) - 1; i >= 0; i-- {
		b := db.bases[i]
		d, ok := b.cat.RemoveDictionary(dict)
		if !ok {
			continue
		}
		b.pendingExtents = append(b.pendingExtents, d.Extents()...)
		if n := b.dictPages[d.Slot]; n > b.pendingSlots[d.Slot] {
			b.pendingSlots[d.Slot] = n
		}
		delete(b.dictPages, d.Slot)
		delete(b.dirtyDicts, d.Slot)
		b.dirtyRoot = true
		return nil
	}
	return ErrNotFound
}

// ListKeys merges key names across open bases.
func (db *DB) ListKeys(dict string) ([]string, error) {
	if err := db.usable(); err != nil {
		return nil, err
	}
	if err := validateNames(dict, ""); err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	found := false
	for _, b := range db.bases {
		d, ok := b.cat.Dictionary(dict)
		if !ok {
			continue
		}
		found = true
		for _, k := range d.Keys() {
			seen[k.Name] = true
		}
	}
	if !found {
		return nil, ErrNotFound
	}
	return sortedKeys(seen), nil
}

// ListDictionaries merges dictionary names across open bases.
func (db *DB) ListDictionaries() ([]string, error) {
	if err := db.usable(); err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	for _, b := range db.bases {
		for _, d := range b.cat.Dictionaries() {
			seen[d.Name] = true
		}
	}
	return sortedKeys(seen), nil
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
