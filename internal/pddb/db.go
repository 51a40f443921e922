package pddb

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	mrand "math/rand/v2"

	"github.com/golang/groupcache/lru"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/betrusted-io/xous-core-sub012/internal/audit"
	"github.com/betrusted-io/xous-core-sub012/internal/basis"
	"github.com/betrusted-io/xous-core-sub012/internal/crypto"
	"github.com/betrusted-io/xous-core-sub012/internal/pagetable"
	"github.com/betrusted-io/xous-core-sub012/internal/storage"
)

const DefaultCachePages = 64

type Options struct {
	Logger *zap.Logger
	Clock  clockwork.Clock
	KDF    crypto.KDFParams
	Policy Policy
	// CachePages bounds the plaintext page cache; negative disables it.
	CachePages int
	// ChaffRatio is the fraction of data pages Format fills with noise.
	ChaffRatio float64
	Registerer prometheus.Registerer
	Audit      *audit.Log
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.KDF == (crypto.KDFParams{}) {
		o.KDF = crypto.DefaultDesktopKDF()
	}
	if o.CachePages == 0 {
		o.CachePages = DefaultCachePages
	}
	if o.ChaffRatio < 0 || o.ChaffRatio > 1 {
		o.ChaffRatio = 0
	}
	if o.Registerer == nil {
		o.Registerer = prometheus.NewRegistry()
	}
}

type cacheKey struct {
	owner pagetable.Owner
	virt  pagetable.VirtAddr
}

// DB is the plausibly deniable store on one medium. It is not safe for
// concurrent use; Server runs it on a single worker goroutine.
type DB struct {
	lg    *zap.Logger
	opts  Options
	clock clockwork.Clock

	medium    *pagetable.Medium
	table     *pagetable.Table
	header    pagetable.Header
	formatted bool

	bases     []*openBasis
	nextOwner pagetable.Owner
	lock      *lockout
	cache     *lru.Cache

	handles    map[uint64]*KeyHandle
	nextHandle uint64

	suspended bool
	closed    bool
	metrics   *Metrics
	audit     *audit.Log

	// maxValue bounds a value length: no value can outgrow the medium.
	maxValue uint64
}

// Open attaches to a medium. An unformatted medium opens fine; mounts then
// report Uninit until Format is called.
func Open(ctx context.Context, back storage.Backing, opts Options) (*DB, error) {
	opts.setDefaults()
	if err := back.Geometry().Validate(); err != nil {
		return nil, err
	}
	m := pagetable.NewMedium(back)
	db := &DB{
		lg:      opts.Logger,
		opts:    opts,
		clock:   opts.Clock,
		medium:  m,
		table:   pagetable.NewTable(opts.Logger.Named("pagetable"), m),
		lock:    newLockout(opts.Policy, opts.Clock),
		handles: map[uint64]*KeyHandle{},
		audit:   opts.Audit,

		maxValue: uint64(back.Geometry().Pages()) * basis.DataPerPage,
	}
	if opts.CachePages > 0 {
		db.cache = lru.New(opts.CachePages)
	}
	db.table.SetRelocator(db)
	metrics, err := newMetrics(opts.Registerer, db)
	if err != nil {
		return nil, err
	}
	db.metrics = metrics

	if err := db.loadHeader(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *DB) loadHeader(ctx context.Context) error {
	h, err := db.medium.ReadHeader(ctx)
	switch {
	case errors.Is(err, pagetable.ErrUnformatted):
		db.formatted = false
		return nil
	case err != nil:
		return err
	}
	if h.Version != pagetable.HeaderVersion {
		return fmt.Errorf("%w: version %d", pagetable.ErrBadHeader, h.Version)
	}
	db.header = h
	db.formatted = true
	return db.table.Load(ctx)
}

// MaxValue is the largest value length the medium can hold.
func (db *DB) MaxValue() uint64 { return db.maxValue }

// checkSpan rejects a write of n bytes at off that wraps or ends past
// MaxValue.
func (db *DB) checkSpan(off uint64, n int) error {
	end := off + uint64(n)
	if end < off || end > db.maxValue {
		return fmt.Errorf("%w: %d bytes at offset %d", ErrTooLarge, n, off)
	}
	return nil
}

func (db *DB) Formatted() bool { return db.formatted }

// DeviceID identifies the medium the database lives on.
func (db *DB) DeviceID() []byte { return db.medium.DeviceID() }

// Format erases the whole medium, writes a fresh header and salt, and
// scatters chaff pages so the used-page count does not reveal how many
// bases exist.
func (db *DB) Format(ctx context.Context) error {
	if err := db.usable(); err != nil {
		return err
	}
	if len(db.bases) > 0 {
		return ErrBusy
	}
	geo := db.medium.Geometry()
	for bulk := 0; bulk < int(geo.TotalSize/int64(geo.BulkSize)); bulk++ {
		if err := db.medium.EraseBulk(ctx, bulk); err != nil {
			return fmt.Errorf("format: erase bulk %d: %w", bulk, err)
		}
	}
	h := pagetable.Header{Version: pagetable.HeaderVersion, Geometry: geo}
	if _, err := rand.Read(h.Salt[:]); err != nil {
		return err
	}

	chaff := 0
	if db.opts.ChaffRatio > 0 {
		page := make([]byte, pagetable.PageSize)
		for i := geo.PagesPerSector(); i < geo.Pages(); i++ {
			if mrand.Float64() >= db.opts.ChaffRatio {
				continue
			}
			if _, err := rand.Read(page); err != nil {
				return err
			}
			if err := db.medium.ProgramPage(ctx, pagetable.PhysFromPage(uint64(i)), page); err != nil {
				return fmt.Errorf("format: chaff: %w", err)
			}
			chaff++
		}
	}
	if err := db.medium.WriteHeader(ctx, h); err != nil {
		return fmt.Errorf("format: header: %w", err)
	}
	if err := db.medium.Sync(ctx); err != nil {
		return err
	}
	db.header = h
	db.formatted = true
	db.lock = newLockout(db.opts.Policy, db.clock)
	if err := db.table.Load(ctx); err != nil {
		return err
	}
	db.lg.Info("medium formatted", zap.Int("pages", geo.Pages()), zap.Int("chaff", chaff))
	db.audit.Append(audit.EventFormat, int64(chaff))
	return nil
}

func (db *DB) usable() error {
	switch {
	case db.closed:
		return ErrClosed
	case db.suspended:
		return ErrSuspended
	}
	return nil
}

func (db *DB) basisByOwner(id pagetable.Owner) *openBasis {
	for _, b := range db.bases {
		if b.id == id {
			return b
		}
	}
	return nil
}

func (db *DB) basisByName(name string) *openBasis {
	for _, b := range db.bases {
		if b.name == name {
			return b
		}
	}
	return nil
}

// Bases lists mounted basis names in mount order.
func (db *DB) Bases() []string {
	out := make([]string, 0, len(db.bases))
	for _, b := range db.bases {
		out = append(out, b.name)
	}
	return out
}

// SpaceStats is a snapshot of medium occupancy and activity.
type SpaceStats struct {
	Formatted bool               `json:"formatted"`
	Bases     int                `json:"bases"`
	PageSize  int                `json:"page_size"`
	Pages     pagetable.Stats    `json:"pages"`
	IO        pagetable.IOStats  `json:"io"`
	Reclaim   pagetable.Counters `json:"reclaim"`
}

func (db *DB) Stats() SpaceStats {
	return SpaceStats{
		Formatted: db.formatted,
		Bases:     len(db.bases),
		PageSize:  pagetable.PageSize,
		Pages:     db.table.Stats(),
		IO:        db.medium.IOStats(),
		Reclaim:   db.table.Counters(),
	}
}

// Close unmounts every basis, newest first, and closes the medium.
func (db *DB) Close(ctx context.Context) error {
	if db.closed {
		return nil
	}
	db.suspended = false
	var err error
	for i := len(db.bases) - 1; i >= 0; i-- {
		err = multierr.Append(err, db.Unmount(ctx, db.bases[i].name))
	}
	err = multierr.Append(err, db.medium.Backing().Close())
	db.closed = true
	return err
}

func (db *DB) cacheGet(b *openBasis, virt pagetable.VirtAddr) ([]byte, bool) {
	if db.cache == nil {
		return nil, false
	}
	v, ok := db.cache.Get(cacheKey{b.id, virt})
	if !ok {
		return nil, false
	}
	db.metrics.cacheHits.Inc()
	return v.([]byte), true
}

func (db *DB) cachePut(b *openBasis, virt pagetable.VirtAddr, body []byte) {
	if db.cache != nil {
		db.cache.Add(cacheKey{b.id, virt}, append([]byte(nil), body...))
	}
}

func (db *DB) cacheDrop(b *openBasis, virt pagetable.VirtAddr) {
	if db.cache != nil {
		db.cache.Remove(cacheKey{b.id, virt})
	}
}
