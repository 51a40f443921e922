package storage

import (
	"context"
	"sync"
)

// Faulty wraps a Backing and fails program or erase operations on demand.
// Tests use it to exercise the I/O failure paths of compaction.
type Faulty struct {
	Backing

	mu            sync.Mutex
	programBudget int // <0: unlimited
	failErase     bool
	programs      int
	erases        int
}

func NewFaulty(b Backing) *Faulty {
	return &Faulty{Backing: b, programBudget: -1}
}

// FailProgramsAfter lets n more program operations succeed, then fails all
// of them until Heal is called.
func (f *Faulty) FailProgramsAfter(n int) {
	f.mu.Lock()
	f.programBudget = n
	f.mu.Unlock()
}

func (f *Faulty) FailErases(fail bool) {
	f.mu.Lock()
	f.failErase = fail
	f.mu.Unlock()
}

func (f *Faulty) Heal() {
	f.mu.Lock()
	f.programBudget = -1
	f.failErase = false
	f.mu.Unlock()
}

// Counts returns the number of successful program and erase calls.
func (f *Faulty) Counts() (programs, erases int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.programs, f.erases
}

func (f *Faulty) Program(ctx context.Context, off int64, p []byte) error {
	f.mu.Lock()
	if f.programBudget == 0 {
		f.mu.Unlock()
		return ErrInjectedFail
	}
	if f.programBudget > 0 {
		f.programBudget--
	}
	f.programs++
	f.mu.Unlock()
	return f.Backing.Program(ctx, off, p)
}

func (f *Faulty) EraseSector(ctx context.Context, sector int) error {
	f.mu.Lock()
	if f.failErase {
		f.mu.Unlock()
		return ErrInjectedFail
	}
	f.erases++
	f.mu.Unlock()
	return f.Backing.EraseSector(ctx, sector)
}

func (f *Faulty) EraseBulk(ctx context.Context, bulk int) error {
	f.mu.Lock()
	if f.failErase {
		f.mu.Unlock()
		return ErrInjectedFail
	}
	f.erases++
	f.mu.Unlock()
	return f.Backing.EraseBulk(ctx, bulk)
}
