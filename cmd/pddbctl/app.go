package main

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/betrusted-io/xous-core-sub012/internal/config"
	"github.com/betrusted-io/xous-core-sub012/internal/crypto"
	"github.com/betrusted-io/xous-core-sub012/internal/logutil"
	"github.com/betrusted-io/xous-core-sub012/internal/pddb"
)

// app is the state shared by every subcommand: the config, the stdin
// reader secrets are prompted from, and the bases to mount.
type app struct {
	cfgPath string
	bases   []string
	verbose bool

	cfg  config.Config
	lg   *zap.Logger
	done func()
	in   *bufio.Reader
	out  io.Writer
	errw io.Writer
}

func (a *app) setup(in io.Reader, out, errw io.Writer) error {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}
	if a.verbose {
		cfg.Log.Level = "debug"
	} else if cfg.Log.File == "" {
		cfg.Log.Level = "warn"
	}
	lg, done, err := logutil.New(cfg.Log)
	if err != nil {
		return err
	}
	a.cfg, a.lg, a.done = cfg, lg, done
	a.in, a.out, a.errw = bufio.NewReader(in), out, errw
	return nil
}

func (a *app) teardown() {
	if a.done != nil {
		a.done()
	}
}

// open starts a worker over the configured medium. The caller stops it.
func (a *app) open(ctx context.Context) (*pddb.Server, error) {
	back, err := a.cfg.Medium.OpenBacking(ctx)
	if err != nil {
		return nil, err
	}
	policy, err := a.cfg.PddbPolicy()
	if err != nil {
		_ = back.Close()
		return nil, err
	}
	db, err := pddb.Open(ctx, back, pddb.Options{
		Logger:     a.lg,
		KDF:        a.cfg.KDF,
		Policy:     policy,
		CachePages: a.cfg.CachePages,
		ChaffRatio: a.cfg.ChaffRatio,
		Registerer: prometheus.NewRegistry(),
	})
	if err != nil {
		_ = back.Close()
		return nil, err
	}
	s := pddb.NewServer(db)
	s.Start()
	return s, nil
}

// prompt reads one line from stdin. The returned slice is the caller's to
// wipe.
func (a *app) prompt(label string) ([]byte, error) {
	fmt.Fprintf(a.errw, "%s: ", label)
	line, err := a.in.ReadBytes('\n')
	if err != nil && (err != io.EOF || len(line) == 0) {
		return nil, err
	}
	if n := len(line); n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
	}
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, nil
}

// mountAll mounts --basis names in order, so later ones shadow earlier ones.
func (a *app) mountAll(ctx context.Context, s *pddb.Server) error {
	if len(a.bases) == 0 {
		return fmt.Errorf("at least one --basis is required")
	}
	for _, name := range a.bases {
		pw, err := a.prompt("password for " + name)
		if err != nil {
			return err
		}
		resp := s.Do(ctx, pddb.Request{Op: pddb.OpMount, Basis: name, Password: pw})
		crypto.Zero(pw)
		if resp.Err != nil {
			return resp.Err
		}
		if resp.Outcome.Kind != pddb.Correct {
			return fmt.Errorf("mount %s: %s", name, resp.Outcome)
		}
	}
	return nil
}

// withDB runs fn against a started worker and stops it afterwards, which
// syncs and unmounts everything.
func (a *app) withDB(ctx context.Context, mount bool, fn func(*pddb.Server) error) (err error) {
	s, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if serr := s.Stop(ctx); err == nil {
			err = serr
		}
	}()
	if mount {
		if err := a.mountAll(ctx, s); err != nil {
			return err
		}
	}
	return fn(s)
}

func do(ctx context.Context, s *pddb.Server, r pddb.Request) (pddb.Response, error) {
	resp := s.Do(ctx, r)
	return resp, resp.Err
}
