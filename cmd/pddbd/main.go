package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/betrusted-io/xous-core-sub012/internal/audit"
	"github.com/betrusted-io/xous-core-sub012/internal/auth"
	"github.com/betrusted-io/xous-core-sub012/internal/backup"
	"github.com/betrusted-io/xous-core-sub012/internal/config"
	"github.com/betrusted-io/xous-core-sub012/internal/logutil"
	"github.com/betrusted-io/xous-core-sub012/internal/pddb"
	"github.com/betrusted-io/xous-core-sub012/internal/platform"
	"github.com/betrusted-io/xous-core-sub012/internal/server"
)

func main() {
	cfgPath := flag.String("config", "", "YAML config file")
	listen := flag.String("listen", "", "override server.listen")
	flag.Parse()

	if err := run(*cfgPath, *listen); err != nil {
		fmt.Fprintln(os.Stderr, "pddbd:", err)
		os.Exit(1)
	}
}

func run(cfgPath, listen string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Server.Listen = listen
	}
	lg, flush, err := logutil.New(cfg.Log)
	if err != nil {
		return err
	}
	defer flush()
	platform.Harden(lg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	back, err := cfg.Medium.OpenBacking(ctx)
	if err != nil {
		return err
	}
	policy, err := cfg.PddbPolicy()
	if err != nil {
		return err
	}
	ttl, err := cfg.TokenTTL()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	trail := audit.New(nil)
	db, err := pddb.Open(ctx, back, pddb.Options{
		Logger:     lg,
		KDF:        cfg.KDF,
		Policy:     policy,
		CachePages: cfg.CachePages,
		ChaffRatio: cfg.ChaffRatio,
		Registerer: reg,
		Audit:      trail,
	})
	if err != nil {
		_ = back.Close()
		return err
	}
	worker := pddb.NewServer(db)
	worker.Start()

	principals := []auth.Principal{{Name: "admin", Hash: cfg.Server.AdminHash, Roles: []auth.Role{auth.RoleAdmin}}}
	if cfg.Server.VendorHash != "" {
		principals = append(principals, auth.Principal{Name: "vendor", Hash: cfg.Server.VendorHash, Roles: []auth.Role{auth.RoleVendor}})
	}
	srv, err := server.New(worker, backup.NewResponder(lg, worker), server.Options{
		Logger:     lg,
		Issuer:     cfg.Server.JWTIssuer,
		TokenTTL:   ttl,
		Principals: principals,
		Gatherer:   reg,
	})
	if err != nil {
		_ = worker.Stop(context.Background())
		return err
	}

	hs := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		lg.Info("listening", zap.String("addr", cfg.Server.Listen), zap.String("medium", cfg.Medium.Kind))
		errc <- hs.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err = <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if serr := hs.Shutdown(shutdownCtx); serr != nil && err == nil {
		err = serr
	}
	if werr := worker.Stop(shutdownCtx); werr != nil && err == nil {
		err = werr
	}
	if verr := trail.Verify(); verr != nil {
		lg.Error("audit chain broken", zap.Error(verr))
	}
	lg.Info("stopped", zap.Int("audit_entries", len(trail.Entries())))
	return err
}
