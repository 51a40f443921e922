package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/betrusted-io/xous-core-sub012/internal/auth"
	"github.com/betrusted-io/xous-core-sub012/internal/backup"
	"github.com/betrusted-io/xous-core-sub012/internal/crypto"
	"github.com/betrusted-io/xous-core-sub012/internal/pddb"
	"github.com/betrusted-io/xous-core-sub012/internal/server"
)

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "pddbctl",
		Short:         "Administer a plausibly deniable key-value store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
		PersistentPostRun: func(*cobra.Command, []string) { a.teardown() },
	}
	root.PersistentFlags().StringVarP(&a.cfgPath, "config", "c", "", "YAML config file")
	root.PersistentFlags().StringArrayVarP(&a.bases, "basis", "b", nil, "basis to mount, repeatable; later ones take precedence")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newFormatCmd(a),
		newCreateCmd(a),
		newMountCheckCmd(a),
		newPutCmd(a),
		newGetCmd(a),
		newLsCmd(a),
		newRmCmd(a),
		newStatsCmd(a),
		newBackupCmd(a),
		newRestoreCmd(a),
		newHashCmd(a),
		newConfigCmd(a),
	)
	return root
}

func newFormatCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "format",
		Short: "Erase the medium and lay down a fresh header and chaff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("format destroys every basis; pass --yes to confirm")
			}
			return a.withDB(cmd.Context(), false, func(s *pddb.Server) error {
				_, err := do(cmd.Context(), s, pddb.Request{Op: pddb.OpFormat})
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm")
	return cmd
}

func newCreateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "create NAME",
		Short: "Create a basis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := a.prompt("new password for " + args[0])
			if err != nil {
				return err
			}
			defer crypto.Zero(pw)
			confirm, err := a.prompt("repeat password")
			if err != nil {
				return err
			}
			defer crypto.Zero(confirm)
			if string(pw) != string(confirm) {
				return fmt.Errorf("passwords do not match")
			}
			return a.withDB(cmd.Context(), false, func(s *pddb.Server) error {
				_, err := do(cmd.Context(), s, pddb.Request{Op: pddb.OpCreate, Basis: args[0], Password: pw})
				return err
			})
		},
	}
}

func newMountCheckCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mount-check",
		Short: "Mount the --basis list and report the open bases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withDB(cmd.Context(), true, func(s *pddb.Server) error {
				resp, err := do(cmd.Context(), s, pddb.Request{Op: pddb.OpListBases})
				if err != nil {
					return err
				}
				for _, n := range resp.Names {
					fmt.Fprintln(a.out, n)
				}
				return nil
			})
		},
	}
}

func parseMode(s string) (pddb.WriteMode, error) {
	switch s {
	case "latest":
		return pddb.UpdateLatest, nil
	case "opened":
		return pddb.UpdateOpened, nil
	}
	return 0, fmt.Errorf("--mode must be latest or opened")
}

func newPutCmd(a *app) *cobra.Command {
	var (
		value string
		file  string
		mode  string
	)
	cmd := &cobra.Command{
		Use:   "put /DICT/KEY",
		Short: "Write a value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dict, key, err := pddb.SplitPath(args[0])
			if err != nil {
				return err
			}
			m, err := parseMode(mode)
			if err != nil {
				return err
			}
			data := []byte(value)
			if file != "" {
				if data, err = os.ReadFile(file); err != nil {
					return err
				}
			}
			return a.withDB(cmd.Context(), true, func(s *pddb.Server) error {
				_, err := do(cmd.Context(), s, pddb.Request{Op: pddb.OpPut, Dict: dict, Key: key, Data: data, Mode: m})
				return err
			})
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "value to store")
	cmd.Flags().StringVar(&file, "file", "", "read the value from a file")
	cmd.Flags().StringVar(&mode, "mode", "latest", "latest writes the newest basis; opened updates every open copy")
	return cmd
}

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get /DICT/KEY",
		Short: "Print a value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dict, key, err := pddb.SplitPath(args[0])
			if err != nil {
				return err
			}
			return a.withDB(cmd.Context(), true, func(s *pddb.Server) error {
				resp, err := do(cmd.Context(), s, pddb.Request{Op: pddb.OpGet, Dict: dict, Key: key})
				if err != nil {
					return err
				}
				_, err = a.out.Write(resp.Data)
				return err
			})
		},
	}
}

func newLsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ls [DICT]",
		Short: "List dictionaries, or the keys of one dictionary",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := pddb.Request{Op: pddb.OpListDictionaries}
			if len(args) == 1 {
				req = pddb.Request{Op: pddb.OpListKeys, Dict: strings.Trim(args[0], "/")}
			}
			return a.withDB(cmd.Context(), true, func(s *pddb.Server) error {
				resp, err := do(cmd.Context(), s, req)
				if err != nil {
					return err
				}
				for _, n := range resp.Names {
					fmt.Fprintln(a.out, n)
				}
				return nil
			})
		},
	}
}

func newRmCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rm /DICT[/KEY]",
		Short: "Delete a key, or a whole dictionary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := strings.Trim(args[0], "/")
			req := pddb.Request{Op: pddb.OpDeleteDictionary, Dict: path}
			if strings.Contains(path, "/") {
				dict, key, err := pddb.SplitPath("/" + path)
				if err != nil {
					return err
				}
				req = pddb.Request{Op: pddb.OpDeleteKey, Dict: dict, Key: key}
			}
			return a.withDB(cmd.Context(), true, func(s *pddb.Server) error {
				_, err := do(cmd.Context(), s, req)
				return err
			})
		},
	}
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show medium occupancy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withDB(cmd.Context(), len(a.bases) > 0, func(s *pddb.Server) error {
				resp, err := do(cmd.Context(), s, pddb.Request{Op: pddb.OpStats})
				if err != nil {
					return err
				}
				writeStats(a.out, resp.Stats)
				return nil
			})
		},
	}
}

func writeStats(w io.Writer, st pddb.SpaceStats) {
	size := func(pages int) string { return humanize.IBytes(uint64(pages) * uint64(st.PageSize)) }
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "formatted\t%v\n", st.Formatted)
	fmt.Fprintf(tw, "open bases\t%d\n", st.Bases)
	fmt.Fprintf(tw, "total\t%s\t%s pages\n", size(st.Pages.Total), humanize.Comma(int64(st.Pages.Total)))
	fmt.Fprintf(tw, "free\t%s\t%s pages\n", size(st.Pages.Free), humanize.Comma(int64(st.Pages.Free)))
	fmt.Fprintf(tw, "used\t%s\t%s pages\n", size(st.Pages.Used), humanize.Comma(int64(st.Pages.Used)))
	fmt.Fprintf(tw, "unaccounted\t%s\t%s pages\n", size(st.Pages.Foreign), humanize.Comma(int64(st.Pages.Foreign)))
	fmt.Fprintf(tw, "dirty\t%s\t%s pages\n", size(st.Pages.Dirty), humanize.Comma(int64(st.Pages.Dirty)))
	fmt.Fprintf(tw, "reserved\t%s\t%s pages\n", size(st.Pages.Reserved), humanize.Comma(int64(st.Pages.Reserved)))
	fmt.Fprintf(tw, "io\t%s reads, %s programs, %s erases\n",
		humanize.Comma(int64(st.IO.Reads)), humanize.Comma(int64(st.IO.Programs)), humanize.Comma(int64(st.IO.Erases)))
	fmt.Fprintf(tw, "compactions\t%d (%d pages moved, %d rolled back)\n",
		st.Reclaim.Compactions, st.Reclaim.Relocated, st.Reclaim.Rollbacks)
	_ = tw.Flush()
}

// remoteFlags select a daemon's /api/vendor instead of the local medium.
type remoteFlags struct {
	url       string
	principal string
}

func (rf *remoteFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&rf.url, "remote", "", "daemon base URL; empty uses the local medium")
	cmd.Flags().StringVar(&rf.principal, "principal", "vendor", "daemon principal for --remote")
}

// transfer runs fn with a backup client over either the daemon or a local
// in-process responder.
func (a *app) transfer(ctx context.Context, rf remoteFlags, fn func(*backup.Client) error) error {
	if rf.url != "" {
		pw, err := a.prompt("daemon password for " + rf.principal)
		if err != nil {
			return err
		}
		defer crypto.Zero(pw)
		ch, err := server.Login(ctx, rf.url, rf.principal, pw, nil)
		if err != nil {
			return err
		}
		return fn(backup.NewClient(ch, a.cfg.KDF))
	}
	return a.withDB(ctx, false, func(s *pddb.Server) error {
		return fn(backup.NewClient(backup.NewResponder(a.lg, s), a.cfg.KDF))
	})
}

func newBackupCmd(a *app) *cobra.Command {
	var (
		out string
		rf  remoteFlags
	)
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Write a sealed image of the whole medium",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if out == "" {
				return fmt.Errorf("--out is required")
			}
			pass, err := a.prompt("backup passphrase")
			if err != nil {
				return err
			}
			defer crypto.Zero(pass)
			return a.transfer(cmd.Context(), rf, func(c *backup.Client) error {
				archive, err := c.Backup(cmd.Context(), pass)
				if err != nil {
					return err
				}
				if err := os.WriteFile(out, archive, 0o600); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "wrote %s (%s)\n", out, humanize.IBytes(uint64(len(archive))))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "archive path")
	rf.register(cmd)
	return cmd
}

func newRestoreCmd(a *app) *cobra.Command {
	var (
		in string
		rf remoteFlags
	)
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Replace the medium with a sealed image taken from the same device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			archive, err := os.ReadFile(in)
			if err != nil {
				return err
			}
			pass, err := a.prompt("backup passphrase")
			if err != nil {
				return err
			}
			defer crypto.Zero(pass)
			return a.transfer(cmd.Context(), rf, func(c *backup.Client) error {
				return c.Restore(cmd.Context(), pass, archive)
			})
		},
	}
	cmd.Flags().StringVarP(&in, "in", "i", "", "archive path")
	_ = cmd.MarkFlagRequired("in")
	rf.register(cmd)
	return cmd
}

func newHashCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Hash a daemon principal password for the config file",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			pw, err := a.prompt("password")
			if err != nil {
				return err
			}
			defer crypto.Zero(pw)
			h, err := auth.HashPassword(auth.DefaultArgon, pw)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, h)
			return nil
		},
	}
}

func newConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			out, err := a.cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = a.out.Write(out)
			return err
		},
	}
}
