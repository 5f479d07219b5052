package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/conorfennell/sprout/internal/fsrs"
	"github.com/conorfennell/sprout/internal/sync"
	"github.com/conorfennell/sprout/internal/watch"
	"github.com/conorfennell/sprout/internal/web"
)

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [document...]",
		Short: "Sync the whole vault, or only the named documents",
		Long: `Without arguments, sync runs a collection sync: every document is read,
cards that no longer exist anywhere are removed, and orphaned images are
moved to .trash. With arguments, only those documents are synced.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			var total sync.Summary
			if len(args) == 0 {
				total, err = a.engine.SyncCollection(ctx)
			} else {
				total, err = a.syncDocuments(ctx, args)
			}
			fmt.Fprintln(cmd.OutOrStdout(), total.Notice())
			return err
		},
	}
}

func (a *app) syncDocuments(ctx context.Context, args []string) (sync.Summary, error) {
	paths := make([]string, 0, len(args))
	for _, arg := range args {
		p, err := a.docPath(arg)
		if err != nil {
			return sync.Summary{}, err
		}
		paths = append(paths, p)
	}

	sums := make([]sync.Summary, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Concurrency)
	for i, p := range paths {
		g.Go(func() error {
			sum, err := a.engine.SyncDocument(gctx, p)
			sums[i] = sum
			return err
		})
	}
	err := g.Wait()

	var total sync.Summary
	for _, s := range sums {
		total.Add(s)
	}
	return total, err
}

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Sync once, then keep syncing documents as they change",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			sum, err := a.engine.SyncCollection(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sum.Notice())

			w, err := watch.New(a.root, a.engine, watch.Options{
				Debounce:    a.cfg.Watch.Debounce,
				Logger:      a.logger,
				Concurrency: a.cfg.Concurrency,
				OnSummary: func(s sync.Summary) {
					fmt.Fprintln(cmd.OutOrStdout(), s.Notice())
				},
			})
			if err != nil {
				return err
			}
			a.logger.Info("watching vault", "root", a.root, "debounce", a.cfg.Watch.Debounce)
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().Duration("watch.debounce", 500*time.Millisecond, "Quiet period before a changed document is synced")
	return cmd
}

func newQuarantineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quarantine",
		Short: "List cards that failed validation",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.close()

			entries := a.store.QuarantineEntries()
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "No quarantined cards.")
				return nil
			}
			for _, q := range entries {
				fmt.Fprintf(out, "%s:%d\t%s\t%s (%s)\n",
					q.NotePath, q.Line+1, q.ID, q.Reason, humanize.Time(q.QuarantinedAt))
			}
			return nil
		},
	}
}

func newGradeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "grade <card-id> <again|hard|good|easy>",
		Short: "Record a review of one card",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rating, err := fsrs.ParseRating(args[1])
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.close()

			next, err := a.reviewer.Grade(cmd.Context(), args[0], rating)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is due %s (%s)\n",
				args[0], humanize.Time(next.Due), next.Due.Local().Format(time.DateOnly))
			return nil
		},
	}
}

func newPullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Clone or update the vault from its git remote",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.close()

			if a.source == nil {
				return errNoRemote
			}
			a.source.Progress = cmd.ErrOrStderr()
			return a.source.Pull(cmd.Context())
		},
	}
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the review API on a local address",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			addr, _ := cmd.Flags().GetString("addr")
			srv := &http.Server{
				Addr:              addr,
				Handler:           web.NewServer(a.store, a.reviewer, a.engine, a.logger),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errc := make(chan error, 1)
			go func() {
				a.logger.Info("serving", "addr", addr)
				errc <- srv.ListenAndServe()
			}()

			select {
			case err := <-errc:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().String("addr", "127.0.0.1:8080", "Listen address")
	return cmd
}
