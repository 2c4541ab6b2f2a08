package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/teilomillet/docuwise/config"
	"github.com/teilomillet/docuwise/internal/api"
)

func runServe(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.StringVar(&cfg.Server.Addr, "addr", cfg.Server.Addr, "Listen address")
	fs.BoolVar(&cfg.Server.AutoIngest, "auto-ingest", cfg.Server.AutoIngest, "Ingest uploads in the background")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "USAGE:\n    docuwise serve [options]\n\nOPTIONS:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	h := api.NewHandler(api.Deps{
		Loader:        a.loader,
		Files:         a.files,
		Ingestor:      a.ingestor,
		Retriever:     a.retriever,
		Answerer:      a.answerer,
		Logger:        a.logger,
		AutoIngest:    cfg.Server.AutoIngest,
		IngestWorkers: cfg.Server.IngestWorkers,
	})
	if _, err := h.RecoverPending(); err != nil {
		return fmt.Errorf("failed to recover pending files: %w", err)
	}
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewRouter(h),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return h.RunQueue(gctx)
	})
	g.Go(func() error {
		a.logger.Info("Server listening", "addr", cfg.Server.Addr, "vector_db", cfg.VectorDB.Type, "auto_ingest", cfg.Server.AutoIngest)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
