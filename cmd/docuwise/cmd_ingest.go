package main

import (
	"context"
	"flag"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/teilomillet/docuwise/config"
	"github.com/teilomillet/docuwise/internal/api"
	"github.com/teilomillet/docuwise/internal/store"
	"github.com/teilomillet/docuwise/rag"
)

func runIngest(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	workers := fs.Int("workers", cfg.Server.IngestWorkers, "Files ingested in parallel")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `USAGE:
    docuwise ingest [options] <path|glob|url>...

EXAMPLES:
    docuwise ingest report.pdf
    docuwise ingest "papers/**/*.pdf"
    docuwise ingest https://example.com/paper.pdf

OPTIONS:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return fmt.Errorf("no input given")
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	var paths, urls []string
	for _, arg := range fs.Args() {
		if rag.IsURL(arg) {
			urls = append(urls, arg)
			continue
		}
		matches, err := a.loader.Glob(arg)
		if err != nil {
			return err
		}
		if len(matches) == 0 {
			return fmt.Errorf("no files match %s", arg)
		}
		paths = append(paths, matches...)
	}

	// Ingestion goes through the same status bookkeeping as the API.
	h := api.NewHandler(api.Deps{
		Loader:    a.loader,
		Files:     a.files,
		Ingestor:  a.ingestor,
		Retriever: a.retriever,
		Answerer:  a.answerer,
		Logger:    a.logger,
	})

	bar := newProgress(len(paths) + len(urls))
	var mu sync.Mutex
	var failed []string
	report := func(input string, err error) {
		mu.Lock()
		defer mu.Unlock()
		bar.Increment()
		if err != nil {
			failed = append(failed, input)
			a.logger.Error("Failed to ingest", "input", input, "error", err)
		}
	}

	var g errgroup.Group
	g.SetLimit(max(*workers, 1))
	for _, p := range paths {
		g.Go(func() error {
			report(p, ingestLocal(ctx, a, h, p))
			return nil
		})
	}
	for _, u := range urls {
		g.Go(func() error {
			report(u, ingestURL(ctx, a, h, u))
			return nil
		})
	}
	g.Wait()
	bar.Finish()

	done := len(paths) + len(urls) - len(failed)
	fmt.Printf("Ingested %d file(s)\n", done)
	if len(failed) > 0 {
		return fmt.Errorf("%d file(s) failed: %v", len(failed), failed)
	}
	return nil
}

func ingestLocal(ctx context.Context, a *app, h *api.Handler, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	saved, err := a.loader.SaveUpload(filepath.Base(path), f, time.Now())
	if err != nil {
		return err
	}
	return register(ctx, a, h, saved)
}

func ingestURL(ctx context.Context, a *app, h *api.Handler, rawURL string) error {
	saved, err := a.loader.LoadURL(ctx, rawURL)
	if err != nil {
		return err
	}
	return register(ctx, a, h, saved)
}

func register(ctx context.Context, a *app, h *api.Handler, saved rag.SavedFile) error {
	rec := &store.File{
		OriginalFilename: saved.OriginalName,
		SavedAs:          saved.SavedAs,
		SavedPath:        saved.Path,
		SizeBytes:        saved.Size,
		ContentType:      mime.TypeByExtension(filepath.Ext(saved.SavedAs)),
		UploadedAt:       saved.Timestamp,
	}
	if err := a.files.CreateFile(rec); err != nil {
		a.loader.Remove(saved.SavedAs)
		return err
	}
	return h.ProcessFile(ctx, rec.ID)
}
