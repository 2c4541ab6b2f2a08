package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/teilomillet/docuwise/config"
	"github.com/teilomillet/docuwise/internal/store"
)

func runQuery(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	topK := fs.Int("k", cfg.Search.TopK, "Number of chunks to retrieve")
	jsonOutput := fs.Bool("json", false, "Output the answer as JSON")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "USAGE:\n    docuwise query [options] \"<question>\"\n\nOPTIONS:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	question := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if question == "" {
		fs.Usage()
		return fmt.Errorf("question is required")
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ans, err := a.answerer.Answer(ctx, question, *topK)
	if err != nil {
		return err
	}
	if *jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(ans)
	}

	if ans.Text != "" {
		fmt.Println(ans.Text)
		fmt.Println()
	}
	if len(ans.Sources) == 0 {
		return nil
	}
	fmt.Println("Sources:")
	for i, s := range ans.Sources {
		fmt.Printf("  [%d] %s (page %d, chunk %d) score=%.4f\n", i+1, s.Filename, s.Page, s.ChunkID, s.Score)
	}
	return nil
}

func runFiles(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("files", flag.ContinueOnError)
	limit := fs.Int("limit", 10, "Number of files to list (1-100)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit < 1 || *limit > 100 {
		return fmt.Errorf("limit must be between 1 and 100")
	}

	// Listing only needs the metadata store.
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	files, err := store.NewFileStore(db).ListFiles(*limit)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFILENAME\tSIZE\tSTATUS\tCHUNKS\tUPLOADED")
	for _, f := range files {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%s\n", f.ID, f.SavedAs, f.SizeBytes, f.Status, f.ChunkCount, f.UploadedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}
