package main

import (
	"os"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// progress draws an ingest bar on stderr. A nil *progress is a no-op so
// callers need not check whether stderr is a terminal.
type progress struct {
	bar *progressbar.ProgressBar
}

func newProgress(total int) *progress {
	if total <= 0 || !term.IsTerminal(int(os.Stderr.Fd())) {
		return nil
	}
	return &progress{bar: progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("ingesting"),
		progressbar.OptionSetWidth(32),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)}
}

func (p *progress) Increment() {
	if p == nil {
		return
	}
	_ = p.bar.Add(1)
}

func (p *progress) Finish() {
	if p == nil {
		return
	}
	_ = p.bar.Finish()
}
