package rag

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

var (
	// ErrFileTooLarge is returned when an upload exceeds the loader limit.
	ErrFileTooLarge = errors.New("file too large")
	// ErrInvalidName is returned for stored names that are not a bare file name.
	ErrInvalidName = errors.New("invalid file name")
)

// TimestampLayout is the suffix layout of stored uploads.
const TimestampLayout = "20060102_150405"

// Loader owns the upload directory. Uploaded and downloaded files are
// stored there under a timestamped name.
type Loader struct {
	dir     string
	maxSize int64
	client  *http.Client
	timeout time.Duration
	logger  Logger
}

// SavedFile describes a file written by the Loader.
type SavedFile struct {
	OriginalName string
	SavedAs      string
	Path         string
	Size         int64
	Timestamp    time.Time
}

// NewLoader returns a Loader storing files in dir.
func NewLoader(dir string, opts ...LoaderOption) *Loader {
	l := &Loader{
		dir:     dir,
		client:  http.DefaultClient,
		timeout: 30 * time.Second,
		logger:  GlobalLogger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LoaderOption is a functional option for configuring a Loader
type LoaderOption func(*Loader)

// WithHTTPClient sets the client used by LoadURL.
func WithHTTPClient(client *http.Client) LoaderOption {
	return func(l *Loader) {
		l.client = client
	}
}

// WithTimeout bounds a LoadURL download.
func WithTimeout(timeout time.Duration) LoaderOption {
	return func(l *Loader) {
		l.timeout = timeout
	}
}

// WithMaxSize rejects files larger than n bytes. Zero disables the check.
func WithMaxSize(n int64) LoaderOption {
	return func(l *Loader) {
		l.maxSize = n
	}
}

// WithLogger sets a custom logger for the Loader
func WithLogger(logger Logger) LoaderOption {
	return func(l *Loader) {
		l.logger = logger
	}
}

// Dir returns the upload directory.
func (l *Loader) Dir() string {
	return l.dir
}

// MaxSize returns the configured size limit in bytes.
func (l *Loader) MaxSize() int64 {
	return l.maxSize
}

// StoredName returns "<stem>_<YYYYMMDD_HHMMSS><ext>" for an uploaded name.
func StoredName(name string, now time.Time) string {
	base := filepath.Base(filepath.Clean("/" + name))
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return fmt.Sprintf("%s_%s%s", stem, now.Format(TimestampLayout), ext)
}

// SaveUpload copies r into the upload directory. A name already taken gets
// a numeric suffix. Nothing is left on disk when the copy fails or the
// file is over the size limit.
func (l *Loader) SaveUpload(name string, r io.Reader, now time.Time) (SavedFile, error) {
	if strings.TrimSpace(name) == "" {
		return SavedFile{}, fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return SavedFile{}, fmt.Errorf("create upload dir: %w", err)
	}

	savedAs := StoredName(name, now)
	out, savedAs, err := l.createUnique(savedAs)
	if err != nil {
		return SavedFile{}, err
	}
	dest := out.Name()

	src := r
	if l.maxSize > 0 {
		src = io.LimitReader(r, l.maxSize+1)
	}
	n, err := io.Copy(out, src)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil && l.maxSize > 0 && n > l.maxSize {
		err = fmt.Errorf("%w: limit %d bytes", ErrFileTooLarge, l.maxSize)
	}
	if err != nil {
		os.Remove(dest)
		return SavedFile{}, err
	}

	l.logger.Debug("Saved upload", "name", name, "saved_as", savedAs, "bytes", n)
	return SavedFile{
		OriginalName: name,
		SavedAs:      savedAs,
		Path:         dest,
		Size:         n,
		Timestamp:    now,
	}, nil
}

func (l *Loader) createUnique(savedAs string) (*os.File, string, error) {
	ext := filepath.Ext(savedAs)
	stem := strings.TrimSuffix(savedAs, ext)
	candidate := savedAs
	for i := 1; ; i++ {
		f, err := os.OpenFile(filepath.Join(l.dir, candidate), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, candidate, nil
		}
		if !os.IsExist(err) {
			return nil, "", fmt.Errorf("create %s: %w", candidate, err)
		}
		candidate = fmt.Sprintf("%s_%d%s", stem, i, ext)
	}
}

// Path resolves a stored name inside the upload directory. Names carrying
// a directory component are rejected.
func (l *Loader) Path(savedAs string) (string, error) {
	if savedAs == "" || savedAs == "." || savedAs == ".." ||
		strings.ContainsAny(savedAs, `/\`) || filepath.Base(savedAs) != savedAs {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, savedAs)
	}
	return filepath.Join(l.dir, savedAs), nil
}

// Remove deletes a stored file. A file already gone is not an error.
func (l *Loader) Remove(savedAs string) error {
	p, err := l.Path(savedAs)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// LoadURL downloads rawURL into the upload directory and returns the saved
// file.
func (l *Loader) LoadURL(ctx context.Context, rawURL string) (SavedFile, error) {
	l.logger.Debug("Starting LoadURL", "url", rawURL)
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	u, err := url.Parse(rawURL)
	if err != nil {
		return SavedFile{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return SavedFile{}, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		l.logger.Error("Failed to execute request", "url", rawURL, "error", err)
		return SavedFile{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return SavedFile{}, fmt.Errorf("download %s: status %d", rawURL, resp.StatusCode)
	}

	name := path.Base(u.Path)
	if name == "/" || name == "." {
		name = "download"
	}
	return l.SaveUpload(name, resp.Body, time.Now())
}

// Glob expands a pattern that may contain "**" into regular files, sorted
// as doublestar returns them.
func (l *Loader) Glob(pattern string) ([]string, error) {
	base, rel := doublestar.SplitPattern(filepath.ToSlash(pattern))
	matches, err := doublestar.Glob(os.DirFS(base), rel)
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", pattern, err)
	}
	var files []string
	for _, m := range matches {
		p := filepath.Join(base, filepath.FromSlash(m))
		info, err := os.Stat(p)
		if err != nil || info.IsDir() {
			continue
		}
		files = append(files, p)
	}
	return files, nil
}

// IsURL reports whether s is an http(s) URL.
func IsURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
