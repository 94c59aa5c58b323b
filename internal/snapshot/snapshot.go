// Package snapshot reads and writes the compressed on-disk crawl state
// artifacts. The layout is one directory per domain containing one
// subdirectory per crawl run, each holding a compressed state file plus a
// separate compressed page-data store:
//
//	<base>/<domain>/<run>/state.json.gz
//	<base>/<domain>/<run>/pages.json.gz
//
// Run directory names are zero-padded UTC timestamps so lexicographic
// ordering matches chronological ordering.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/sitevitals/siteaudit/internal/audit"
)

const (
	stateFileName = "state.json.gz"
	pagesFileName = "pages.json.gz"
	runDirFormat  = "20060102T150405.000000000"
)

// Loader reconstructs persisted crawl state. It is strictly read-only.
type Loader struct {
	baseDir string
}

// NewLoader constructs a Loader rooted at baseDir.
func NewLoader(baseDir string) *Loader {
	return &Loader{baseDir: baseDir}
}

// Load selects the most recent run directory for the domain and parses its
// state file. Failures wrap audit.ErrStateLoad.
func (l *Loader) Load(ctx context.Context, domain string) (*audit.CrawlState, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", audit.ErrStateLoad, err)
	}
	domainDir := filepath.Join(l.baseDir, domain)
	entries, err := os.ReadDir(domainDir)
	if err != nil {
		return nil, fmt.Errorf("%w: read artifact dir %s: %v", audit.ErrStateLoad, domainDir, err)
	}

	runs := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			runs = append(runs, entry.Name())
		}
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("%w: no crawl runs for domain %s", audit.ErrStateLoad, domain)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(runs)))

	statePath := filepath.Join(domainDir, runs[0], stateFileName)
	state, err := readState(statePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", audit.ErrStateLoad, statePath, err)
	}
	if state.Domain == "" {
		state.Domain = domain
	}
	return state, nil
}

func readState(path string) (*audit.CrawlState, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()

	var state audit.CrawlState
	if err := json.NewDecoder(gz).Decode(&state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &state, nil
}

// Writer persists crawl state artifacts. The crawler uses it at the end of
// a run; this service never rewrites an existing run directory.
type Writer struct {
	baseDir string
	clock   audit.Clock
}

// NewWriter constructs a Writer rooted at baseDir.
func NewWriter(baseDir string, clock audit.Clock) *Writer {
	return &Writer{baseDir: baseDir, clock: clock}
}

// Write creates a new run directory for the state's domain and writes the
// compressed state file and page-data store. It returns the run directory.
func (w *Writer) Write(state *audit.CrawlState) (string, error) {
	if state == nil || state.Domain == "" {
		return "", fmt.Errorf("state with domain is required")
	}
	runDir := filepath.Join(w.baseDir, state.Domain, w.clock.Now().UTC().Format(runDirFormat))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}

	if err := writeGzipJSON(filepath.Join(runDir, stateFileName), state); err != nil {
		return "", fmt.Errorf("write state file: %w", err)
	}

	pages := make([]audit.PageStats, 0, len(state.Stats))
	for _, stats := range state.Stats {
		pages = append(pages, stats)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].URL < pages[j].URL })
	if err := writeGzipJSON(filepath.Join(runDir, pagesFileName), pages); err != nil {
		return "", fmt.Errorf("write page store: %w", err)
	}
	return runDir, nil
}

// writeGzipJSON writes through a temp file and renames so a concurrent
// reader never sees a truncated artifact.
func writeGzipJSON(path string, payload any) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(f)
	enc := json.NewEncoder(gz)
	if err := enc.Encode(payload); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("close gzip: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// RunDirName formats a run directory name for the given time; exposed for
// tests that lay out artifact fixtures by hand.
func RunDirName(t time.Time) string {
	return t.UTC().Format(runDirFormat)
}
