// Package jobfs manages the hierarchical per-job directory tree that is the
// system's source of truth. Every JSON record is written atomically
// (temp file + rename) so concurrent readers never observe a torn write.
package jobfs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Layout inside a job directory:
//
//	<root>/<job_id>/
//	    input.pdf          uploaded source document
//	    status.json        job status record
//	    pages.json         per-page task record
//	    manifest.json      intake metadata (filename, size, attachments)
//	    summary.json       cached aggregate summary
//	    pages/             rendered page images (page_XXX.png)
//	    cleaned/           cleaned page images ready for extraction
//	    ocr/               per-page result fragments (page_XXX.json)
//	                       and raw provider responses (page_XXX.raw.json)
//	    preview/           on-demand preview renders
const (
	inputFile    = "input.pdf"
	statusFile   = "status.json"
	pagesFile    = "pages.json"
	manifestFile = "manifest.json"
	summaryFile  = "summary.json"

	pagesDir   = "pages"
	cleanedDir = "cleaned"
	ocrDir     = "ocr"
	previewDir = "preview"
)

var pageNameRe = regexp.MustCompile(`^(?:page[_-]?)?(\d+)(?:\.\w+)?$`)

// Store resolves and manipulates job directories under a single root.
type Store struct {
	root string
}

// New creates the root directory if needed and returns a Store.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create data root: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the data root directory.
func (s *Store) Root() string { return s.root }

// JobDir returns the directory for a job id.
func (s *Store) JobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

// JobExists reports whether the job directory is present.
func (s *Store) JobExists(jobID string) bool {
	info, err := os.Stat(s.JobDir(jobID))
	return err == nil && info.IsDir()
}

// CreateJob lays out the directory tree for a new job and stores the input.
func (s *Store) CreateJob(jobID string, content []byte) error {
	dir := s.JobDir(jobID)
	for _, sub := range []string{pagesDir, cleanedDir, ocrDir, previewDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return fmt.Errorf("create job dirs: %w", err)
		}
	}
	if err := atomicWrite(filepath.Join(dir, inputFile), content, 0o644); err != nil {
		return fmt.Errorf("store input: %w", err)
	}
	return nil
}

// InputPath returns the stored source document path.
func (s *Store) InputPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), inputFile)
}

// PagesDir returns the rendered-pages directory.
func (s *Store) PagesDir(jobID string) string {
	return filepath.Join(s.JobDir(jobID), pagesDir)
}

// CleanedDir returns the cleaned-pages directory.
func (s *Store) CleanedDir(jobID string) string {
	return filepath.Join(s.JobDir(jobID), cleanedDir)
}

// PreviewDir returns the preview renders directory.
func (s *Store) PreviewDir(jobID string) string {
	return filepath.Join(s.JobDir(jobID), previewDir)
}

// PageImagePath returns the rendered image path for a canonical page name.
func (s *Store) PageImagePath(jobID, page string) string {
	return filepath.Join(s.PagesDir(jobID), page+".png")
}

// CleanedImagePath returns the cleaned image path for a canonical page name.
func (s *Store) CleanedImagePath(jobID, page string) string {
	return filepath.Join(s.CleanedDir(jobID), page+".png")
}

// FragmentPath returns the per-page result fragment path.
func (s *Store) FragmentPath(jobID, page string) string {
	return filepath.Join(s.JobDir(jobID), ocrDir, page+".json")
}

// RawResponsePath returns where the raw provider response for a page lives.
func (s *Store) RawResponsePath(jobID, page string) string {
	return filepath.Join(s.JobDir(jobID), ocrDir, page+".raw.json")
}

// StatusPath returns the job status record path.
func (s *Store) StatusPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), statusFile)
}

// PagesStatusPath returns the per-page task record path.
func (s *Store) PagesStatusPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), pagesFile)
}

// ManifestPath returns the intake manifest path.
func (s *Store) ManifestPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), manifestFile)
}

// SummaryPath returns the cached summary path.
func (s *Store) SummaryPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), summaryFile)
}

// FragmentExists reports whether the page's result fragment is on disk.
// Fragment presence is the definition of page success.
func (s *Store) FragmentExists(jobID, page string) bool {
	info, err := os.Stat(s.FragmentPath(jobID, page))
	return err == nil && !info.IsDir()
}

// ListFragments returns the canonical page names with a fragment present,
// sorted by page number.
func (s *Store) ListFragments(jobID string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.JobDir(jobID), ocrDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list fragments: %w", err)
	}
	var pages []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".raw.json") {
			continue
		}
		page, ok := NormalizePageName(strings.TrimSuffix(name, ".json"))
		if !ok {
			continue
		}
		pages = append(pages, page)
	}
	sort.Strings(pages)
	return pages, nil
}

// ListRenderedPages returns the canonical names of rendered page images,
// sorted by page number.
func (s *Store) ListRenderedPages(jobID string) ([]string, error) {
	entries, err := os.ReadDir(s.PagesDir(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list pages: %w", err)
	}
	var pages []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		page, ok := NormalizePageName(e.Name())
		if !ok {
			continue
		}
		pages = append(pages, page)
	}
	sort.Strings(pages)
	return pages, nil
}

// ReadJSON unmarshals the record at path into v.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// WriteJSON atomically writes v as indented JSON at path.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return atomicWrite(path, data, 0o644)
}

// Exists reports whether a regular file is present at path.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// NormalizePageName coerces tolerant page references ("3", "page_3",
// "page_003.png") into the canonical zero-padded form "page_003".
func NormalizePageName(raw string) (string, bool) {
	m := pageNameRe.FindStringSubmatch(strings.TrimSpace(strings.ToLower(raw)))
	if m == nil {
		return "", false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return "", false
	}
	return PageName(n), true
}

// PageName formats a 1-based page number as the canonical key.
func PageName(n int) string {
	return fmt.Sprintf("page_%03d", n)
}

// PageNumber parses a canonical page name back into its 1-based number.
func PageNumber(page string) (int, bool) {
	m := pageNameRe.FindStringSubmatch(page)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// atomicWrite writes data to a temp file in the target directory and renames
// it into place.
func atomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
