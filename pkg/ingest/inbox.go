package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const processedDir = "processed"

// InboxConnector reads batch files dropped into <dir>/<project>/<source>/.
// Files are moved to a processed/ subdirectory once their entries are stored.
type InboxConnector struct {
	dir    string
	source string
	now    func() time.Time

	mu      sync.Mutex
	pending map[string][]string
}

// NewInboxConnector creates a connector for source rooted at dir.
func NewInboxConnector(dir, source string) *InboxConnector {
	return &InboxConnector{
		dir:     dir,
		source:  source,
		now:     time.Now,
		pending: make(map[string][]string),
	}
}

func (c *InboxConnector) Source() string {
	return c.source
}

// Path returns the drop directory of a project.
func (c *InboxConnector) Path(projectKey string) string {
	return filepath.Join(c.dir, projectKey, c.source)
}

// Fetch decodes every *.json batch in the project's drop directory in name
// order. The cursor is not needed since consumed files are moved away.
func (c *InboxConnector) Fetch(ctx context.Context, projectKey string, _ Cursor) (*FetchResult, error) {
	dir := c.Path(projectKey)
	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	result := &FetchResult{}
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", filepath.Base(file), err)
		}
		batch, err := DecodeBatch(data, projectKey, c.source, c.now())
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(file), err)
		}

		result.Entries = append(result.Entries, batch.Entries...)
		if batch.LastItemID != nil {
			result.LastItemID = batch.LastItemID
		}
	}

	c.mu.Lock()
	c.pending[projectKey] = files
	c.mu.Unlock()
	return result, nil
}

// Commit moves the files of the last fetch into processed/.
func (c *InboxConnector) Commit(_ context.Context, projectKey string) error {
	c.mu.Lock()
	files := c.pending[projectKey]
	delete(c.pending, projectKey)
	c.mu.Unlock()

	if len(files) == 0 {
		return nil
	}

	done := filepath.Join(c.Path(projectKey), processedDir)
	if err := os.MkdirAll(done, 0755); err != nil {
		return err
	}

	var errs []error
	for _, file := range files {
		name := strings.TrimSuffix(filepath.Base(file), ".json")
		target := filepath.Join(done, fmt.Sprintf("%s.%s.json", name, c.now().UTC().Format("20060102T150405")))
		if err := os.Rename(file, target); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
