package memory

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/harun/mnemo/internal/observability"
	"github.com/harun/mnemo/internal/tracing"
	"github.com/harun/mnemo/pkg/controlplane"
	"github.com/harun/mnemo/pkg/layout"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const journalFile = "journal.jsonl"

// maxLineSize bounds a single journal line when reading.
const maxLineSize = 16 * 1024 * 1024

// AppendHook is called after entries have been durably written.
type AppendHook func(ctx context.Context, projectKey, source string, entries []Entry)

// Config holds memory store configuration
type Config struct {
	ProjectKey string
	Dir        string // projects/<key>/memory
	Logger     zerolog.Logger
	OnAppend   AppendHook // Optional
}

// Store is the memory journal of one project.
type Store struct {
	projectKey string
	dir        string
	logger     zerolog.Logger
	onAppend   AppendHook
	partitions map[string]*partition
	mu         sync.Mutex
	now        func() time.Time
}

// partition caches the id set and entry count of one source journal. The
// cache is valid while the journal size matches size; fields are guarded by mu.
type partition struct {
	mu     sync.Mutex
	loaded bool
	ids    map[string]struct{}
	count  int
	size   int64
}

// New opens the memory store of a project. The project's memory directory
// must already exist; New never creates project structure.
func New(cfg Config) (*Store, error) {
	observability.EnsureRegistered()

	if err := layout.ValidateKey(cfg.ProjectKey); err != nil {
		return nil, err
	}
	info, err := os.Stat(cfg.Dir)
	if os.IsNotExist(err) || (err == nil && !info.IsDir()) {
		return nil, fmt.Errorf("%w: %s", controlplane.ErrProjectNotFound, cfg.ProjectKey)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %w", layout.ErrStorageIO, cfg.Dir, err)
	}

	return &Store{
		projectKey: cfg.ProjectKey,
		dir:        cfg.Dir,
		logger:     cfg.Logger.With().Str("component", "memory").Str("project", cfg.ProjectKey).Logger(),
		onAppend:   cfg.OnAppend,
		partitions: make(map[string]*partition),
		now:        time.Now,
	}, nil
}

// ProjectKey returns the project this store belongs to.
func (s *Store) ProjectKey() string {
	return s.projectKey
}

func (s *Store) journalPath(source string) string {
	return filepath.Join(s.dir, source, journalFile)
}

// partition gets or creates the cache and write lock of a source.
func (s *Store) partition(source string) *partition {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, exists := s.partitions[source]; exists {
		return p
	}
	p := &partition{}
	s.partitions[source] = p
	return p
}

// AppendBatch appends entries to the source journal and returns how many were
// new. Entries whose id already exists in the partition, or repeats an earlier
// id in the same batch, are skipped without error. The batch is validated as a
// whole before anything is written.
func (s *Store) AppendBatch(ctx context.Context, source string, entries []Entry) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSource(tracing.WithProjectKey(ctx, s.projectKey), source)
	ctx, span := tracing.StartSpan(ctx, "mnemo.memory", "memory.append_batch",
		attribute.Int("batch_size", len(entries)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)
	start := time.Now()

	if err := layout.ValidateSource(source); err != nil {
		return 0, tracing.Fail(span, err)
	}
	for _, e := range entries {
		if err := e.validate(); err != nil {
			return 0, tracing.Fail(span, err)
		}
	}
	if len(entries) == 0 {
		return 0, nil
	}

	p := s.partition(source)
	p.mu.Lock()
	written, err := s.appendLocked(source, p, entries)
	p.mu.Unlock()
	if err != nil {
		return 0, tracing.Fail(span, err)
	}

	duplicates := len(entries) - len(written)
	observability.RecordMemoryAppend(source, len(written), duplicates, time.Since(start))
	span.SetAttributes(attribute.Int("written", len(written)), attribute.Int("duplicates", duplicates))

	logger.Debug().
		Int("written", len(written)).
		Int("duplicates", duplicates).
		Msg("Memory batch appended")

	if len(written) > 0 && s.onAppend != nil {
		s.onAppend(ctx, s.projectKey, source, written)
	}
	return len(written), nil
}

func (s *Store) appendLocked(source string, p *partition, entries []Entry) ([]Entry, error) {
	if err := s.loadLocked(source, p); err != nil {
		return nil, err
	}

	syncedAt := s.now().UTC()
	var buf bytes.Buffer
	written := make([]Entry, 0, len(entries))
	batch := make(map[string]struct{}, len(entries))

	for _, e := range entries {
		if _, dup := p.ids[e.ID]; dup {
			continue
		}
		if _, dup := batch[e.ID]; dup {
			continue
		}
		batch[e.ID] = struct{}{}

		e.Source = source
		e.SyncedAt = syncedAt
		if e.Timestamp.IsZero() {
			e.Timestamp = syncedAt
		}
		if e.Metadata == nil {
			e.Metadata = map[string]interface{}{}
		}

		data, err := encodeEntry(e)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal entry %s: %w", e.ID, err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
		written = append(written, e)
	}

	if len(written) == 0 {
		return written, nil
	}

	sourceDir := filepath.Join(s.dir, source)
	if err := os.MkdirAll(sourceDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", layout.ErrStorageIO, sourceDir, err)
	}

	file, err := os.OpenFile(s.journalPath(source), os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer file.Close()

	// A crash can leave a partial last line. Terminate it so the first new
	// record starts on its own line.
	partial, err := unterminatedTail(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal tail: %w", err)
	}
	data := buf.Bytes()
	if partial {
		data = append([]byte{'\n'}, data...)
	}

	if _, err := file.Write(data); err != nil {
		// The journal may now hold part of the batch; rescan next time.
		p.loaded = false
		return nil, fmt.Errorf("failed to write journal: %w", err)
	}

	// Sync to disk
	if err := file.Sync(); err != nil {
		p.loaded = false
		return nil, fmt.Errorf("failed to sync journal: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		p.loaded = false
		return nil, fmt.Errorf("failed to stat journal: %w", err)
	}
	for id := range batch {
		p.ids[id] = struct{}{}
	}
	p.count += len(written)
	p.size = info.Size()
	return written, nil
}

// unterminatedTail reports whether a non-empty journal lacks a final newline.
func unterminatedTail(file *os.File) (bool, error) {
	info, err := file.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := file.ReadAt(last, info.Size()-1); err != nil {
		return false, err
	}
	return last[0] != '\n', nil
}

// loadLocked fills the partition cache from disk unless it still matches the
// journal size. Ids are taken from every line that names one, even when the
// rest of the line is unreadable, so such ids are never appended twice.
func (s *Store) loadLocked(source string, p *partition) error {
	var size int64
	info, err := os.Stat(s.journalPath(source))
	switch {
	case err == nil:
		size = info.Size()
	case os.IsNotExist(err):
	default:
		return fmt.Errorf("failed to stat journal: %w", err)
	}
	if p.loaded && p.size == size {
		return nil
	}

	ids := make(map[string]struct{})
	count := 0
	err = s.readLines(source, func(lineNum int, line []byte) {
		e, err := decodeEntry(line)
		if err == nil {
			ids[e.ID] = struct{}{}
			count++
			return
		}
		if id := decodeID(line); id != "" {
			ids[id] = struct{}{}
		}
		s.warnCorrupt(source, lineNum, err)
	})
	if err != nil {
		return err
	}

	p.ids = ids
	p.count = count
	p.size = size
	p.loaded = true
	return nil
}

func (s *Store) warnCorrupt(source string, lineNum int, err error) {
	s.logger.Warn().
		Err(err).
		Str("source", source).
		Int("line", lineNum).
		Msg("Skipping corrupt journal line")
}

// readLines calls fn for every non-blank line of the source journal.
func (s *Store) readLines(source string, fn func(lineNum int, line []byte)) error {
	file, err := os.Open(s.journalPath(source))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		fn(lineNum, line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}
	return nil
}

// scan calls fn for every readable entry in the source journal. Corrupt
// lines are logged and skipped.
func (s *Store) scan(source string, fn func(Entry)) error {
	return s.readLines(source, func(lineNum int, line []byte) {
		e, err := decodeEntry(line)
		if err != nil {
			s.warnCorrupt(source, lineNum, err)
			return
		}
		fn(e)
	})
}

// EntryCount returns the number of entries in the source partition.
func (s *Store) EntryCount(ctx context.Context, source string) (int, error) {
	if err := layout.ValidateSource(source); err != nil {
		return 0, err
	}

	p := s.partition(source)
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := s.loadLocked(source, p); err != nil {
		return 0, err
	}
	return p.count, nil
}

// Entries returns every entry of the source partition in append order.
func (s *Store) Entries(ctx context.Context, source string) ([]Entry, error) {
	if err := layout.ValidateSource(source); err != nil {
		return nil, err
	}

	p := s.partition(source)
	p.mu.Lock()
	defer p.mu.Unlock()

	entries := []Entry{}
	err := s.scan(source, func(e Entry) { entries = append(entries, e) })
	return entries, err
}

// Sources lists the partitions present on disk, sorted by name.
func (s *Store) Sources() ([]string, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", layout.ErrStorageIO, s.dir, err)
	}

	sources := []string{}
	for _, d := range dirEntries {
		if d.IsDir() && layout.ValidateSource(d.Name()) == nil {
			sources = append(sources, d.Name())
		}
	}
	sort.Strings(sources)
	return sources, nil
}

// Counts returns the entry count of every partition present on disk.
func (s *Store) Counts(ctx context.Context) (map[string]int, error) {
	sources, err := s.Sources()
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(sources))
	for _, source := range sources {
		n, err := s.EntryCount(ctx, source)
		if err != nil {
			return nil, err
		}
		counts[source] = n
	}
	return counts, nil
}
