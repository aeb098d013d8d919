package batch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"gopkg.in/yaml.v3"
)

// Ledger remembers, across runs, how often each item was attempted and how it last ended. An item whose
// content changed since its last attempt starts counting again.
type Ledger struct {
	path string

	mu      sync.Mutex
	records map[string]Record
}

// Record is the ledger entry of one source reference.
type Record struct {
	SourceRef   string    `yaml:"source_ref"`
	Status      Status    `yaml:"status"`
	Attempts    int       `yaml:"attempts"`
	LastError   string    `yaml:"last_error,omitempty"`
	ContentHash string    `yaml:"content_hash,omitempty"`
	UpdatedAt   time.Time `yaml:"updated_at"`
}

type ledgerFile struct {
	SchemaVersion int      `yaml:"schema_version"`
	FileType      string   `yaml:"file_type"`
	Items         []Record `yaml:"items"`
}

const (
	ledgerSchemaVersion = 1
	ledgerFileType      = "episodic_ledger"
)

// OpenLedger loads the ledger at path. A missing file is an empty ledger; an empty path is a ledger
// that is never saved.
func OpenLedger(path string) (*Ledger, error) {
	l := &Ledger{path: path, records: make(map[string]Record)}
	if path == "" {
		return l, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}

	var f ledgerFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode ledger %s: %w", path, err)
	}
	if f.FileType != "" && f.FileType != ledgerFileType {
		return nil, fmt.Errorf("failed to decode ledger %s: unexpected file type %q", path, f.FileType)
	}
	for _, r := range f.Items {
		l.records[r.SourceRef] = r
	}

	return l, nil
}

// ContentHash is the hash recorded for content.
func ContentHash(content string) string {
	return strconv.FormatUint(xxhash.Sum64String(content), 16)
}

// Get returns the record of ref.
func (l *Ledger) Get(ref string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.records[ref]
	return r, ok
}

// Attempts returns how often ref was attempted with content of the given hash. An empty hash matches
// whatever was recorded.
func (l *Ledger) Attempts(ref, hash string) int {
	r, ok := l.Get(ref)
	if !ok {
		return 0
	}
	if hash != "" && r.ContentHash != "" && r.ContentHash != hash {
		return 0
	}
	return r.Attempts
}

// Record stores the outcome of one attempt on item.
func (l *Ledger) Record(item WorkItem, hash string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := l.records[item.SourceRef]
	if hash != "" && r.ContentHash != "" && r.ContentHash != hash {
		r.Attempts = 0
	}
	r.SourceRef = item.SourceRef
	r.Status = item.Status
	r.Attempts++
	r.LastError = ""
	if item.Err != nil {
		r.LastError = item.Err.Error()
	}
	if hash != "" {
		r.ContentHash = hash
	}
	r.UpdatedAt = time.Now().UTC()

	l.records[item.SourceRef] = r
}

// Save writes the ledger back to its file.
func (l *Ledger) Save() error {
	if l.path == "" {
		return nil
	}

	l.mu.Lock()
	f := ledgerFile{
		SchemaVersion: ledgerSchemaVersion,
		FileType:      ledgerFileType,
		Items:         make([]Record, 0, len(l.records)),
	}
	for _, r := range l.records {
		f.Items = append(f.Items, r)
	}
	l.mu.Unlock()

	sort.Slice(f.Items, func(i, j int) bool { return f.Items[i].SourceRef < f.Items[j].SourceRef })

	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode ledger: %w", err)
	}
	if err := writeAtomic(l.path, data); err != nil {
		return fmt.Errorf("failed to save ledger: %w", err)
	}
	return nil
}
