package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// File names of each category inside the journal directory
var fileNames = map[Category]string{
	FinishedRequests: "req.dat",
	CommandIds:       "commandIDs.dat",
	Connections:      "connectedClients.dat",
	OnOff:            "on-off.dat",
	RegisteredIds:    "ids.dat",
}

// FileJournal keeps one append-only text file per category in a directory
type FileJournal struct {
	dir    string
	mu     sync.Mutex
	files  map[Category]*os.File
	closed bool
}

// OpenFileJournal creates dir if needed and opens (or creates) every category file
func OpenFileJournal(dir string) (*FileJournal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	j := &FileJournal{
		dir:   dir,
		files: make(map[Category]*os.File, len(fileNames)),
	}
	for _, c := range Categories() {
		f, err := os.OpenFile(j.path(c), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
		if err != nil {
			j.closeFiles()
			return nil, fmt.Errorf("failed to open journal file %s: %w", fileNames[c], err)
		}
		j.files[c] = f
	}

	return j, nil
}

// Dir returns the journal directory
func (j *FileJournal) Dir() string {
	return j.dir
}

func (j *FileJournal) path(c Category) string {
	return filepath.Join(j.dir, fileNames[c])
}

// file must be called with mu held
func (j *FileJournal) file(c Category) (*os.File, error) {
	if j.closed {
		return nil, ErrClosed
	}
	f, ok := j.files[c]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCategory, uint8(c))
	}
	return f, nil
}

// Record appends one line to the category's file
func (j *FileJournal) Record(c Category, line string) error {
	if err := ValidateLine(line); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := j.file(c)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("failed to write %s journal: %w", c, err)
	}
	return nil
}

// ClearAndRecord truncates the category's file and writes a single line
func (j *FileJournal) ClearAndRecord(c Category, line string) error {
	if err := ValidateLine(line); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := j.file(c)
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("failed to clear %s journal: %w", c, err)
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("failed to write %s journal: %w", c, err)
	}
	return nil
}

// ReadAll returns the full content of the category's file
func (j *FileJournal) ReadAll(c Category) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.file(c); err != nil {
		return "", err
	}
	data, err := os.ReadFile(j.path(c))
	if err != nil {
		return "", fmt.Errorf("failed to read %s journal: %w", c, err)
	}
	return string(data), nil
}

// Close syncs and closes every category file. Closing twice is a no-op.
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	return j.closeFiles()
}

func (j *FileJournal) closeFiles() error {
	var firstErr error
	for c, f := range j.files {
		if err := f.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(j.files, c)
	}
	return firstErr
}

var _ Journal = (*FileJournal)(nil)
