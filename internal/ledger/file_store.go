package ledger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// FileStore is a Chain whose sealed blocks are appended to a JSONL file,
// one block per line. Opening an existing file replays and verifies it.
type FileStore struct {
	*Chain

	mu     sync.Mutex
	path   string
	file   *os.File
	writer *bufio.Writer
	log    *slog.Logger
}

// OpenFileStore opens or creates the ledger file at path. A file that fails
// verification is an integrity error and is left untouched.
func OpenFileStore(path string, log *slog.Logger, opts ...ChainOption) (*FileStore, error) {
	if log == nil {
		log = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	fs := &FileStore{path: path, file: f, log: log}

	blocks, err := readBlocks(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}
	fs.writer = bufio.NewWriter(f)

	opts = append(opts, WithPersist(fs.append), WithLogger(log))
	if len(blocks) == 0 {
		fs.Chain, err = NewChain(opts...)
	} else {
		fs.Chain, err = Restore(blocks, opts...)
	}
	if err != nil {
		f.Close()
		return nil, err
	}
	log.Info("ledger_loaded", "path", path, "blocks", len(blocks), "tip", fs.Chain.Tip().Hash)
	return fs, nil
}

func readBlocks(r io.Reader) ([]Block, error) {
	var blocks []Block
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var b Block
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrIntegrity, line, err)
		}
		blocks = append(blocks, b)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return blocks, nil
}

func (fs *FileStore) append(b Block) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.file == nil {
		return fmt.Errorf("ledger file %s is closed", fs.path)
	}
	payload, err := json.Marshal(b)
	if err != nil {
		return err
	}
	if _, err := fs.writer.Write(payload); err != nil {
		return err
	}
	if err := fs.writer.WriteByte('\n'); err != nil {
		return err
	}
	if err := fs.writer.Flush(); err != nil {
		return err
	}
	return fs.file.Sync()
}

// Path returns the backing file path.
func (fs *FileStore) Path() string { return fs.path }

// Close flushes and closes the backing file.
func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.file == nil {
		return nil
	}
	err := fs.writer.Flush()
	if cerr := fs.file.Close(); err == nil {
		err = cerr
	}
	fs.file = nil
	return err
}
