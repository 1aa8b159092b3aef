package writer

import (
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/spf13/afero"

	"github.com/go-scripts/perseus-capture/internal/types"
)

// Dumper keeps a copy of every relevant response body for diagnosis
type Dumper struct {
	fs  afero.Fs
	dir string
	seq atomic.Int64
}

// NewDumper creates a Dumper writing into dir
func NewDumper(fs afero.Fs, dir string) (*Dumper, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create dump directory: %w", err)
	}
	return &Dumper{fs: fs, dir: dir}, nil
}

// Dump writes the exchange body as <seq>_<operation>.json and returns the path
func (d *Dumper) Dump(ex types.Exchange, op string) (string, error) {
	if op == "" {
		op = "unknown"
	}
	n := d.seq.Add(1)
	path := filepath.Join(d.dir, fmt.Sprintf("%05d_%s.json", n, sanitizeFilename(op)))
	if err := atomicWrite(d.fs, path, ex.Body); err != nil {
		return "", err
	}
	return path, nil
}
