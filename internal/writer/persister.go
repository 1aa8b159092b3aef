package writer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/afero"

	"github.com/go-scripts/perseus-capture/internal/dedup"
	"github.com/go-scripts/perseus-capture/internal/session"
	"github.com/go-scripts/perseus-capture/internal/types"
)

// Outcome is the result of a Persist call
type Outcome int

const (
	OutcomeWritten Outcome = iota
	OutcomeDuplicate
)

func (o Outcome) String() string {
	if o == OutcomeDuplicate {
		return "duplicate"
	}
	return "written"
}

const fileMode = 0o644

// ErrInvalidID rejects identifiers that cannot name a file unchanged.
// Rewriting them would let two identifiers share one file.
var ErrInvalidID = errors.New("identifier is not a usable file name")

// Persister writes question records to <dir>/<id>.json, at most once per
// identifier per session
type Persister struct {
	fs     afero.Fs
	dir    string
	seen   *dedup.Store
	logger *log.Logger
}

// New creates a Persister, creating the output directory if needed
func New(fs afero.Fs, dir string, seen *dedup.Store, logger *log.Logger) (*Persister, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Persister{fs: fs, dir: dir, seen: seen, logger: logger}, nil
}

// Dir returns the output directory
func (p *Persister) Dir() string {
	return p.dir
}

// Persist claims rec.ID in the dedup store and publishes the record
// atomically. A duplicate is not an error. On failure nothing is left at
// the final path, the claim is released and the session is told.
func (p *Persister) Persist(sess *session.Session, rec types.QuestionRecord, src types.Source) (Outcome, error) {
	if !types.ValidID(rec.ID) {
		return OutcomeWritten, fmt.Errorf("record %q: %w", rec.ID, ErrInvalidID)
	}
	if !p.seen.MarkSeen(rec.ID) {
		sess.Duplicate(rec.ID)
		p.logger.Debug("duplicate question skipped", "id", rec.ID, "source", src)
		return OutcomeDuplicate, nil
	}

	if err := p.write(rec); err != nil {
		p.seen.Forget(rec.ID)
		sess.Failed(rec.ID, session.WriteFailure, err)
		p.logger.Error("failed to save question", "id", rec.ID, "err", err)
		return OutcomeWritten, err
	}

	p.seen.Settle(rec.ID)
	count, at := sess.Captured(rec.ID, src)
	p.logger.Info("[SAVE] "+p.filename(rec.ID), "total", count, "source", src, "at", at.Format("15:04:05"))
	return OutcomeWritten, nil
}

func (p *Persister) write(rec types.QuestionRecord) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(rec); err != nil {
		return fmt.Errorf("failed to encode question: %w", err)
	}

	final := filepath.Join(p.dir, p.filename(rec.ID))
	return atomicWrite(p.fs, final, buf.Bytes())
}

// atomicWrite writes data to a temp file beside path, syncs it and renames
// it into place. The temp file is removed on any failure.
func atomicWrite(fs afero.Fs, path string, data []byte) (err error) {
	tmp, err := afero.TempFile(fs, filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = fs.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err = fs.Chmod(tmpName, fileMode); err != nil {
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err = fs.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to publish %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Existing lists identifiers that already have a file in the output directory
func (p *Persister) Existing() ([]string, error) {
	entries, err := afero.ReadDir(p.fs, p.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list output directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

func (p *Persister) filename(id string) string {
	return id + ".json"
}

// sanitizeFilename makes an operation name safe to use in a dump file name
func sanitizeFilename(id string) string {
	unsafe := []string{"/", "\\", ":", "*", "?", "\"", "<", ">", "|", " "}
	for _, char := range unsafe {
		id = strings.ReplaceAll(id, char, "_")
	}
	id = strings.TrimLeft(id, ".")
	if id == "" {
		return "_"
	}
	return id
}
