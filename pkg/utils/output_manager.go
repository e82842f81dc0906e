package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// OutputManager handles output file organization and path management
type OutputManager struct {
	BaseOutputDir string
}

// NewOutputManager creates a new output manager
func NewOutputManager(baseOutputDir string) *OutputManager {
	if baseOutputDir == "" {
		baseOutputDir = "."
	}
	return &OutputManager{
		BaseOutputDir: baseOutputDir,
	}
}

// EnsureOutputDirExists ensures the base output directory exists
func (om *OutputManager) EnsureOutputDirExists() error {
	return os.MkdirAll(om.BaseOutputDir, 0755)
}

// GetOutputFilePath generates a full path for an output file
func (om *OutputManager) GetOutputFilePath(fileName string) string {
	// Clean the filename to remove any path separators
	return filepath.Join(om.BaseOutputDir, filepath.Base(fileName))
}

// BackupPath returns the "_old" sibling of path: "a/Summary_tag.csv" -> "a/Summary_tag_old.csv".
func BackupPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "_old" + ext
}

// StagedFile is content written to a temp file next to its final path,
// waiting to be installed.
type StagedFile struct {
	Path   string
	Temp   string
	Bytes  int64
	SHA256 string
}

// StageFile writes through a temp file in the directory of path. Nothing
// at path is touched until Install.
func (om *OutputManager) StageFile(path string, write func(w io.Writer) error) (*StagedFile, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}

	h := sha256.New()
	cw := &countingWriter{w: io.MultiWriter(tmp, h)}
	err = write(cw)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmp.Name(), 0644)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return nil, err
	}
	return &StagedFile{
		Path:   path,
		Temp:   tmp.Name(),
		Bytes:  cw.n,
		SHA256: hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// Discard removes the temp file of a staged file that was not installed.
func (s *StagedFile) Discard() { os.Remove(s.Temp) }

// CheckReplaceable fails when path exists and is not a regular file.
func CheckReplaceable(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("%s exists and is not a regular file", path)
	}
	return nil
}

// Replacement records how a staged file was installed so that it can be
// undone until Finish.
type Replacement struct {
	Path string
	// Backup is set when the previous file was moved to its "_old" path.
	Backup string
	// RotateErr is set when the previous file could not be rotated and
	// was overwritten instead.
	RotateErr error

	stash     string
	installed bool
}

// Install moves the file at s.Path to its "_old" backup, then renames the
// staged file into place. A failed rotation is reported in RotateErr and
// does not stop the install. On error nothing has changed on disk.
func (om *OutputManager) Install(s *StagedFile) (*Replacement, error) {
	rep := &Replacement{Path: s.Path}
	backup, stash, err := rotate(s.Path)
	switch {
	case err == nil:
		rep.Backup, rep.stash = backup, stash
	case errors.Is(err, fs.ErrNotExist):
	default:
		rep.RotateErr = err
	}

	if err := os.Rename(s.Temp, s.Path); err != nil {
		rep.Undo()
		s.Discard()
		return nil, fmt.Errorf("failed to move file into place: %w", err)
	}
	rep.installed = true
	return rep, nil
}

// Undo restores the previous file and the previous backup. A file that
// was overwritten after a failed rotation cannot be restored and is kept.
func (r *Replacement) Undo() error {
	if r.Backup == "" {
		if r.installed && r.RotateErr == nil {
			r.installed = false
			return os.Remove(r.Path)
		}
		return nil
	}
	if err := os.Rename(r.Backup, r.Path); err != nil {
		return fmt.Errorf("restore %s: %w", r.Path, err)
	}
	r.installed = false
	r.Backup = ""
	if r.stash != "" {
		if err := os.Rename(r.stash, BackupPath(r.Path)); err != nil {
			return fmt.Errorf("restore %s: %w", BackupPath(r.Path), err)
		}
		r.stash = ""
	}
	return nil
}

// Finish drops the older backup kept for Undo.
func (r *Replacement) Finish() {
	if r.stash != "" {
		os.Remove(r.stash)
		r.stash = ""
	}
}

// rotate moves path to its "_old" backup. An existing backup is moved to a
// stash file first so it can be put back. It returns fs.ErrNotExist when
// there is nothing to rotate.
func rotate(path string) (backup, stash string, err error) {
	if _, err := os.Stat(path); err != nil {
		return "", "", err
	}
	backup = BackupPath(path)
	if _, err := os.Lstat(backup); err == nil {
		f, err := os.CreateTemp(filepath.Dir(backup), "."+filepath.Base(backup)+".*")
		if err != nil {
			return "", "", fmt.Errorf("rotate %s: %w", path, err)
		}
		f.Close()
		stash = f.Name()
		if err := os.Rename(backup, stash); err != nil {
			os.Remove(stash)
			return "", "", fmt.Errorf("rotate %s: %w", path, err)
		}
	}
	if err := os.Rename(path, backup); err != nil {
		if stash != "" {
			os.Rename(stash, backup)
		}
		return "", "", fmt.Errorf("rotate %s: %w", path, err)
	}
	return backup, stash, nil
}

// GetFileType determines the file type based on extension
func (om *OutputManager) GetFileType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	switch ext {
	case ".csv":
		return "csv"
	case ".json":
		return "json"
	default:
		return "unknown"
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
