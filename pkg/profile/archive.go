package profile

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

const (
	// RecordEntry is the archive entry holding the profile record.
	RecordEntry = "profile.json"

	// DataPrefix prefixes archive entries mirroring the data directory.
	DataPrefix = "data/"

	exportTimeFormat = "20060102_150405"
)

// Export writes <name>_<YYYYMMDD_HHMMSS>.zip into targetDir and returns its
// path. The archive holds the pretty-printed record as profile.json and,
// when includeData is set, every file of the data directory under data/.
//
// Only the record lookup holds the store lock. The data directory is read
// without it, so concurrent readers never wait on archive I/O.
func (s *Store) Export(name, targetDir string, includeData bool) (string, error) {
	s.mu.Lock()
	p, exists := s.profiles[name]
	var record Profile
	if exists {
		record = *p
	}
	s.mu.Unlock()

	if !exists {
		return "", fmt.Errorf("%w: %s", ErrProfileNotFound, name)
	}

	dir, err := s.dataDir(name)
	if err != nil {
		return "", err
	}
	dataDir := ""
	if includeData {
		dataDir = dir
	}

	if err := os.MkdirAll(targetDir, 0750); err != nil {
		return "", fmt.Errorf("failed to create export directory: %w", err)
	}

	archivePath := filepath.Join(targetDir, fmt.Sprintf("%s_%s.zip", name, s.now().Format(exportTimeFormat)))

	if err := writeArchive(archivePath, record, dataDir); err != nil {
		os.Remove(archivePath)
		return "", err
	}

	return archivePath, nil
}

func writeArchive(archivePath string, p Profile, dataDir string) error {
	file, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer file.Close()

	zw := zip.NewWriter(file)

	record, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode profile: %w", err)
	}
	w, err := zw.Create(RecordEntry)
	if err != nil {
		return fmt.Errorf("failed to create %s entry: %w", RecordEntry, err)
	}
	if _, err := w.Write(record); err != nil {
		return fmt.Errorf("failed to write %s entry: %w", RecordEntry, err)
	}

	if dataDir != "" {
		if err := addDataDir(zw, dataDir); err != nil {
			return err
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finalize archive: %w", err)
	}
	return file.Close()
}

// addDataDir mirrors every regular file of dataDir under data/. A missing
// directory contributes nothing.
func addDataDir(zw *zip.Writer, dataDir string) error {
	if _, err := os.Stat(dataDir); os.IsNotExist(err) {
		return nil
	}

	return filepath.WalkDir(dataDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dataDir, p)
		if err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = DataPrefix + filepath.ToSlash(rel)
		header.Method = zip.Deflate

		w, err := zw.CreateHeader(header)
		if err != nil {
			return fmt.Errorf("failed to add %s: %w", rel, err)
		}

		src, err := os.Open(p)
		if err != nil {
			return err
		}
		defer src.Close()

		if _, err := io.Copy(w, src); err != nil {
			return fmt.Errorf("failed to add %s: %w", rel, err)
		}
		return nil
	})
}

// Import installs the profile held by an archive and returns its name.
// Archives without a usable profile.json yield an *ArchiveError. An existing
// name is ErrProfileExists unless overwrite is set, in which case the record
// and data directory are replaced.
//
// Data files are extracted into a staging directory first, so a failed
// import leaves any existing profile untouched.
func (s *Store) Import(archivePath string, overwrite bool) (string, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		if errors.Is(err, zip.ErrInsecurePath) {
			if r != nil {
				r.Close()
			}
			return "", &ArchiveError{Path: archivePath, Reason: ReasonUnsafePath, Err: err}
		}
		return "", &ArchiveError{Path: archivePath, Reason: ReasonUnreadable, Err: err}
	}
	defer r.Close()

	p, err := readRecord(archivePath, r.File)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.profiles[p.Name]
	if existed && !overwrite {
		return "", fmt.Errorf("%w: %s", ErrProfileExists, p.Name)
	}
	dataDir, err := s.dataDir(p.Name)
	if err != nil {
		return "", &ArchiveError{Path: archivePath, Reason: ReasonInvalidName, Err: err}
	}

	staging, err := os.MkdirTemp(s.dataRoot, ".import-*")
	if err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := extractData(archivePath, r.File, staging); err != nil {
		return "", err
	}

	if err := os.RemoveAll(dataDir); err != nil {
		return "", fmt.Errorf("failed to replace data directory: %w", err)
	}
	if err := os.Rename(staging, dataDir); err != nil {
		return "", fmt.Errorf("failed to install data directory: %w", err)
	}

	installed := p
	s.profiles[p.Name] = &installed
	if !existed {
		s.order = append(s.order, p.Name)
	}
	s.persist()

	return p.Name, nil
}

func readRecord(archivePath string, files []*zip.File) (Profile, error) {
	var entry *zip.File
	for _, f := range files {
		if f.Name == RecordEntry {
			entry = f
			break
		}
	}
	if entry == nil {
		return Profile{}, &ArchiveError{Path: archivePath, Reason: ReasonMissingRecord}
	}

	rc, err := entry.Open()
	if err != nil {
		return Profile{}, &ArchiveError{Path: archivePath, Reason: ReasonInvalidRecord, Err: err}
	}
	defer rc.Close()

	var p Profile
	if err := json.NewDecoder(rc).Decode(&p); err != nil {
		return Profile{}, &ArchiveError{Path: archivePath, Reason: ReasonInvalidRecord, Err: err}
	}

	if p.Name == "" {
		return Profile{}, &ArchiveError{Path: archivePath, Reason: ReasonMissingName}
	}
	if err := ValidateName(p.Name); err != nil {
		return Profile{}, &ArchiveError{Path: archivePath, Reason: ReasonInvalidName, Err: err}
	}

	return p, nil
}

// extractData writes every data/ entry below dest. All entry paths are
// checked before anything is written.
func extractData(archivePath string, files []*zip.File, dest string) error {
	type target struct {
		file *zip.File
		path string
	}

	var targets []target
	for _, f := range files {
		if !strings.HasPrefix(f.Name, DataPrefix) || strings.HasSuffix(f.Name, "/") {
			continue
		}

		rel := strings.TrimPrefix(f.Name, DataPrefix)
		clean := path.Clean(rel)
		if clean == "." || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
			return &ArchiveError{Path: archivePath, Reason: ReasonUnsafePath, Err: errors.New(f.Name)}
		}
		full := filepath.Join(dest, filepath.FromSlash(clean))
		if back, err := filepath.Rel(dest, full); err != nil || back == ".." || strings.HasPrefix(back, ".."+string(filepath.Separator)) {
			return &ArchiveError{Path: archivePath, Reason: ReasonUnsafePath, Err: errors.New(f.Name)}
		}
		targets = append(targets, target{file: f, path: full})
	}

	for _, t := range targets {
		if err := extractFile(t.file, t.path); err != nil {
			return fmt.Errorf("failed to extract %s: %w", t.file.Name, err)
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
		return err
	}

	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	mode := f.Mode().Perm() | 0600
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}
