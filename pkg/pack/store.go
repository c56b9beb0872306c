package pack

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/daschewie/dapbridge/pkg/dapbridge/errs"
	"github.com/daschewie/dapbridge/pkg/util"
)

// Record is one imported pack's on-disk bookkeeping entry.
type Record struct {
	Name        string
	Vendor      string
	Version     string
	Description string
	Fingerprint string // short CRC32 hex of the source archive
	Dir         string // extracted directory name under <root>/packs
	ImportedAt  time.Time
	DeviceCount int
}

// Store manages the pack library on disk: import (extract+index),
// list, remove, and directory resolution for the parser/FLM stages.
type Store struct {
	fs   afero.Fs
	root string

	records map[string]Record          // keyed by pack name
	devices map[string][]DeviceDefinition // keyed by pack name, for Rescan
}

// NewStore opens (creating if necessary) a pack store rooted at root on
// the given filesystem. Passing an afero.NewMemMapFs() in tests avoids
// touching the real disk.
func NewStore(fsys afero.Fs, root string) (*Store, error) {
	if err := fsys.MkdirAll(filepath.Join(root, "packs"), 0o755); err != nil {
		return nil, fmt.Errorf("preparing pack store at %s: %w", root, err)
	}
	s := &Store{
		fs:      fsys,
		root:    root,
		records: make(map[string]Record),
		devices: make(map[string][]DeviceDefinition),
	}
	if err := s.loadExisting(); err != nil {
		return nil, fmt.Errorf("loading existing packs from %s: %w", root, err)
	}
	return s, nil
}

// loadExisting reconstructs records and device definitions for packs
// already extracted on disk from a previous process's Import, by
// re-reading each extracted directory's own .pdsc file. The store
// keeps no separate index file — the extracted tree is the source of
// truth, the same way the target registry is rebuilt from Rescan
// rather than a cached database.
func (s *Store) loadExisting() error {
	packsDir := filepath.Join(s.root, "packs")
	entries, err := afero.ReadDir(s.fs, packsDir)
	if err != nil {
		return nil // freshly created, nothing to load
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(packsDir, e.Name())
		pdscPath, err := findFirstPDSC(s.fs, dir)
		if err != nil {
			continue // not a pack directory this store recognizes
		}
		f, err := s.fs.Open(pdscPath)
		if err != nil {
			continue
		}
		info, devices, perr := ParsePDSC(f)
		f.Close()
		if perr != nil {
			continue
		}

		fp := fingerprintFromDirName(e.Name())
		s.records[info.Name] = Record{
			Name:        info.Name,
			Vendor:      info.Vendor,
			Version:     info.Version,
			Description: info.Description,
			Fingerprint: fp,
			Dir:         e.Name(),
			DeviceCount: len(devices),
		}
		s.devices[info.Name] = devices
	}
	return nil
}

func findFirstPDSC(fsys afero.Fs, dir string) (string, error) {
	var found string
	err := afero.Walk(fsys, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || found != "" {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(strings.ToLower(path), ".pdsc") {
			found = path
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("no .pdsc under %s", dir)
	}
	return found, nil
}

// fingerprintFromDirName recovers the CRC32 fingerprint this store
// encodes as the trailing "-<fp>" component of a pack's extracted
// directory name (see Import).
func fingerprintFromDirName(dirName string) string {
	i := strings.LastIndex(dirName, "-")
	if i < 0 {
		return ""
	}
	return dirName[i+1:]
}

// Import extracts a .pack archive's bytes into the store, keyed by the
// PDSC package name. A name collision against a different fingerprint
// is an error; the same fingerprint is treated as a no-op re-import
// and returns the existing record.
func (s *Store) Import(archiveBytes []byte) (Record, error) {
	fp := fmt.Sprintf("%08x", util.CalculateCRC32(archiveBytes))

	zr, err := zip.NewReader(bytes.NewReader(archiveBytes), int64(len(archiveBytes)))
	if err != nil {
		return Record{}, errs.New(errs.KindPack, "pack.import", fmt.Errorf("opening archive: %w", err))
	}

	info, devices, pdscPath, err := readPDSCFromZip(zr)
	if err != nil {
		return Record{}, errs.New(errs.KindPack, "pack.import", err)
	}
	_ = pdscPath

	if existing, ok := s.records[info.Name]; ok {
		if existing.Fingerprint == fp {
			return existing, nil
		}
		return Record{}, errs.New(errs.KindPack, "pack.import", fmt.Errorf("name %q already imported from a different archive (existing fingerprint %s, new %s)", info.Name, existing.Fingerprint, fp))
	}

	dir := fmt.Sprintf("%s-%s-%s", sanitize(info.Name), info.Version, fp)
	dest := filepath.Join(s.root, "packs", dir)
	if err := extractZip(s.fs, zr, dest); err != nil {
		return Record{}, fmt.Errorf("pack: extracting %s: %w", info.Name, err)
	}

	rec := Record{
		Name:        info.Name,
		Vendor:      info.Vendor,
		Version:     info.Version,
		Description: info.Description,
		Fingerprint: fp,
		Dir:         dir,
		ImportedAt:  time.Now(),
		DeviceCount: len(devices),
	}
	s.records[info.Name] = rec
	s.devices[info.Name] = devices
	return rec, nil
}

// Remove deletes a pack's extracted directory and drops its record.
func (s *Store) Remove(name string) error {
	rec, ok := s.records[name]
	if !ok {
		return fmt.Errorf("pack: no pack named %q", name)
	}
	if err := s.fs.RemoveAll(filepath.Join(s.root, "packs", rec.Dir)); err != nil {
		return fmt.Errorf("pack: removing %s: %w", name, err)
	}
	delete(s.records, name)
	delete(s.devices, name)
	return nil
}

// List returns every imported pack's record, sorted by name.
func (s *Store) List() []Record {
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dir resolves the extracted directory for an imported pack.
func (s *Store) Dir(name string) (string, bool) {
	rec, ok := s.records[name]
	if !ok {
		return "", false
	}
	return filepath.Join(s.root, "packs", rec.Dir), true
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

func readPDSCFromZip(zr *zip.Reader) (PackageInfo, []DeviceDefinition, string, error) {
	for _, f := range zr.File {
		if !strings.HasSuffix(strings.ToLower(f.Name), ".pdsc") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return PackageInfo{}, nil, "", fmt.Errorf("opening %s: %w", f.Name, err)
		}
		info, devices, err := ParsePDSC(rc)
		rc.Close()
		if err != nil {
			return PackageInfo{}, nil, "", err
		}
		return info, devices, f.Name, nil
	}
	return PackageInfo{}, nil, "", fmt.Errorf("no .pdsc file found in archive")
}

func extractZip(fsys afero.Fs, zr *zip.Reader, dest string) error {
	for _, f := range zr.File {
		target := filepath.Join(dest, filepath.Clean(f.Name))
		if !strings.HasPrefix(target, filepath.Clean(dest)+string(filepath.Separator)) && target != filepath.Clean(dest) {
			return fmt.Errorf("zip entry %q escapes destination directory", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := fsys.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := fsys.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		out, err := fsys.Create(target)
		if err != nil {
			rc.Close()
			return err
		}
		_, err = io.Copy(out, rc)
		rc.Close()
		out.Close()
		if err != nil {
			return err
		}
	}
	return nil
}
