package pack

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/daschewie/dapbridge/pkg/target"
)

// Rescan walks a pack's extracted directory, resolves every device's
// flash algorithm references against the FLM files actually present,
// and registers the folded target.Descriptor set into reg. Import has
// already parsed the PDSC; Rescan extracts FLM algorithms, registers
// the device table, and refreshes the on-disk artifacts.
func (s *Store) Rescan(packName string, reg *target.Registry) (ScanReport, error) {
	devices, ok := s.devices[packName]
	if !ok {
		return ScanReport{}, fmt.Errorf("pack: no pack named %q", packName)
	}
	dir, ok := s.Dir(packName)
	if !ok {
		return ScanReport{}, fmt.Errorf("pack: no extracted directory for %q", packName)
	}

	flmFiles, err := findFLMFilesAfero(s.fs, dir)
	if err != nil {
		return ScanReport{}, fmt.Errorf("pack: scanning for FLM files: %w", err)
	}

	report := ScanReport{PackName: packName, DevicesFound: len(devices)}
	var descriptors []target.Descriptor

	for _, dev := range devices {
		desc := target.Descriptor{
			Name:     dev.Name,
			Vendor:   dev.Vendor,
			Core:     dev.core,
			FPU:      dev.fpu,
			MPU:      dev.mpu,
			Memory:   foldMemory(dev.memory),
			PackName: packName,
		}

		flashRegion := primaryFlashRegion(desc.Memory)

		for _, ref := range dev.algos {
			matchName := MatchFLM(flmFiles, dev.Name, ref.Size)
			if matchName == "" {
				report.Warnings = append(report.Warnings, fmt.Sprintf("%s: no FLM match for algorithm reference %q", dev.Name, ref.File))
				continue
			}
			data, err := afero.ReadFile(s.fs, matchName)
			if err != nil {
				report.Warnings = append(report.Warnings, fmt.Sprintf("%s: reading %s: %v", dev.Name, matchName, err))
				continue
			}

			start, size := ref.Start, ref.Size
			if start == 0 && size == 0 && flashRegion.Size > 0 {
				start, size = flashRegion.Start, flashRegion.Size
			}

			algo, err := ExtractAlgorithm(matchName, data, start, size)
			if err != nil {
				report.Warnings = append(report.Warnings, fmt.Sprintf("%s: extracting %s: %v", dev.Name, matchName, err))
				continue
			}
			algo.Default = ref.Default || len(desc.Algorithms) == 0
			desc.Algorithms = append(desc.Algorithms, algo)
		}

		if len(desc.Algorithms) == 0 {
			report.Warnings = append(report.Warnings, fmt.Sprintf("%s: no flash algorithm resolved, skipping", dev.Name))
			continue
		}
		descriptors = append(descriptors, desc)
	}

	reg.PutAll(packName, descriptors)
	report.DevicesEmitted = len(descriptors)

	if err := s.writeArtifacts(dir, packName, descriptors, report); err != nil {
		return report, err
	}
	return report, nil
}

// writeArtifacts persists targets.yaml (with its scanner-version
// marker) and scan_report.json into the pack's extracted directory.
func (s *Store) writeArtifacts(dir, packName string, descriptors []target.Descriptor, report ScanReport) error {
	yamlText, err := Emit(packName, descriptors)
	if err != nil {
		return fmt.Errorf("pack: rendering targets.yaml: %w", err)
	}
	if err := afero.WriteFile(s.fs, filepath.Join(dir, "targets.yaml"), []byte(yamlText), 0o644); err != nil {
		return fmt.Errorf("pack: writing targets.yaml: %w", err)
	}

	reportText, err := EmitScanReport(report)
	if err != nil {
		return fmt.Errorf("pack: rendering scan report: %w", err)
	}
	if err := afero.WriteFile(s.fs, filepath.Join(dir, "scan_report.json"), []byte(reportText), 0o644); err != nil {
		return fmt.Errorf("pack: writing scan report: %w", err)
	}
	return nil
}

// CheckOutdated lists imported packs whose targets.yaml is missing or
// carries a scanner-version marker different from the current one;
// those need a Rescan before their registered devices are trusted.
func (s *Store) CheckOutdated() []string {
	var out []string
	for name := range s.records {
		dir, _ := s.Dir(name)
		data, err := afero.ReadFile(s.fs, filepath.Join(dir, "targets.yaml"))
		if err != nil || ScannerVersionOf(data) != scannerVersion {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// foldMemory collapses same-named regions to the most-specific
// declaration: the inheritance stack appends family first and device
// last, so the last occurrence of a name wins.
func foldMemory(regions []target.MemoryRegion) []target.MemoryRegion {
	index := make(map[string]int)
	var out []target.MemoryRegion
	for _, m := range regions {
		if m.Name != "" {
			if i, ok := index[m.Name]; ok {
				out[i] = m
				continue
			}
			index[m.Name] = len(out)
		}
		out = append(out, m)
	}
	return out
}

func primaryFlashRegion(regions []target.MemoryRegion) target.MemoryRegion {
	for _, r := range regions {
		if r.Kind == "flash" && r.Default {
			return r
		}
	}
	for _, r := range regions {
		if r.Kind == "flash" {
			return r
		}
	}
	return target.MemoryRegion{}
}

// findFLMFilesAfero adapts FindFLMFiles's injectable-directory-walk
// signature to an afero filesystem so tests never touch the real disk.
func findFLMFilesAfero(fsys afero.Fs, root string) ([]string, error) {
	readDir := func(dir string) ([]fs.DirEntry, error) {
		infos, err := afero.ReadDir(fsys, dir)
		if err != nil {
			return nil, err
		}
		entries := make([]fs.DirEntry, len(infos))
		for i, fi := range infos {
			entries[i] = dirEntryFromFileInfo{fi}
		}
		return entries, nil
	}
	isFLM := func(name string) bool {
		return strings.EqualFold(filepath.Ext(name), ".flm")
	}
	files, err := FindFLMFiles(root, readDir, isFLM)
	sort.Strings(files)
	return files, err
}

type dirEntryFromFileInfo struct{ fi fs.FileInfo }

func (d dirEntryFromFileInfo) Name() string               { return d.fi.Name() }
func (d dirEntryFromFileInfo) IsDir() bool                 { return d.fi.IsDir() }
func (d dirEntryFromFileInfo) Type() fs.FileMode           { return d.fi.Mode().Type() }
func (d dirEntryFromFileInfo) Info() (fs.FileInfo, error)  { return d.fi, nil }
