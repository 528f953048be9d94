// Package scan handles source-file discovery and in-place archive extraction
// for the pre-populated data trees the indices ingest from.
package scan

import (
	"archive/zip"
	"compress/bzip2"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sfalkner/gridobs/pkg/logger"
)

// ListFiles walks root recursively and returns the absolute paths of all
// regular files whose name ends with ext (e.g. ".grib2"). The order is
// stable but unspecified; callers that need an ordering must sort.
func ListFiles(root, ext string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(strings.ToLower(d.Name()), strings.ToLower(ext)) {
			abs, err := filepath.Abs(path)
			if err != nil {
				return err
			}
			files = append(files, abs)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s for %s files: %w", root, ext, err)
	}
	return files, nil
}

// ExtractBz2 decompresses each single-entry .bz2 archive into a sibling file
// with the .bz2 extension stripped. An archive whose target already exists is
// skipped, which makes re-runs idempotent. An empty archive list is a no-op.
func ExtractBz2(archives []string, log *logger.Logger) error {
	for _, archive := range archives {
		target := strings.TrimSuffix(archive, filepath.Ext(archive))
		if _, err := os.Stat(target); err == nil {
			continue
		}
		if err := extractBz2File(archive, target); err != nil {
			return fmt.Errorf("failed to extract %s: %w", archive, err)
		}
		log.Debug("Extracted archive", logger.String("archive", archive), logger.String("target", target))
	}
	return nil
}

func extractBz2File(archive, target string) error {
	in, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(target)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, bzip2.NewReader(in)); err != nil {
		// Remove the partial output so a re-run retries the extraction.
		os.Remove(target)
		return err
	}
	return nil
}

// ExtractZipMembers extracts, from each zip archive, the members whose name
// contains marker (case-insensitive) into the archive's directory. Members
// whose target file already exists are skipped.
func ExtractZipMembers(zips []string, marker string, log *logger.Logger) error {
	for _, zipPath := range zips {
		if err := extractZipFile(zipPath, marker, log); err != nil {
			return fmt.Errorf("failed to extract %s: %w", zipPath, err)
		}
	}
	return nil
}

func extractZipFile(zipPath, marker string, log *logger.Logger) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return err
	}
	defer r.Close()

	dir := filepath.Dir(zipPath)
	for _, member := range r.File {
		if !strings.Contains(strings.ToLower(member.Name), strings.ToLower(marker)) {
			continue
		}
		target := filepath.Join(dir, filepath.Base(member.Name))
		if _, err := os.Stat(target); err == nil {
			continue
		}
		if err := extractZipMember(member, target); err != nil {
			return err
		}
		log.Debug("Extracted zip member", logger.String("zip", zipPath), logger.String("member", member.Name))
	}
	return nil
}

func extractZipMember(member *zip.File, target string) error {
	in, err := member.Open()
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(target)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		os.Remove(target)
		return err
	}
	return nil
}
