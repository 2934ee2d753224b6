package session

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/nsm66/nsm66d/internal/nsmerr"
)

// ManifestRow is one "name:exe:id" line of a session.nsm manifest.
type ManifestRow struct {
	Name string
	Exe  string
	ID   string
}

// ReadManifest reads and parses the newline-delimited manifest at path.
// Blank lines are skipped; a line missing either colon aborts the load
// with a CreateFailed-coded error (spec §4.C).
func ReadManifest(path string) ([]ManifestRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	var rows []ManifestRow
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		row, err := parseManifestLine(line)
		if err != nil {
			return nil, nsmerr.Wrap(nsmerr.CreateFailed,
				fmt.Sprintf("malformed manifest line %d", lineNo), err)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return rows, nil
}

func parseManifestLine(line string) (ManifestRow, error) {
	first := strings.IndexByte(line, ':')
	if first < 0 {
		return ManifestRow{}, fmt.Errorf("missing colon in %q", line)
	}
	rest := line[first+1:]
	second := strings.LastIndexByte(rest, ':')
	if second < 0 {
		return ManifestRow{}, fmt.Errorf("missing second colon in %q", line)
	}
	return ManifestRow{
		Name: line[:first],
		Exe:  rest[:second],
		ID:   rest[second+1:],
	}, nil
}

// WriteManifest writes rows to path as "name:exe:id" lines. The write
// is atomic from the caller's perspective: it is staged to a temp file
// in the same directory and renamed into place, so a crash mid-write
// never leaves a truncated manifest (spec §4.C: "write succeeds or the
// manifest is considered unchanged").
func WriteManifest(path string, rows []ManifestRow) error {
	tmp := path + ".tmp"
	var b strings.Builder
	for _, r := range rows {
		fmt.Fprintf(&b, "%s:%s:%s\n", r.Name, r.Exe, r.ID)
	}
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("stage manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit manifest: %w", err)
	}
	return nil
}
