package artifacts

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"tesa-overwatch/pkg/ontology"
	"tesa-overwatch/pkg/shared"
)

// ParseCSV parses detector metadata. The first non-empty line holds the
// headers; every later non-empty line is split on commas with no quote
// handling, so a value containing a comma shifts the following columns.
// Missing trailing fields become "". Returns nil for fewer than two lines.
func ParseCSV(text string) *ontology.CSVTable {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	if len(lines) < 2 {
		return nil
	}

	headers := splitTrim(lines[0])
	table := &ontology.CSVTable{
		Headers: headers,
		Rows:    make([]map[string]string, 0, len(lines)-1),
	}
	for _, line := range lines[1:] {
		values := splitTrim(line)
		row := make(map[string]string, len(headers))
		for i, h := range headers {
			if i < len(values) {
				row[h] = values[i]
			} else {
				row[h] = ""
			}
		}
		table.Rows = append(table.Rows, row)
	}
	return table
}

func splitTrim(line string) []string {
	parts := strings.Split(line, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

// WriteCSVFile writes headers and one row to path with RFC 4180 quoting.
// The file is written beside path and renamed into place so watchers never
// observe a partial file.
func WriteCSVFile(path string, headers []string, row map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: create %s: %v", shared.ErrIO, filepath.Dir(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*.csv")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", shared.ErrIO, err)
	}
	defer os.Remove(tmp.Name())

	record := make([]string, len(headers))
	for i, h := range headers {
		record[i] = row[h]
	}

	w := csv.NewWriter(tmp)
	if err := w.WriteAll([][]string{headers, record}); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write %s: %v", shared.ErrIO, path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", shared.ErrIO, path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("%w: rename to %s: %v", shared.ErrIO, path, err)
	}
	return nil
}
