package geotable

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gocarina/gocsv"
)

// WriteCSV marshals a slice of csv tagged structs to path, creating the
// parent directory if needed.
func WriteCSV(path string, rows interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := gocsv.Marshal(rows, file); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	return file.Close()
}

func ReadStats(path string) ([]StatsRow, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var rows []StatsRow
	if err := gocsv.Unmarshal(file, &rows); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	return rows, nil
}
