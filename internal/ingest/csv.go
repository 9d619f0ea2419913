package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/kursadbilgin/hospital-bulk-engine/internal/domain"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

var (
	ErrNotUTF8 = fmt.Errorf("%w: unable to decode CSV file as UTF-8", domain.ErrValidation)
	ErrEmpty   = fmt.Errorf("%w: CSV is empty or missing header row", domain.ErrValidation)
)

// ParseCSV reads an uploaded hospital CSV into raw rows keyed by lower-cased
// header name. A leading byte order mark is ignored. Columns missing from a
// short record are left out of its row.
func ParseCSV(r io.Reader) ([]domain.RawRow, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV: %w", err)
	}

	content = bytes.TrimPrefix(content, utf8BOM)
	if !utf8.Valid(content) {
		return nil, ErrNotUTF8
	}

	reader := csv.NewReader(bytes.NewReader(content))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, malformed(err)
	}

	columns := make([]string, len(header))
	for i, name := range header {
		columns[i] = strings.ToLower(strings.TrimSpace(name))
	}

	var rows []domain.RawRow
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, malformed(err)
		}

		row := make(domain.RawRow, len(columns))
		for i, column := range columns {
			if column == "" || i >= len(record) {
				continue
			}
			row[column] = record[i]
		}
		rows = append(rows, row)
	}

	if len(rows) == 0 {
		return nil, ErrEmpty
	}
	return rows, nil
}

func malformed(err error) error {
	return fmt.Errorf("%w: malformed CSV: %v", domain.ErrValidation, err)
}
