package roster

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/xuri/excelize/v2"

	"hallpass/pkg/types"
)

var (
	ErrNoWorksheet    = errors.New("no worksheet found")
	ErrEmptyWorksheet = errors.New("worksheet is empty")
	ErrMissingColumns = errors.New(`sheet needs a student column ("Alumno", "Nombre", "Student" or "Name") and a class column ("Curso", "Clase", "Group" or "Class")`)
)

// Header names accepted for each column, matched case-insensitively
var (
	nameHeader  = regexp.MustCompile(`(?i)^(alumno|nombre|student|name|displayname)$`)
	classHeader = regexp.MustCompile(`(?i)^(curso|clase|group|class|classid)$`)
)

// Read parses the first worksheet of an xlsx roster.
// Fully blank rows are dropped; half-filled rows are kept so the import can report them.
func Read(r io.Reader) ([]types.RosterRow, error) {
	file, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open spreadsheet: %w", err)
	}
	defer func() { _ = file.Close() }()

	sheet := file.GetSheetName(0)
	if sheet == "" {
		return nil, ErrNoWorksheet
	}
	rows, err := file.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read worksheet %q: %w", sheet, err)
	}
	if len(rows) == 0 {
		return nil, ErrEmptyWorksheet
	}

	nameCol, classCol := -1, -1
	for i, header := range rows[0] {
		header = strings.TrimSpace(header)
		switch {
		case nameCol < 0 && nameHeader.MatchString(header):
			nameCol = i
		case classCol < 0 && classHeader.MatchString(header):
			classCol = i
		}
	}
	if nameCol < 0 || classCol < 0 {
		return nil, fmt.Errorf("%w, found: %s", ErrMissingColumns, strings.Join(rows[0], ", "))
	}

	out := make([]types.RosterRow, 0, len(rows)-1)
	for _, row := range rows[1:] {
		entry := types.RosterRow{
			DisplayName: cell(row, nameCol),
			ClassID:     cell(row, classCol),
		}
		if entry.DisplayName == "" && entry.ClassID == "" {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// ReadFile parses the roster at path
func ReadFile(path string) ([]types.RosterRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	return Read(f)
}

// Write produces a roster spreadsheet with "Alumno" and "Curso" columns
func Write(w io.Writer, rows []types.RosterRow) error {
	file := excelize.NewFile()
	defer func() { _ = file.Close() }()

	sheet := file.GetSheetName(0)
	if err := file.SetSheetRow(sheet, "A1", &[]any{"Alumno", "Curso"}); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for i, row := range rows {
		cellRef, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := file.SetSheetRow(sheet, cellRef, &[]any{row.DisplayName, row.ClassID}); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+1, err)
		}
	}
	if _, err := file.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write spreadsheet: %w", err)
	}
	return nil
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}
