package grid

import (
	"fmt"
	"strings"
)

// Ref is a single cell address in A1 notation. Column is 0-based, Row is
// 1-based, matching how spreadsheet hosts hand us coordinates.
type Ref struct {
	Column int
	Row    int
}

func (r Ref) String() string {
	return ColumnLetter(r.Column) + fmt.Sprint(r.Row)
}

// Offset returns the ref shifted by the given columns and rows.
func (r Ref) Offset(cols, rows int) Ref {
	return Ref{Column: r.Column + cols, Row: r.Row + rows}
}

// Range is an inclusive rectangular cell range.
type Range struct {
	Start Ref
	End   Ref
}

func (r Range) String() string {
	return r.Start.String() + ":" + r.End.String()
}

// ColumnLetter converts a 0-based column index to its letter form:
// 0 -> A, 25 -> Z, 26 -> AA.
func ColumnLetter(index int) string {
	if index < 0 {
		return ""
	}
	var out []byte
	for {
		out = append([]byte{byte('A' + index%26)}, out...)
		index = index/26 - 1
		if index < 0 {
			break
		}
	}
	return string(out)
}

// ColumnIndex converts a column letter to its 0-based index: A -> 0, AA -> 26.
func ColumnIndex(letter string) (int, error) {
	letter = strings.ToUpper(strings.TrimSpace(letter))
	if letter == "" {
		return 0, fmt.Errorf("empty column letter")
	}
	index := 0
	for _, ch := range letter {
		if ch < 'A' || ch > 'Z' {
			return 0, fmt.Errorf("invalid column letter %q", letter)
		}
		index = index*26 + int(ch-'A') + 1
	}
	return index - 1, nil
}

// ParseRef parses a single A1-style cell reference like "B3".
func ParseRef(value string) (Ref, error) {
	value = strings.ToUpper(strings.TrimSpace(value))
	split := 0
	for split < len(value) && value[split] >= 'A' && value[split] <= 'Z' {
		split++
	}
	if split == 0 || split == len(value) {
		return Ref{}, fmt.Errorf("invalid cell reference %q", value)
	}
	col, err := ColumnIndex(value[:split])
	if err != nil {
		return Ref{}, err
	}
	row := 0
	for _, ch := range value[split:] {
		if ch < '0' || ch > '9' {
			return Ref{}, fmt.Errorf("invalid cell reference %q", value)
		}
		row = row*10 + int(ch-'0')
	}
	if row < 1 {
		return Ref{}, fmt.Errorf("invalid row in cell reference %q", value)
	}
	return Ref{Column: col, Row: row}, nil
}

// ParseRange parses an A1-style range like "A1:C10". A bare cell reference
// is accepted as a single-cell range.
func ParseRange(value string) (Range, error) {
	value = strings.TrimSpace(value)
	parts := strings.SplitN(value, ":", 2)
	start, err := ParseRef(parts[0])
	if err != nil {
		return Range{}, err
	}
	if len(parts) == 1 {
		return Range{Start: start, End: start}, nil
	}
	end, err := ParseRef(parts[1])
	if err != nil {
		return Range{}, err
	}
	if end.Column < start.Column || end.Row < start.Row {
		return Range{}, fmt.Errorf("inverted range %q", value)
	}
	return Range{Start: start, End: end}, nil
}
