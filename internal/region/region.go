// Package region parses spreadsheet range references (A1 notation) into
// normalized row/column intervals and tests them for overlap. It exists so
// cache invalidation can be surgical: a write to one range evicts only the
// cached reads whose ranges actually intersect it.
package region

import (
	"fmt"
	"strconv"
	"strings"
)

// Unbounded marks an open-ended interval edge. A start of Unbounded means
// "from the first row/column", an end of Unbounded means "to the last".
const Unbounded = -1

// Region is a normalized rectangular area of a sheet. Row and column bounds
// are 0-based and inclusive.
type Region struct {
	Sheet    string
	StartRow int
	EndRow   int
	StartCol int
	EndCol   int
}

// Parse accepts the common A1-notation shapes and normalizes them:
//
//	Sheet1!B2        single cell
//	Sheet1!A1:B10    bounded rectangle
//	Sheet1!A:C       full columns
//	Sheet1!2:5       full rows
//	Sheet1!A2:B      open-ended rectangle (rows 2..end)
//	'My Sheet'!A1    quoted sheet names
//
// A reference without a "!" is treated as a range on the empty sheet name.
func Parse(ref string) (Region, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Region{}, fmt.Errorf("region: empty reference")
	}

	sheet := ""
	rangePart := ref
	if idx := strings.LastIndex(ref, "!"); idx >= 0 {
		sheet = strings.Trim(ref[:idx], "'")
		rangePart = ref[idx+1:]
	}
	if rangePart == "" {
		// Bare sheet reference means the whole sheet.
		return Region{Sheet: sheet, StartRow: Unbounded, EndRow: Unbounded, StartCol: Unbounded, EndCol: Unbounded}, nil
	}

	first := rangePart
	second := ""
	if idx := strings.Index(rangePart, ":"); idx >= 0 {
		first = rangePart[:idx]
		second = rangePart[idx+1:]
	}

	startCol, startRow, err := parseCorner(first)
	if err != nil {
		return Region{}, fmt.Errorf("region: %q: %w", ref, err)
	}

	r := Region{Sheet: sheet, StartRow: startRow, EndRow: startRow, StartCol: startCol, EndCol: startCol}
	if second == "" {
		if startRow == Unbounded && startCol == Unbounded {
			return Region{}, fmt.Errorf("region: %q: empty range component", ref)
		}
		return r, nil
	}

	endCol, endRow, err := parseCorner(second)
	if err != nil {
		return Region{}, fmt.Errorf("region: %q: %w", ref, err)
	}
	r.EndRow = endRow
	r.EndCol = endCol

	if r.StartRow != Unbounded && r.EndRow != Unbounded && r.EndRow < r.StartRow {
		r.StartRow, r.EndRow = r.EndRow, r.StartRow
	}
	if r.StartCol != Unbounded && r.EndCol != Unbounded && r.EndCol < r.StartCol {
		r.StartCol, r.EndCol = r.EndCol, r.StartCol
	}
	return r, nil
}

// parseCorner splits a corner reference like "B10" into its column and row
// indexes. Either part may be absent ("B" for full columns, "10" for full
// rows); absent parts return Unbounded.
func parseCorner(s string) (col, row int, err error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "$")
	i := 0
	for i < len(s) && isLetter(s[i]) {
		i++
	}
	letters := s[:i]
	digits := strings.TrimPrefix(s[i:], "$")

	if letters == "" && digits == "" {
		return Unbounded, Unbounded, fmt.Errorf("empty cell reference")
	}

	col = Unbounded
	if letters != "" {
		col = columnIndex(letters)
	}

	row = Unbounded
	if digits != "" {
		n, convErr := strconv.Atoi(digits)
		if convErr != nil || n < 1 {
			return 0, 0, fmt.Errorf("invalid row %q", digits)
		}
		row = n - 1
	}
	return col, row, nil
}

// columnIndex converts column letters to a 0-based index (A=0, Z=25, AA=26).
func columnIndex(letters string) int {
	n := 0
	for i := 0; i < len(letters); i++ {
		c := letters[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		n = n*26 + int(c-'A'+1)
	}
	return n - 1
}

func isLetter(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

// Intersects reports whether two regions share at least one cell. Regions on
// different sheets never intersect; unbounded edges extend to the sheet edge.
func (r Region) Intersects(o Region) bool {
	if !strings.EqualFold(r.Sheet, o.Sheet) {
		return false
	}
	return overlaps(r.StartRow, r.EndRow, o.StartRow, o.EndRow) &&
		overlaps(r.StartCol, r.EndCol, o.StartCol, o.EndCol)
}

// overlaps tests closed-interval overlap where Unbounded stands for 0 at the
// start and +inf at the end.
func overlaps(aStart, aEnd, bStart, bEnd int) bool {
	if aStart == Unbounded {
		aStart = 0
	}
	if bStart == Unbounded {
		bStart = 0
	}
	if aEnd != Unbounded && aEnd < bStart {
		return false
	}
	if bEnd != Unbounded && bEnd < aStart {
		return false
	}
	return true
}

// String renders the region back in A1 notation, useful for log output.
func (r Region) String() string {
	var b strings.Builder
	if r.Sheet != "" {
		b.WriteString(r.Sheet)
		b.WriteByte('!')
	}
	b.WriteString(cornerString(r.StartCol, r.StartRow))
	end := cornerString(r.EndCol, r.EndRow)
	start := cornerString(r.StartCol, r.StartRow)
	if end != start || r.EndRow == Unbounded || r.EndCol == Unbounded {
		b.WriteByte(':')
		b.WriteString(end)
	}
	return b.String()
}

func cornerString(col, row int) string {
	var b strings.Builder
	if col != Unbounded {
		b.WriteString(columnLetters(col))
	}
	if row != Unbounded {
		b.WriteString(strconv.Itoa(row + 1))
	}
	return b.String()
}

func columnLetters(col int) string {
	n := col + 1
	var out []byte
	for n > 0 {
		n--
		out = append([]byte{byte('A' + n%26)}, out...)
		n /= 26
	}
	return string(out)
}
