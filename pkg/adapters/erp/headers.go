package erp

import (
	"regexp"
	"strconv"
	"strings"
)

// suffixedRepeat matches names like "BONUS.1" that some exporters and
// spreadsheet tools produce for a repeated column.
var suffixedRepeat = regexp.MustCompile(`^(.+)\.(\d+)$`)

// DetectHeaders turns a raw header row into headers with occurrence numbers.
//
// Every physical column keeps its own header. Text appearing more than once
// gets occurrences 1..n in column order, all flagged as duplicates. A suffixed
// repeat ("BONUS.1") whose base name is also present in the row is counted as
// another occurrence of the base name. Blank header cells are skipped.
func DetectHeaders(row []string) []Header {
	present := make(map[string]bool, len(row))
	for _, cell := range row {
		if text := cleanHeader(cell); text != "" {
			present[text] = true
		}
	}

	headers := make([]Header, 0, len(row))
	counts := make(map[string]int, len(row))
	for i, cell := range row {
		text := cleanHeader(cell)
		if text == "" {
			continue
		}
		if m := suffixedRepeat.FindStringSubmatch(text); m != nil {
			if _, err := strconv.Atoi(m[2]); err == nil && present[m[1]] {
				text = m[1]
			}
		}
		counts[text]++
		headers = append(headers, Header{
			Index:      i,
			Text:       text,
			Occurrence: counts[text],
			Role:       RoleConcept,
		})
	}

	for i := range headers {
		headers[i].IsDuplicate = counts[headers[i].Text] > 1
	}
	return headers
}

// cleanHeader trims a header cell and collapses inner whitespace, including
// line breaks from wrapped header cells.
func cleanHeader(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
