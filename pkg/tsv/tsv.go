package tsv

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/adammck/dicer/pkg/api"
	"github.com/adammck/dicer/pkg/idgen"
)

// Separator is a field separator, or Auto to detect it from the input (when
// reading) or reuse the input's (when writing).
type Separator rune

const (
	Auto      Separator = 0
	Tab       Separator = '\t'
	Comma     Separator = ','
	Colon     Separator = ':'
	Semicolon Separator = ';'
)

// sniffLen is how far into the table Read looks for a separator.
const sniffLen = 64

var separatorNames = map[string]Separator{
	"AUTO":      Auto,
	"TAB":       Tab,
	"COMMA":     Comma,
	"COLON":     Colon,
	"SEMICOLON": Semicolon,
}

// ParseSeparator returns the separator with the given name, e.g. "TAB".
func ParseSeparator(s string) (Separator, error) {
	sep, ok := separatorNames[strings.ToUpper(s)]
	if !ok {
		return Auto, api.Errorf(api.ErrInvalidArgument, "invalid separator: %s (expected TAB, COMMA, COLON, SEMICOLON or AUTO)", s)
	}

	return sep, nil
}

func (s Separator) String() string {
	for name, sep := range separatorNames {
		if sep == s {
			return name
		}
	}

	return strconv.QuoteRune(rune(s))
}

// Table is a delimited text file: some leading comment lines, a header row,
// and data rows.
type Table struct {

	// Without the leading '#'.
	Comments []string

	// Nil if the input was empty (or only comments).
	Header []string
	Rows   [][]string

	// The separator the table was read with.
	Separator Separator
}

// Read parses a table. Comment lines are only recognized before the header.
// With Auto, the separator is the first tab or comma in the first few bytes
// after the comments, or tab if there's none.
func Read(r io.Reader, sep Separator) (*Table, error) {
	br := bufio.NewReader(r)
	t := &Table{}

	for {
		b, err := br.Peek(1)
		if err != nil || b[0] != '#' {
			break
		}

		line, err := br.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}

		t.Comments = append(t.Comments, strings.TrimRight(line[1:], "\r\n"))
	}

	if sep == Auto {
		sep = sniff(br)
	}

	t.Separator = sep

	cr := csv.NewReader(br)
	cr.Comma = rune(sep)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	records, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}

	if len(records) > 0 {
		t.Header = records[0]
		t.Rows = records[1:]
	}

	return t, nil
}

func sniff(br *bufio.Reader) Separator {
	// Peek returns what it can along with an error if the input is short;
	// that's fine.
	b, _ := br.Peek(sniffLen)

	for _, c := range b {
		if c == '\t' || c == ',' {
			return Separator(c)
		}
	}

	return Tab
}

// Column returns the zero-based index of a column, given either its one-based
// index or its name in the header. The empty string means the first column.
func (t *Table) Column(spec string) (int, error) {
	if spec == "" {
		return 0, nil
	}

	i := -1
	if n, err := strconv.ParseUint(spec, 10, 32); err == nil {
		i = int(n) - 1
	} else {
		for j, name := range t.Header {
			if name == spec {
				i = j
				break
			}
		}
	}

	if i < 0 || i >= len(t.Header) {
		return 0, api.Errorf(api.ErrInvalidArgument, "invalid column name or index: %s", spec)
	}

	return i, nil
}

// Fill sets the given column of each row to an ID from gen. Unless overwrite
// is true, rows which already have a value in that column are left alone.
// Returns how many IDs were generated. Rows are modified in place, so on
// error some of them may already have been filled.
func (t *Table) Fill(col int, gen idgen.Generator, overwrite bool) (int, error) {
	n := 0

	for i, row := range t.Rows {
		for len(row) <= col {
			row = append(row, "")
		}
		t.Rows[i] = row

		if !overwrite && row[col] != "" {
			continue
		}

		id, err := gen.Next()
		if err != nil {
			return n, fmt.Errorf("cannot generate ID: %w", err)
		}

		row[col] = id
		n += 1
	}

	return n, nil
}

// Write writes the comments, header and rows. Fields are joined with the
// separator as-is, without quoting. Auto means the table's own separator.
func (t *Table) Write(w io.Writer, sep Separator) error {
	if sep == Auto {
		sep = t.Separator
	}

	if sep == Auto {
		sep = Tab
	}

	bw := bufio.NewWriter(w)
	s := string(rune(sep))

	for _, c := range t.Comments {
		bw.WriteString("#" + c + "\n")
	}

	if t.Header != nil {
		bw.WriteString(strings.Join(t.Header, s) + "\n")
	}

	for _, row := range t.Rows {
		bw.WriteString(strings.Join(row, s) + "\n")
	}

	return bw.Flush()
}
