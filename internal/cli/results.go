// Package cli formats search results for the terminal.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/hyperjump/niteru/internal/models"
)

// TableFormat is the layout used to print the result table.
type TableFormat string

const (
	// TableGithub is a Markdown pipe table (default).
	TableGithub TableFormat = "github"
	// TablePlain is space-aligned columns without borders.
	TablePlain TableFormat = "plain"
	// TableJSON is the search response as indented JSON.
	TableJSON TableFormat = "json"
)

// ParseTableFormat validates s as a table format name.
func ParseTableFormat(s string) (TableFormat, error) {
	switch f := TableFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case TableGithub, TablePlain, TableJSON:
		return f, nil
	default:
		return "", fmt.Errorf("unknown table format %q (use github, plain or json)", s)
	}
}

// Options controls what WriteResults prints. The zero value prints a github
// table of every result, closest first, with headers, ranks and notes.
type Options struct {
	BestOnly    bool
	NoNotes     bool
	TableFormat TableFormat
	NoHeaders   bool
	NoIndex     bool
	NoErrorRate bool
	// Reverse prints the closest image last.
	Reverse bool
}

// SuppressExtras reduces the output to the path of the closest image.
func (o *Options) SuppressExtras() {
	o.BestOnly = true
	o.NoNotes = true
	o.TableFormat = TablePlain
	o.NoHeaders = true
	o.NoIndex = true
	o.NoErrorRate = true
}

const (
	headerIndex     = "#"
	headerPath      = "Path to image"
	headerErrorRate = "Error rate"
)

// WriteResults writes resp to w according to opts.
func WriteResults(w io.Writer, resp *models.SearchResponse, opts Options) error {
	results := resp.Results
	if opts.BestOnly && len(results) > 1 {
		results = results[:1]
	}
	if opts.Reverse {
		reversed := make([]*models.RankedResult, len(results))
		for i, r := range results {
			reversed[len(results)-1-i] = r
		}
		results = reversed
	}

	format := opts.TableFormat
	if format == "" {
		format = TableGithub
	}
	if format == TableJSON {
		out := *resp
		out.Results = results
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(&out)
	}

	if !opts.NoNotes {
		if opts.Reverse {
			fmt.Fprintln(w, "Images are listed from least to most similar: the lower an image is, the more it looks like the target.")
		} else {
			fmt.Fprintln(w, "Images are listed from most to least similar: the higher an image is, the more it looks like the target.")
		}
		fmt.Fprintln(w)
	}

	var header []string
	if !opts.NoHeaders {
		header = columns(opts, headerIndex, headerPath, headerErrorRate)
	}
	rows := make([][]string, len(results))
	for i, r := range results {
		rows[i] = columns(opts, strconv.Itoa(r.Rank), r.Path, strconv.FormatFloat(r.ErrorRate, 'f', -1, 64))
	}
	numeric := columns(opts, "1", "", "1")
	var err error
	if format == TablePlain {
		err = writePlain(w, header, rows, numeric)
	} else {
		err = writeGithub(w, header, rows, numeric)
	}
	if err != nil {
		return err
	}

	if !opts.NoNotes {
		fmt.Fprintf(w, "\n%d of %d candidate(s) shown, split depth %d, %dms.\n",
			len(results), resp.Candidates, resp.SplitDepth, resp.QueryTime)
		if !opts.NoErrorRate {
			fmt.Fprintln(w, "Note that \"Error rate\" differs a lot between split depths. "+
				"Don't compare error rates from runs with different split depths.")
		}
	}
	return nil
}

// columns drops the index and error rate cells that opts hides.
func columns(opts Options, index, path, errorRate string) []string {
	out := make([]string, 0, 3)
	if !opts.NoIndex {
		out = append(out, index)
	}
	out = append(out, path)
	if !opts.NoErrorRate {
		out = append(out, errorRate)
	}
	return out
}

func widths(header []string, rows [][]string, n int) []int {
	ws := make([]int, n)
	for _, row := range append([][]string{header}, rows...) {
		for i, cell := range row {
			if l := utf8.RuneCountInString(cell); l > ws[i] {
				ws[i] = l
			}
		}
	}
	return ws
}

// pad aligns numeric columns right and text columns left.
func pad(cell string, width int, right bool) string {
	gap := strings.Repeat(" ", width-utf8.RuneCountInString(cell))
	if right {
		return gap + cell
	}
	return cell + gap
}

func writePlain(w io.Writer, header []string, rows [][]string, numeric []string) error {
	ws := widths(header, rows, len(numeric))
	line := func(row []string) error {
		cells := make([]string, len(row))
		for i, c := range row {
			cells[i] = pad(c, ws[i], numeric[i] != "")
		}
		_, err := fmt.Fprintln(w, strings.TrimRight(strings.Join(cells, "  "), " "))
		return err
	}
	if header != nil {
		if err := line(header); err != nil {
			return err
		}
	}
	for _, row := range rows {
		if err := line(row); err != nil {
			return err
		}
	}
	return nil
}

func writeGithub(w io.Writer, header []string, rows [][]string, numeric []string) error {
	if header == nil {
		header = make([]string, len(numeric))
	}
	ws := widths(header, rows, len(numeric))
	line := func(row []string) error {
		cells := make([]string, len(row))
		for i, c := range row {
			cells[i] = pad(c, ws[i], numeric[i] != "")
		}
		_, err := fmt.Fprintf(w, "| %s |\n", strings.Join(cells, " | "))
		return err
	}
	if err := line(header); err != nil {
		return err
	}
	sep := make([]string, len(ws))
	for i, width := range ws {
		if width < 1 {
			width = 1
		}
		if numeric[i] != "" {
			sep[i] = strings.Repeat("-", width+1) + ":"
		} else {
			sep[i] = strings.Repeat("-", width+2)
		}
	}
	if _, err := fmt.Fprintf(w, "|%s|\n", strings.Join(sep, "|")); err != nil {
		return err
	}
	for _, row := range rows {
		if err := line(row); err != nil {
			return err
		}
	}
	return nil
}
