// Package pathindex provides an in-memory Bleve index over image paths, used to
// narrow a search to images whose file or directory names match a filter.
package pathindex

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	blevequery "github.com/blevesearch/bleve/v2/search/query"
)

// ErrEmptyFilter is returned by Match for a query with no searchable terms.
var ErrEmptyFilter = errors.New("filter has no searchable terms")

// Index is a keyword index over file paths. The document ID is the path itself.
type Index struct {
	index bleve.Index
}

type pathDoc struct {
	Name string `json:"name"`
	Dir  string `json:"dir"`
}

// New creates an empty in-memory index.
func New() (*Index, error) {
	im := bleve.NewIndexMapping()
	docMapping := bleve.NewDocumentMapping()
	textFieldMapping := bleve.NewTextFieldMapping()
	textFieldMapping.Analyzer = standard.Name
	docMapping.AddFieldMappingsAt("name", textFieldMapping)
	docMapping.AddFieldMappingsAt("dir", textFieldMapping)
	im.DefaultMapping = docMapping

	index, err := bleve.NewMemOnly(im)
	if err != nil {
		return nil, fmt.Errorf("failed to create path index: %w", err)
	}
	return &Index{index: index}, nil
}

// FromPaths creates an index holding the given paths.
func FromPaths(paths []string) (*Index, error) {
	idx, err := New()
	if err != nil {
		return nil, err
	}
	if err := idx.Add(paths...); err != nil {
		_ = idx.Close()
		return nil, err
	}
	return idx, nil
}

// Add indexes paths in a single batch. Re-adding a path replaces it.
func (i *Index) Add(paths ...string) error {
	batch := i.index.NewBatch()
	for _, p := range paths {
		if err := batch.Index(p, newPathDoc(p)); err != nil {
			return fmt.Errorf("index %s: %w", p, err)
		}
	}
	if err := i.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to index paths: %w", err)
	}
	return nil
}

// Remove deletes path from the index.
func (i *Index) Remove(path string) error {
	return i.index.Delete(path)
}

// DocCount returns the number of indexed paths.
func (i *Index) DocCount() (uint64, error) {
	return i.index.DocCount()
}

// Match returns every path in which each term of query appears in the file
// name or a directory name. A term also matches file name words it prefixes.
// When fuzzy is set, terms within edit distance 1 match too. Results are sorted.
func (i *Index) Match(query string, fuzzy bool) ([]string, error) {
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, ErrEmptyFilter
	}
	count, err := i.index.DocCount()
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}

	perTerm := make([]blevequery.Query, 0, len(terms))
	for _, term := range terms {
		name := bleve.NewMatchQuery(term)
		name.SetField("name")
		dir := bleve.NewMatchQuery(term)
		dir.SetField("dir")
		prefix := bleve.NewPrefixQuery(term)
		prefix.SetField("name")
		alternatives := []blevequery.Query{name, dir, prefix}
		if fuzzy {
			fq := bleve.NewFuzzyQuery(term)
			fq.SetFuzziness(1)
			fq.SetField("name")
			alternatives = append(alternatives, fq)
		}
		perTerm = append(perTerm, bleve.NewDisjunctionQuery(alternatives...))
	}

	req := bleve.NewSearchRequest(bleve.NewConjunctionQuery(perTerm...))
	req.Size = int(count)
	results, err := i.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("path search failed: %w", err)
	}
	out := make([]string, len(results.Hits))
	for j, hit := range results.Hits {
		out[j] = hit.ID
	}
	sort.Strings(out)
	return out, nil
}

// Close releases the index.
func (i *Index) Close() error {
	return i.index.Close()
}

func newPathDoc(path string) pathDoc {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return pathDoc{
		Name: strings.Join(tokenize(base), " "),
		Dir:  strings.Join(tokenize(filepath.Dir(path)), " "),
	}
}

// tokenize lowercases s and splits it on anything that is not a letter or
// digit, so "holiday_beach-2021" yields holiday, beach, 2021.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
