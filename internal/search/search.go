// Package search ranks catalog items against a free-text query.
//
// Matching uses fzf's fuzzy algorithm over the name and author_name fields.
// Every whitespace separated term must match one of the two fields; the item
// score is the sum of each term's best field score.
package search

import (
	"slices"
	"strings"
	"sync"
	"unicode"

	"github.com/junegunn/fzf/src/algo"
	"github.com/junegunn/fzf/src/util"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/xdcshop/internal/catalog"
)

var initOnce sync.Once

func initScheme() {
	initOnce.Do(func() { algo.Init("default") })
}

// Rank returns the items matching query, best first. Ties keep input order.
// An empty query returns a copy of items unchanged.
func Rank(query string, items []catalog.Item) []catalog.Item {
	return rank(query, items, func(it catalog.Item) catalog.Item { return it })
}

// RankEntries is Rank for catalog entries.
func RankEntries(query string, entries []catalog.Entry) []catalog.Entry {
	return rank(query, entries, func(e catalog.Entry) catalog.Item { return e.Item })
}

// Score returns the match score of one item, or 0 if it does not match.
func Score(query string, it catalog.Item) int {
	terms := Terms(query)
	if len(terms) == 0 {
		return 0
	}
	initScheme()
	return score(terms, it, nil)
}

// Terms splits query into normalised, lower-cased search terms.
func Terms(query string) [][]rune {
	fields := strings.FieldsFunc(norm.NFC.String(query), unicode.IsSpace)
	terms := make([][]rune, 0, len(fields))
	for _, f := range fields {
		terms = append(terms, algo.NormalizeRunes([]rune(strings.ToLower(f))))
	}
	return terms
}

type scored[T any] struct {
	value T
	score int
}

func rank[T any](query string, xs []T, item func(T) catalog.Item) []T {
	terms := Terms(query)
	if len(terms) == 0 {
		return slices.Clone(xs)
	}
	initScheme()

	slab := util.MakeSlab(100*1024, 2048)
	matches := make([]scored[T], 0, len(xs))
	for _, x := range xs {
		if s := score(terms, item(x), slab); s > 0 {
			matches = append(matches, scored[T]{value: x, score: s})
		}
	}

	slices.SortStableFunc(matches, func(a, b scored[T]) int {
		return b.score - a.score
	})

	out := make([]T, len(matches))
	for i, m := range matches {
		out[i] = m.value
	}
	return out
}

func score(terms [][]rune, it catalog.Item, slab *util.Slab) int {
	fields := []string{
		norm.NFC.String(catalog.Text(it.Name)),
		norm.NFC.String(catalog.Text(it.AuthorName)),
	}

	total := 0
	for _, term := range terms {
		best := 0
		for _, f := range fields {
			if f == "" {
				continue
			}
			chars := util.ToChars([]byte(f))
			res, _ := algo.FuzzyMatchV2(false, true, true, &chars, term, false, slab)
			if res.Start >= 0 && res.Score > best {
				best = res.Score
			}
		}
		if best == 0 {
			return 0
		}
		total += best
	}
	return total
}
