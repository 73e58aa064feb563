package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/xdcshop/internal/catalog"
)

func item(id int64, name, author string) catalog.Item {
	return catalog.Item{
		ID:         catalog.ItemID(id),
		Name:       catalog.Str(name),
		AuthorName: catalog.Str(author),
	}
}

func idsOf(items []catalog.Item) []catalog.ItemID {
	out := make([]catalog.ItemID, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func sample() []catalog.Item {
	return []catalog.Item{
		item(1, "Poll", "Jane Doe"),
		item(2, "Chess Board", "Magnus"),
		item(3, "Drawing Pad", "Paul Klee"),
		item(4, "Calendar", "Jane Roe"),
	}
}

func TestRank_EmptyQueryReturnsInputUnchanged(t *testing.T) {
	in := sample()

	for _, q := range []string{"", "   ", "\t\n"} {
		out := Rank(q, in)
		assert.Equal(t, in, out, "query %q", q)
	}
}

func TestRank_EmptyQueryCopies(t *testing.T) {
	in := sample()
	out := Rank("", in)
	out[0] = item(9, "x", "y")

	assert.Equal(t, catalog.ItemID(1), in[0].ID)
}

func TestRank_MatchesName(t *testing.T) {
	out := Rank("chess", sample())

	require.NotEmpty(t, out)
	assert.Equal(t, catalog.ItemID(2), out[0].ID)
}

func TestRank_MatchesAuthor(t *testing.T) {
	out := Rank("klee", sample())

	assert.Equal(t, []catalog.ItemID{3}, idsOf(out))
}

func TestRank_CaseInsensitive(t *testing.T) {
	assert.Equal(t, []catalog.ItemID{2}, idsOf(Rank("CHESS", sample())))
}

func TestRank_NoMatch(t *testing.T) {
	out := Rank("zzzz", sample())
	assert.Empty(t, out)
	assert.NotNil(t, out)
}

func TestRank_AllTermsMustMatch(t *testing.T) {
	out := Rank("jane cal", sample())

	assert.Equal(t, []catalog.ItemID{4}, idsOf(out))
}

func TestRank_BetterMatchFirst(t *testing.T) {
	items := []catalog.Item{
		item(1, "p-o-l-l scattered", "nobody"),
		item(2, "poll", "nobody"),
	}

	out := Rank("poll", items)
	require.Len(t, out, 2)
	assert.Equal(t, catalog.ItemID(2), out[0].ID)
}

func TestRank_TiesKeepInputOrder(t *testing.T) {
	items := []catalog.Item{
		item(5, "Notes", "A"),
		item(3, "Notes", "B"),
		item(8, "Notes", "C"),
	}

	assert.Equal(t, []catalog.ItemID{5, 3, 8}, idsOf(Rank("notes", items)))
}

func TestRank_IgnoresOtherFields(t *testing.T) {
	it := item(1, "Poll", "Jane")
	it.Description = catalog.Str("chess variant")

	assert.Empty(t, Rank("chess", []catalog.Item{it}))
}

func TestRank_MissingFields(t *testing.T) {
	items := []catalog.Item{{ID: 1}, item(2, "Poll", "")}

	assert.Equal(t, []catalog.ItemID{2}, idsOf(Rank("poll", items)))
}

func TestRank_Accents(t *testing.T) {
	items := []catalog.Item{item(1, "Café Finder", "Zoë")}

	assert.Len(t, Rank("cafe", items), 1, "accents are folded")
	assert.Len(t, Rank("zoe", items), 1)
}

func TestRankEntries(t *testing.T) {
	entries := []catalog.Entry{
		{Item: item(1, "Poll", "Jane"), State: catalog.Received},
		{Item: item(2, "Chess", "Magnus"), State: catalog.Initial},
	}

	out := RankEntries("chess", entries)
	require.Len(t, out, 1)
	assert.Equal(t, catalog.ItemID(2), out[0].ID)
	assert.Equal(t, catalog.Initial, out[0].State)
}

func TestScore(t *testing.T) {
	assert.Greater(t, Score("poll", item(1, "Poll", "")), 0)
	assert.Equal(t, 0, Score("chess", item(1, "Poll", "")))
	assert.Equal(t, 0, Score("", item(1, "Poll", "")))
}

func TestTerms(t *testing.T) {
	terms := Terms("  Jane   DOE ")
	require.Len(t, terms, 2)
	assert.Equal(t, "jane", string(terms[0]))
	assert.Equal(t, "doe", string(terms[1]))
}
