package upload

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeRows(n int) [][]string {
	rows := [][]string{{"text", "summary"}}
	for i := 0; i < n; i++ {
		rows = append(rows, []string{fmt.Sprintf("full text %d", i), fmt.Sprintf("summary %d", i)})
	}
	return rows
}

func TestSplitIntoChunks(t *testing.T) {
	t.Run("Should split 237 rows into 24 chunks of 10", func(t *testing.T) {
		chunks, err := SplitIntoChunks(makeRows(237), 10)
		require.NoError(t, err)
		require.Len(t, chunks, 24)

		for i, c := range chunks[:23] {
			assert.Equal(t, i, c.Index)
			assert.Equal(t, 10, c.Rows())
		}
		assert.Equal(t, 7, chunks[23].Rows())
		assert.Equal(t, "full text 230", chunks[23].Records[0][0])
	})

	t.Run("Should hold partition properties for many sizes", func(t *testing.T) {
		for _, n := range []int{1, 2, 9, 10, 11, 99, 100, 101, 237} {
			for _, k := range []int{1, 3, 10, 50, 1000} {
				t.Run(fmt.Sprintf("N=%d K=%d", n, k), func(t *testing.T) {
					chunks, err := SplitIntoChunks(makeRows(n), k)
					require.NoError(t, err)
					assert.Len(t, chunks, (n+k-1)/k)

					total := 0
					for _, c := range chunks {
						assert.LessOrEqual(t, c.Rows(), k)
						assert.Positive(t, c.Rows())
						firstLine := strings.SplitN(c.Content, "\n", 2)[0]
						assert.Equal(t, "text,summary", firstLine)
						total += c.Rows()
					}
					assert.Equal(t, n, total)
				})
			}
		}
	})

	t.Run("Should be deterministic", func(t *testing.T) {
		rows := makeRows(53)
		first, err := SplitIntoChunks(rows, 7)
		require.NoError(t, err)
		second, err := SplitIntoChunks(rows, 7)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("Should not alias the input rows", func(t *testing.T) {
		rows := makeRows(3)
		chunks, err := SplitIntoChunks(rows, 2)
		require.NoError(t, err)

		rows[0][0] = "changed"
		rows[1][0] = "changed"
		assert.Equal(t, "text", chunks[0].Header[0])
		assert.Equal(t, "full text 0", chunks[0].Records[0][0])
	})

	t.Run("Should return no chunks for zero data rows", func(t *testing.T) {
		chunks, err := SplitIntoChunks(makeRows(0), 10)
		require.NoError(t, err)
		assert.Empty(t, chunks)
	})

	t.Run("Should reject missing header and bad chunk size", func(t *testing.T) {
		_, err := SplitIntoChunks(nil, 10)
		assert.Error(t, err)

		_, err = SplitIntoChunks(makeRows(5), 0)
		assert.Error(t, err)
	})

	t.Run("Should quote fields that need it", func(t *testing.T) {
		rows := [][]string{{"text", "summary"}, {"a, b", `say "hi"`}}
		chunks, err := SplitIntoChunks(rows, 10)
		require.NoError(t, err)
		assert.Equal(t, "text,summary\n\"a, b\",\"say \"\"hi\"\"\"\n", chunks[0].Content)
	})

	t.Run("Should name files from one", func(t *testing.T) {
		assert.Equal(t, "chunk_1.csv", Chunk{Index: 0}.FileName())
		assert.Equal(t, "chunk_24.csv", Chunk{Index: 23}.FileName())
	})
}

func TestParseCSV(t *testing.T) {
	t.Run("Should parse header and rows", func(t *testing.T) {
		rows, err := ParseCSV(strings.NewReader("text,summary\nt1,s1\n\nt2,s2\n"))
		require.NoError(t, err)
		assert.Equal(t, [][]string{{"text", "summary"}, {"t1", "s1"}, {"t2", "s2"}}, rows)
	})

	t.Run("Should reject rows with the wrong number of fields", func(t *testing.T) {
		_, err := ParseCSV(strings.NewReader("text,summary\nt1,s1,extra\n"))
		var valErr *ValidationError
		require.ErrorAs(t, err, &valErr)
		assert.NotEmpty(t, valErr.Problems)
	})
}

func TestValidateUpload(t *testing.T) {
	meta := Metadata{Name: "News", FullTextColumn: "text", ReferenceSummaryColumn: "summary"}

	t.Run("Should accept matching metadata", func(t *testing.T) {
		assert.NoError(t, validateUpload(makeRows(3), meta))
	})

	t.Run("Should collect every problem", func(t *testing.T) {
		err := validateUpload(makeRows(0), Metadata{FullTextColumn: "body"})
		var valErr *ValidationError
		require.ErrorAs(t, err, &valErr)
		assert.Len(t, valErr.Problems, 4)
		assert.Contains(t, err.Error(), `full text column "body" not found in header`)
	})
}
