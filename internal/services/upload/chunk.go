package upload

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Clever/csvlint"
)

// Chunk is a bounded slice of data rows, re-prefixed with the header so it
// parses on its own. Chunks are never modified after SplitIntoChunks.
type Chunk struct {
	Index   int
	Header  []string
	Records [][]string
	Content string
}

// FileName is the name the chunk is uploaded under.
func (c Chunk) FileName() string {
	return fmt.Sprintf("chunk_%d.csv", c.Index+1)
}

// Rows returns the number of data rows in the chunk.
func (c Chunk) Rows() int {
	return len(c.Records)
}

// maxLintErrors caps the problems reported for one file.
const maxLintErrors = 5

// ParseCSV validates r with csvlint and returns every record, header first.
// Blank lines are skipped.
func ParseCSV(r io.Reader) ([][]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}

	invalids, _, err := csvlint.Validate(bytes.NewReader(data), ',', false)
	if err != nil {
		return nil, fmt.Errorf("validate csv: %w", err)
	}
	if len(invalids) > 0 {
		problems := make([]string, 0, maxLintErrors)
		for i, v := range invalids {
			if i == maxLintErrors {
				problems = append(problems, fmt.Sprintf("and %d more", len(invalids)-maxLintErrors))
				break
			}
			problems = append(problems, v.Error())
		}
		return nil, &ValidationError{Problems: problems}
	}

	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	return records, nil
}

// SplitIntoChunks partitions rows (row 0 is the header) into consecutive chunks
// of at most rowsPerChunk data rows. N data rows give ceil(N/rowsPerChunk)
// chunks; zero data rows give none.
func SplitIntoChunks(rows [][]string, rowsPerChunk int) ([]Chunk, error) {
	if rowsPerChunk <= 0 {
		return nil, fmt.Errorf("rows per chunk must be positive, got %d", rowsPerChunk)
	}
	if len(rows) == 0 {
		return nil, errors.New("csv has no header row")
	}

	header := rows[0]
	data := rows[1:]
	numChunks := (len(data) + rowsPerChunk - 1) / rowsPerChunk
	chunks := make([]Chunk, 0, numChunks)

	for i := 0; i < numChunks; i++ {
		start := i * rowsPerChunk
		end := start + rowsPerChunk
		if end > len(data) {
			end = len(data)
		}

		h := append([]string(nil), header...)
		records := make([][]string, end-start)
		for j, rec := range data[start:end] {
			records[j] = append([]string(nil), rec...)
		}

		content, err := serialize(h, records)
		if err != nil {
			return nil, fmt.Errorf("serialize chunk %d: %w", i, err)
		}

		chunks = append(chunks, Chunk{
			Index:   i,
			Header:  h,
			Records: records,
			Content: content,
		})
	}

	return chunks, nil
}

func serialize(header []string, records [][]string) (string, error) {
	var sb strings.Builder
	w := csv.NewWriter(&sb)
	if err := w.Write(header); err != nil {
		return "", err
	}
	if err := w.WriteAll(records); err != nil {
		return "", err
	}
	return sb.String(), nil
}
