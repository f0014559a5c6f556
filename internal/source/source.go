// Package source splits input files into the chunks the engine iterates over.
package source

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"recleaner/internal/types"
)

// CharsPerItem converts a chunk size in items to a text window in characters.
const CharsPerItem = 80

// Options controls chunking.
type Options struct {
	// Mode forces text chunking when set to types.ModeText. Otherwise the mode
	// follows the file extension.
	Mode        types.Mode
	ChunkSize   int
	TextOverlap int
}

// Open reads path and splits it into chunks. .jsonl, .csv and .json produce
// structured chunks; any other extension is chunked as text.
func Open(path string, opts Options) ([]types.Chunk, error) {
	if opts.ChunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", opts.ChunkSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return []types.Chunk{}, nil
	}

	if opts.Mode == types.ModeText {
		return FromText(string(data), opts.ChunkSize*CharsPerItem, opts.TextOverlap), nil
	}

	var records []types.Record
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson":
		records, err = readJSONL(bytes.NewReader(data))
	case ".csv":
		records, err = readCSV(bytes.NewReader(data))
	case ".json":
		records, err = readJSON(data)
	default:
		return FromText(string(data), opts.ChunkSize*CharsPerItem, opts.TextOverlap), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return FromRecords(records, opts.ChunkSize), nil
}

// ModeFor reports the chunk mode Open would use for path.
func ModeFor(path string, forced types.Mode) types.Mode {
	if forced == types.ModeText {
		return types.ModeText
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson", ".csv", ".json":
		return types.ModeStructured
	}
	return types.ModeText
}

// FromRecords groups records into structured chunks of at most size records.
func FromRecords(records []types.Record, size int) []types.Chunk {
	if size <= 0 {
		size = 1
	}
	chunks := make([]types.Chunk, 0, (len(records)+size-1)/size)
	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		chunks = append(chunks, types.Chunk{
			Index:   len(chunks),
			Mode:    types.ModeStructured,
			Records: records[start:end:end],
		})
	}
	return chunks
}

// FromText splits text into windows of size characters, each starting overlap
// characters before the previous one ended. Whitespace-only windows are dropped.
func FromText(text string, size, overlap int) []types.Chunk {
	runes := []rune(text)
	if size <= 0 {
		size = len(runes)
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	step := size - overlap

	chunks := []types.Chunk{}
	for start := 0; start < len(runes); start += step {
		end := min(start+size, len(runes))
		window := string(runes[start:end])
		if strings.TrimSpace(window) != "" {
			chunks = append(chunks, types.Chunk{Index: len(chunks), Mode: types.ModeText, Text: window})
		}
		if end == len(runes) {
			break
		}
	}
	return chunks
}

func readJSONL(r io.Reader) ([]types.Record, error) {
	var records []types.Record
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		rec, err := decodeRecord([]byte(text))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func readCSV(r io.Reader) ([]types.Record, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("csv header: %w", err)
	}

	var records []types.Record
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv: %w", err)
		}
		rec := make(types.Record, len(header))
		for i, col := range header {
			if i < len(row) {
				rec[col] = row[i]
			} else {
				rec[col] = ""
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

// readJSON accepts an array of records or a single object. Non-object array
// items are wrapped as {"value": item}.
func readJSON(data []byte) ([]types.Record, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	switch v := raw.(type) {
	case []any:
		records := make([]types.Record, 0, len(v))
		for _, item := range v {
			records = append(records, asRecord(item))
		}
		return records, nil
	default:
		return []types.Record{asRecord(v)}, nil
	}
}

func decodeRecord(data []byte) (types.Record, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return asRecord(raw), nil
}

func asRecord(v any) types.Record {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return types.Record{"value": v}
}
