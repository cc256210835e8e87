package record

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// maxLineBytes bounds a single JSONL record.
const maxLineBytes = 16 * 1024 * 1024

// ReadStats counts what a JSONL read saw.
type ReadStats struct {
	Lines     int `json:"lines"`
	Parsed    int `json:"parsed"`
	Malformed int `json:"malformed"`
}

type validator interface {
	Valid() bool
}

// ReadJSONL decodes one JSON object per line of path and calls fn for each.
// Blank lines are ignored. Lines that fail to decode, exceed maxLineBytes, or
// whose decoded value reports itself invalid, are counted as malformed and
// skipped. The line slice passed to fn is only valid for the duration of the
// call.
func ReadJSONL[T any](path string, fn func(rec T, line []byte) error) (ReadStats, error) {
	var stats ReadStats

	f, err := os.Open(path)
	if err != nil {
		return stats, err
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	var buf []byte
	for {
		raw, tooLong, readErr := readLine(r, buf[:0], maxLineBytes)
		buf = raw
		if readErr != nil && readErr != io.EOF {
			return stats, fmt.Errorf("reading %s: %w", path, readErr)
		}

		line := bytes.TrimSpace(raw)
		switch {
		case tooLong:
			stats.Lines++
			stats.Malformed++
		case len(line) > 0:
			stats.Lines++
			if err := decodeLine(line, &stats, fn); err != nil {
				return stats, err
			}
		}

		if readErr == io.EOF {
			return stats, nil
		}
	}
}

func decodeLine[T any](line []byte, stats *ReadStats, fn func(rec T, line []byte) error) error {
	var rec T
	if err := json.Unmarshal(line, &rec); err != nil {
		stats.Malformed++
		return nil
	}
	if v, ok := any(&rec).(validator); ok && !v.Valid() {
		stats.Malformed++
		return nil
	}
	stats.Parsed++
	return fn(rec, line)
}

// readLine appends the next line of r to buf without its newline. Once the
// line grows past limit the rest of it is discarded and tooLong is set.
// err is io.EOF after the final line.
func readLine(r *bufio.Reader, buf []byte, limit int) (line []byte, tooLong bool, err error) {
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			if len(buf)+len(bytes.TrimSuffix(chunk, []byte{'\n'})) > limit {
				tooLong = true
				buf = buf[:0]
			} else {
				buf = append(buf, chunk...)
			}
		}
		switch err {
		case bufio.ErrBufferFull:
			continue
		case nil:
			return bytes.TrimSuffix(buf, []byte{'\n'}), tooLong, nil
		default:
			return buf, tooLong, err
		}
	}
}

// WriteJSONL writes rows to path, one JSON object per line, replacing any
// existing file.
func WriteJSONL[T any](path string, rows []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for i := range rows {
		if err := enc.Encode(rows[i]); err != nil {
			f.Close()
			return fmt.Errorf("encoding row %d: %w", i, err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteJSON writes v to path as a single indented JSON document.
func WriteJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// ReadJSON decodes the JSON document at path into v.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}
	return nil
}
