package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/pijuplayer/pijud/pijud"
)

// Reader parses journals written by Writer from top to bottom.
type Reader struct {
	s *bufio.Scanner
}

// NewReader creates a new journal reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{bufio.NewScanner(r)}
}

// Read reads a single entry. An EOF error is returned once the journal has
// been fully consumed.
func (r *Reader) Read() (pijud.Event, time.Time, error) {
	for r.s.Scan() {
		line := r.s.Bytes()
		if len(line) == 0 {
			continue
		}
		return parseLine(line)
	}

	if err := r.s.Err(); err != nil {
		return nil, time.Time{}, err
	}

	return nil, time.Time{}, io.EOF
}

// TailReader parses a journal from the bottom up, newest entry first. It is
// used to recover recent state without scanning a potentially large journal in
// its entirety.
type TailReader struct {
	s *tailScanner
}

// NewTailReader creates a TailReader over the given file region. size is the
// file's current length.
func NewTailReader(r io.ReaderAt, size int64) *TailReader {
	return &TailReader{newTailScanner(r, size)}
}

// OpenTail opens the journal at path for tail reading. The returned closer is
// the underlying file.
func OpenTail(path string) (*TailReader, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to open journal")
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, errors.Wrap(err, "failed to stat journal")
	}

	return NewTailReader(f, stat.Size()), f, nil
}

// Read reads the entry preceding the last one read. An EOF error is returned
// once the top of the journal is reached.
func (r *TailReader) Read() (pijud.Event, time.Time, error) {
	for {
		line, err := r.s.line()
		if err != nil {
			return nil, time.Time{}, err
		}
		if len(line) == 0 {
			continue
		}
		return parseLine(line)
	}
}

func parseLine(line []byte) (pijud.Event, time.Time, error) {
	var rawEvent struct {
		Time time.Time       `json:"time"`
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}

	if err := json.Unmarshal(line, &rawEvent); err != nil {
		return nil, time.Time{}, errors.Wrap(err, "failed to decode JSON")
	}

	event := pijud.NewEvent(rawEvent.Type)
	if event == nil {
		return nil, time.Time{}, fmt.Errorf("unknown event %q", rawEvent.Type)
	}

	if err := json.Unmarshal(rawEvent.Data, event); err != nil {
		return nil, time.Time{}, errors.Wrap(err, "failed to decode event data")
	}

	return event, rawEvent.Time, nil
}
