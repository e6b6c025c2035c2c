package journal

import (
	"bytes"
	"io"
)

// tailBlock is how much of the file is pulled in per backwards read.
const tailBlock = 4096

// tailScanner yields the lines of a file from the last to the first. It reads
// the file in blocks from the end, so only the tail of a large journal is ever
// touched when the caller stops early.
type tailScanner struct {
	r    io.ReaderAt
	off  int64  // start offset of the region not yet buffered
	buf  []byte // buffered region, lines not yet emitted
	done bool
}

func newTailScanner(r io.ReaderAt, size int64) *tailScanner {
	return &tailScanner{r: r, off: size}
}

// line returns the line preceding the previously returned one, without its
// trailing newline. io.EOF is returned after the first line of the file.
func (s *tailScanner) line() ([]byte, error) {
	for {
		if i := bytes.LastIndexByte(s.buf, '\n'); i >= 0 {
			line := s.buf[i+1:]
			s.buf = s.buf[:i]
			return line, nil
		}

		if s.off == 0 {
			if s.done {
				return nil, io.EOF
			}

			s.done = true
			return s.buf, nil
		}

		n := int64(tailBlock)
		if n > s.off {
			n = s.off
		}
		s.off -= n

		block := make([]byte, n, n+int64(len(s.buf)))
		if _, err := s.r.ReadAt(block, s.off); err != nil {
			return nil, err
		}

		s.buf = append(block, s.buf...)
	}
}
