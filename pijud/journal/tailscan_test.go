package journal

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestTailScanner(t *testing.T) {
	// Enough lines of uneven length to span several read blocks.
	var lines []string
	for i := 0; i < 400; i++ {
		lines = append(lines, fmt.Sprintf("line %d %s", i, strings.Repeat("x", i%97)))
	}

	contents := strings.Join(lines, "\n") + "\n"
	if len(contents) < 3*tailBlock {
		t.Fatal("fixture too small to exercise block reads")
	}

	s := newTailScanner(strings.NewReader(contents), int64(len(contents)))

	got := 0
	for i := len(lines) - 1; ; {
		line, err := s.line()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal("scan failed:", err)
		}
		if len(line) == 0 {
			// The trailing newline produces one empty line.
			continue
		}

		if i < 0 {
			t.Fatalf("scanner yielded extra line %q", line)
		}
		if string(line) != lines[i] {
			t.Fatalf("line %d = %q, expected %q", i, line, lines[i])
		}
		i--
		got++
	}

	if got != len(lines) {
		t.Errorf("scanned %d lines, expected %d", got, len(lines))
	}
}

func TestTailScannerEmpty(t *testing.T) {
	s := newTailScanner(bytes.NewReader(nil), 0)

	line, err := s.line()
	if err != nil {
		t.Fatal(err)
	}
	if len(line) != 0 {
		t.Errorf("line = %q, expected empty", line)
	}

	if _, err := s.line(); err != io.EOF {
		t.Errorf("err = %v, expected io.EOF", err)
	}
}

func TestTailScannerNoTrailingNewline(t *testing.T) {
	s := newTailScanner(strings.NewReader("first\nlast"), int64(len("first\nlast")))

	expect := []string{"last", "first"}
	for _, want := range expect {
		line, err := s.line()
		if err != nil {
			t.Fatal(err)
		}
		if string(line) != want {
			t.Errorf("line = %q, expected %q", line, want)
		}
	}

	if _, err := s.line(); err != io.EOF {
		t.Errorf("err = %v, expected io.EOF", err)
	}
}
