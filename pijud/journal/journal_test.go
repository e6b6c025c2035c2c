package journal

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/pijuplayer/pijud/pijud"
)

// fixture is a realistic supervisor session, oldest first.
var fixture = []pijud.Event{
	&pijud.EventAcquired{},
	&pijud.EventServiceSpawned{Name: "webui", PID: 100},
	&pijud.EventServiceExited{Name: "webui", PID: 100, ExitCode: 1},
	&pijud.EventServiceSpawned{Name: "webui", PID: 101},
	&pijud.EventWarning{Component: "watcher", Error: "tick"},
}

func TestWriterReader(t *testing.T) {
	var buf bytes.Buffer

	w := NewWriter(&buf)
	for _, ev := range fixture {
		if err := w.Write(ev); err != nil {
			t.Fatal("failed to write event:", err)
		}
	}

	r := NewReader(&buf)
	for i := 0; ; i++ {
		ev, at, err := r.Read()
		if err == io.EOF {
			if i != len(fixture) {
				t.Fatalf("EOF after %d events, expected %d", i, len(fixture))
			}
			break
		}
		if err != nil {
			t.Fatal("failed to read event:", err)
		}

		if at.IsZero() {
			t.Error("event has no timestamp")
		}
		if !reflect.DeepEqual(ev, fixture[i]) {
			t.Errorf("event %d = %#v, expected %#v", i, ev, fixture[i])
		}
	}
}

func TestTailReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.json")

	j, err := NewFileLockJournaler(path)
	if err != nil {
		t.Fatal("failed to create journaler:", err)
	}
	defer j.Close()

	for _, ev := range fixture {
		if err := j.Write(ev); err != nil {
			t.Fatal("failed to write event:", err)
		}
	}

	r, closer, err := OpenTail(path)
	if err != nil {
		t.Fatal("failed to open tail:", err)
	}
	defer closer.Close()

	// The tail reader yields newest first.
	for i := len(fixture) - 1; ; i-- {
		ev, _, err := r.Read()
		if err == io.EOF {
			if i != -1 {
				t.Fatalf("EOF with %d events still expected", i+1)
			}
			break
		}
		if err != nil {
			t.Fatal("failed to read event:", err)
		}

		if !reflect.DeepEqual(ev, fixture[i]) {
			t.Errorf("event %d = %#v, expected %#v", i, ev, fixture[i])
		}
	}
}

func TestReaderBadLine(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte("{\"type\": \"no such event\", \"data\": {}}\n")))
	if _, _, err := r.Read(); err == nil {
		t.Error("expected an error for an unknown event type")
	}
}

func TestMultiWriter(t *testing.T) {
	var one, two bytes.Buffer

	w := MultiWriter(NewWriter(&one), NewWriter(&two))
	if err := w.Write(&pijud.EventAcquired{}); err != nil {
		t.Fatal("failed to write:", err)
	}

	for i, buf := range []*bytes.Buffer{&one, &two} {
		ev, _, err := NewReader(buf).Read()
		if err != nil {
			t.Fatalf("failed to read writer %d back: %v", i, err)
		}
		if _, ok := ev.(*pijud.EventAcquired); !ok {
			t.Errorf("writer %d recorded %#v", i, ev)
		}
	}
}

func TestFileLockJournaler(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deep", "journal.json")

	j, err := NewFileLockJournaler(path)
	if err != nil {
		t.Fatal("failed to acquire journal:", err)
	}

	if _, err := NewFileLockJournaler(path); err != ErrLockedElsewhere {
		t.Errorf("second journaler error = %v, expected ErrLockedElsewhere", err)
	}

	if err := j.Close(); err != nil {
		t.Fatal("failed to close journaler:", err)
	}

	j2, err := NewFileLockJournaler(path)
	if err != nil {
		t.Fatal("failed to reacquire after close:", err)
	}
	j2.Close()

	if _, err := os.Stat(path); err != nil {
		t.Error("journal file should exist:", err)
	}
}
