package journal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func openTemp(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path, discard)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return j, path
}

func TestJournalRoundTrip(t *testing.T) {
	j, path := openTemp(t)
	at := time.Unix(1700000000, 0)

	j.SessionOpened("s1", "10.0.0.1:5000", "/camera", at)
	j.HandshakeRejected("10.0.0.2:5001", 426, "unsupported Sec-WebSocket-Version", at.Add(time.Second))
	j.Learned([]int{5, 4, 6}, 0, at.Add(2*time.Second))
	j.SessionClosed("s1", "10.0.0.1:5000", "close 1000", at.Add(3*time.Second))

	// Close drains the queue, reopening reads what was written.
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}
	j, err := Open(path, discard)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	got, err := j.Recent(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}

	want := []struct {
		kind    string
		session string
		status  int
	}{
		{KindClosed, "s1", 0},
		{KindLearned, "", 0},
		{KindRejected, "", 426},
		{KindOpened, "s1", 0},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Kind != w.kind || got[i].Session != w.session || got[i].Status != w.status {
			t.Errorf("event %d = %+v, want %+v", i, got[i], w)
		}
	}
	if !got[3].At.Equal(at) || got[3].Detail != "/camera" {
		t.Errorf("opened event = %+v", got[3])
	}
	if !strings.Contains(got[1].Detail, `"lines_to_skip":0`) || !strings.Contains(got[1].Detail, "[5,4,6]") {
		t.Errorf("learned detail = %q", got[1].Detail)
	}
}

func TestJournalRecentLimit(t *testing.T) {
	j, _ := openTemp(t)
	defer j.Close()

	for i := 0; i < 5; i++ {
		j.SessionOpened("s", "", "/", time.Now())
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := j.Recent(context.Background(), 3)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) == 3 {
			if got[0].ID <= got[1].ID {
				t.Errorf("not newest first: %d then %d", got[0].ID, got[1].ID)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d events visible", len(got))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestJournalClosed(t *testing.T) {
	j, _ := openTemp(t)
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}
	if err := j.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}

	// Recording after Close is a silent no-op.
	j.SessionOpened("late", "", "/", time.Now())

	if _, err := j.Recent(context.Background(), 1); !errors.Is(err, ErrClosed) {
		t.Errorf("Recent() after Close = %v, want ErrClosed", err)
	}
}
