package logsource_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/opst/knitops/internal/testutils/fakeplatform"
	"github.com/opst/knitops/pkg/cluster"
	"github.com/opst/knitops/pkg/domain"
	"github.com/opst/knitops/pkg/logsource"
)

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		panic(err)
	}
	return t
}

type rec struct {
	Source    string
	Timestamp time.Time
	HasTS     bool
	Payload   string
	IsError   bool
}

func simplify(rs []domain.LogRecord) []rec {
	ret := make([]rec, 0, len(rs))
	for _, r := range rs {
		ret = append(ret, rec{
			Source: r.Source, Timestamp: r.Timestamp, HasTS: r.HasTimestamp,
			Payload: string(r.Payload), IsError: r.IsError,
		})
	}
	return ret
}

func TestInstanceSource_Stacked(t *testing.T) {
	inst := domain.Instance{ID: "id-1", Name: "web.1", App: "web"}

	for name, format := range map[string]cluster.LogFormat{
		"lines":  cluster.FormatLines,
		"framed": cluster.FormatFramed,
	} {
		t.Run("when the platform sends "+name+", it parses timestamps out of lines", func(t *testing.T) {
			lines := []string{
				"2024-01-01T00:00:01.000000001Z hello\n",
				"2024-01-01T00:00:02Z world\n",
				"not a timestamp\n",
			}
			p := fakeplatform.New()
			p.Format = format
			if format == cluster.FormatFramed {
				framed := []string{}
				for _, l := range lines {
					framed = append(framed, string(frame(1, l)))
				}
				p.StackedLogs["web.1"] = framed
			} else {
				p.StackedLogs["web.1"] = lines
			}

			testee := logsource.NewInstanceSource(p, inst, nil)
			if testee.Name() != "web.1" {
				t.Errorf("name: %s", testee.Name())
			}

			got, err := testee.Stacked(context.Background(), -1)
			if err != nil {
				t.Fatal(err)
			}
			want := []rec{
				{Source: "web.1", Timestamp: ts("2024-01-01T00:00:01.000000001Z"), HasTS: true, Payload: "hello"},
				{Source: "web.1", Timestamp: ts("2024-01-01T00:00:02Z"), HasTS: true, Payload: "world"},
				{Source: "web.1", Payload: "not a timestamp"},
			}
			if !cmp.Equal(simplify(got), want) {
				t.Errorf("records:\n%s", cmp.Diff(want, simplify(got)))
			}
			if n := p.OpenStreams(); n != 0 {
				t.Errorf("leaked streams: %d", n)
			}
		})
	}

	t.Run("it passes tail to the platform", func(t *testing.T) {
		p := fakeplatform.New()
		p.StackedLogs["web.1"] = []string{
			"2024-01-01T00:00:01Z a\n",
			"2024-01-01T00:00:02Z b\n",
			"2024-01-01T00:00:03Z c\n",
		}
		testee := logsource.NewInstanceSource(p, inst, nil)
		got, err := testee.Stacked(context.Background(), 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 || string(got[0].Payload) != "b" || string(got[1].Payload) != "c" {
			t.Errorf("unexpected records: %v", simplify(got))
		}
	})
}

func TestInstanceSource_Follow(t *testing.T) {
	inst := domain.Instance{ID: "id-1", Name: "web.1", App: "web"}

	t.Run("it skips records at or before resumeAfter", func(t *testing.T) {
		p := fakeplatform.New()
		testee := logsource.NewInstanceSource(
			p, inst, nil,
			logsource.WithClock(func() time.Time { return ts("2024-01-01T00:01:00Z") }),
		)

		after := ts("2024-01-01T00:00:02Z")
		st, err := testee.Follow(context.Background(), &after)
		if err != nil {
			t.Fatal(err)
		}
		defer st.Close()

		go func() {
			p.Emit("web.1", "2024-01-01T00:00:01Z old\n")
			p.Emit("web.1", "2024-01-01T00:00:02Z boundary\n")
			p.Emit("web.1", "2024-01-01T00:00:03Z new\n")
			p.EndLive("web.1")
		}()

		got := []domain.LogRecord{}
		for {
			r, err := st.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				t.Fatal(err)
			}
			got = append(got, r)
		}

		want := []rec{
			{Source: "web.1", Timestamp: ts("2024-01-01T00:00:03Z"), HasTS: true, Payload: "new"},
		}
		if !cmp.Equal(simplify(got), want) {
			t.Errorf("records:\n%s", cmp.Diff(want, simplify(got)))
		}
	})

	t.Run("when it is closed, blocked Next returns EOF and the connection is closed", func(t *testing.T) {
		p := fakeplatform.New()
		testee := logsource.NewInstanceSource(p, inst, nil)

		st, err := testee.Follow(context.Background(), nil)
		if err != nil {
			t.Fatal(err)
		}

		done := make(chan error, 1)
		go func() {
			_, err := st.Next()
			done <- err
		}()

		time.Sleep(10 * time.Millisecond)
		st.Close()
		st.Close() // twice is fine

		select {
		case err := <-done:
			if !errors.Is(err, io.EOF) {
				t.Errorf("unexpected error: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Next is not unblocked")
		}
		if n := p.OpenStreams(); n != 0 {
			t.Errorf("leaked streams: %d", n)
		}
	})

	t.Run("when the context is cancelled, the stream is closed", func(t *testing.T) {
		p := fakeplatform.New()
		testee := logsource.NewInstanceSource(p, inst, nil)

		ctx, cancel := context.WithCancel(context.Background())
		st, err := testee.Follow(ctx, nil)
		if err != nil {
			t.Fatal(err)
		}
		cancel()

		if _, err := st.Next(); !errors.Is(err, io.EOF) {
			t.Errorf("unexpected error: %v", err)
		}
		if n := p.OpenStreams(); n != 0 {
			t.Errorf("leaked streams: %d", n)
		}
	})
}

func TestSinceSeconds(t *testing.T) {
	now := ts("2024-01-01T00:01:00Z")
	for name, testcase := range map[string]struct {
		after time.Time
		want  int64
	}{
		"exact seconds":     {after: ts("2024-01-01T00:00:30Z"), want: 31},
		"fractional":        {after: ts("2024-01-01T00:00:30.5Z"), want: 30},
		"future is 1":       {after: ts("2024-01-01T00:02:00Z"), want: 1},
		"same instant is 1": {after: now, want: 1},
	} {
		t.Run(name, func(t *testing.T) {
			if got := logsource.SinceSeconds(now, testcase.after); got != testcase.want {
				t.Errorf("got %d, want %d", got, testcase.want)
			}
		})
	}
}

func TestArchivedSource(t *testing.T) {
	records := []domain.LogRecord{
		{Timestamp: ts("2024-01-01T00:00:01Z"), HasTimestamp: true, Payload: []byte("a")},
		{Timestamp: ts("2024-01-01T00:00:02Z"), HasTimestamp: true, Payload: []byte("b")},
		{Timestamp: ts("2024-01-01T00:00:03Z"), HasTimestamp: true, Payload: []byte("c")},
	}
	testee := logsource.NewArchivedSource("db.1", records)

	t.Run("Stacked returns the tail, named after the source", func(t *testing.T) {
		got, err := testee.Stacked(context.Background(), 1)
		if err != nil {
			t.Fatal(err)
		}
		want := []rec{{Source: "db.1", Timestamp: ts("2024-01-01T00:00:03Z"), HasTS: true, Payload: "c"}}
		if !cmp.Equal(simplify(got), want) {
			t.Errorf("records:\n%s", cmp.Diff(want, simplify(got)))
		}
	})

	t.Run("Follow returns records after resumeAfter, then ends", func(t *testing.T) {
		after := ts("2024-01-01T00:00:02Z")
		st, err := testee.Follow(context.Background(), &after)
		if err != nil {
			t.Fatal(err)
		}
		r, err := st.Next()
		if err != nil || string(r.Payload) != "c" {
			t.Errorf("unexpected: %v, %v", r, err)
		}
		if _, err := st.Next(); !errors.Is(err, io.EOF) {
			t.Errorf("unexpected error: %v", err)
		}
	})
}
