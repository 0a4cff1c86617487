package replay_test

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/prompter/internal/bus"
	"github.com/MrWong99/prompter/internal/replay"
	"github.com/MrWong99/prompter/internal/script"
	"github.com/MrWong99/prompter/internal/session"
)

const testScript = `# The Locusts
[s1] The year of the locusts began in spring.
[s1] Farmers watched the sky turn dark with wings.
[s2] Nobody in the valley had seen Okonkwo so afraid.
[s1] By summer the fields were bare and the granaries empty.`

func TestRead(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		want    []int64
		wantErr string
	}{
		{
			name: "skips blanks and comments",
			in: `# recorded 2026-01-01
{"offset_ms":0,"text":"farmers"}

{"offset_ms":200,"text":"farmers watched","final":true}`,
			want: []int64{0, 200},
		},
		{
			name: "sorts by offset keeping file order",
			in: `{"offset_ms":300,"text":"c"}
{"offset_ms":100,"text":"a"}
{"offset_ms":300,"err_px":12}`,
			want: []int64{100, 300, 300},
		},
		{
			name:    "bad json reports line",
			in:      "{\"offset_ms\":0,\"text\":\"a\"}\n{oops",
			wantErr: "line 2",
		},
		{
			name:    "negative offset",
			in:      `{"offset_ms":-5,"text":"a"}`,
			wantErr: "negative offset",
		},
		{
			name:    "empty event",
			in:      `{"offset_ms":5}`,
			wantErr: "neither text nor err_px",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := replay.Read(strings.NewReader(tc.in))
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("err = %v, want containing %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("events = %+v", got)
			}
			for i, off := range tc.want {
				if got[i].OffsetMs != off {
					t.Errorf("event %d offset = %d, want %d", i, got[i].OffsetMs, off)
				}
			}
		})
	}
}

func TestRead_StableOrder(t *testing.T) {
	t.Parallel()

	got, err := replay.Read(strings.NewReader(`{"offset_ms":300,"text":"c"}
{"offset_ms":300,"err_px":12}`))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got[0].Text != "c" || got[1].ErrPx == nil || *got[1].ErrPx != 12 {
		t.Errorf("events = %+v", got)
	}
}

func TestRun_CommitSequence(t *testing.T) {
	t.Parallel()

	rec := `{"offset_ms":0,"text":"farmers watched the sky"}
{"offset_ms":200,"text":"farmers watched the sky"}
{"offset_ms":400,"err_px":-20}
{"offset_ms":900,"text":"Farmers watched the sky turn dark with wings.","final":true}`
	events, err := replay.Read(strings.NewReader(rec))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	b := bus.New()
	defer b.Close()
	sub := b.Subscribe(64, bus.KindSpeed)

	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	res, err := replay.Run(context.Background(), script.Parse(testScript), events, session.Config{},
		replay.WithStart(start),
		replay.WithSessionOptions(session.WithBus(b)),
	)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Transcripts != 3 || res.Scrolls != 1 {
		t.Errorf("counts = %d transcripts, %d scrolls", res.Transcripts, res.Scrolls)
	}
	if len(res.Commits) == 0 {
		t.Fatal("no commits")
	}
	first := res.Commits[0]
	if first.Index != 10 || !first.Leap || !first.At.Equal(start.Add(200*time.Millisecond)) {
		t.Errorf("first commit = %+v", first)
	}
	if res.Final.Current != 10 || res.Final.Stats.LeapConfirmed != 1 {
		t.Errorf("final = %+v", res.Final)
	}

	select {
	case ev := <-sub.C():
		if ev.Speed == nil {
			t.Errorf("speed event = %+v", ev)
		}
	default:
		t.Error("scroll report did not produce a speed directive")
	}

	var out bytes.Buffer
	if err := replay.Print(&out, script.Parse(testScript), res); err != nil {
		t.Fatalf("Print: %v", err)
	}
	text := out.String()
	for _, want := range []string{"0.200s", "idx=10", "leap", "Farmers watched the sky turn dark with wings.", "confirmed=1"} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
}

func TestRun_TailExpiresPendingLeap(t *testing.T) {
	t.Parallel()

	events := []replay.Event{{OffsetMs: 0, Text: "farmers watched the sky"}}
	res, err := replay.Run(context.Background(), script.Parse(testScript), events, session.Config{},
		replay.WithTail(5*time.Second))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Commits) != 0 {
		t.Errorf("commits = %+v, want none", res.Commits)
	}
	if res.Final.HasPending || res.Final.Stats.LeapExpired != 1 {
		t.Errorf("final = %+v", res.Final)
	}
}

func TestRun_Errors(t *testing.T) {
	t.Parallel()

	idx := script.Parse(testScript)

	t.Run("unordered", func(t *testing.T) {
		events := []replay.Event{{OffsetMs: 500, Text: "a"}, {OffsetMs: 100, Text: "b"}}
		if _, err := replay.Run(context.Background(), idx, events, session.Config{}); err == nil {
			t.Error("Run accepted events out of order")
		}
	})

	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		events := []replay.Event{{OffsetMs: 0, Text: "a"}}
		if _, err := replay.Run(ctx, idx, events, session.Config{}); err == nil {
			t.Error("Run ignored a canceled context")
		}
	})
}
