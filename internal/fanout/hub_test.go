package fanout

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"chartdata/internal/model"
)

func testHub(source NotifySource, settings model.SettingsStore) *Hub {
	return NewHub(source, settings, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// newTestSession builds a session without a live socket; pumps are not
// started, so tests read pushes straight off the send channel.
func newTestSession(h *Hub, instrument string, res model.Resolution, from, to int64) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:         "test-session",
		Instrument: instrument,
		Res:        res,
		hub:        h,
		send:       make(chan []byte, sendBuffer),
		gate:       newPushGate(),
		from:       from,
		to:         to,
		ctx:        ctx,
		cancel:     cancel,
	}
	h.add(s)
	return s
}

func drain(s *Session) [][]byte {
	var out [][]byte
	for {
		select {
		case msg := <-s.send:
			out = append(out, msg)
		default:
			return out
		}
	}
}

type fixedSettings struct {
	delta time.Duration
}

func (f fixedSettings) StreamDelta(context.Context, string) (time.Duration, error) {
	return f.delta, nil
}

func TestDispatchTick_FiltersByInstrumentAndWindow(t *testing.T) {
	h := testHub(nil, nil)
	watching := newTestSession(h, "BTC-USDT", model.ResM1, 1700000000, 0)
	other := newTestSession(h, "ETH-USDT", model.ResM1, 1700000000, 0)
	closedWindow := newTestSession(h, "BTC-USDT", model.ResM1, 100, 200)

	h.DispatchTick(model.Tick{Instrument: "BTC-USDT", Price: 50000, TS: 1700000100})

	if got := len(drain(watching)); got != 1 {
		t.Errorf("watching session got %d pushes, want 1", got)
	}
	if got := len(drain(other)); got != 0 {
		t.Errorf("other-instrument session got %d pushes, want 0", got)
	}
	if got := len(drain(closedWindow)); got != 0 {
		t.Errorf("out-of-window session got %d pushes, want 0", got)
	}
}

func TestDispatchTick_ChangeOnly(t *testing.T) {
	h := testHub(nil, nil)
	s := newTestSession(h, "BTC-USDT", model.ResM1, 0, 0)

	var throttled int
	h.OnThrottled = func() { throttled++ }

	tick := model.Tick{Instrument: "BTC-USDT", Price: 50000, TS: 1700000100}
	h.DispatchTick(tick)
	h.DispatchTick(tick) // identical price, suppressed
	tick.Price = 50001
	h.DispatchTick(tick)

	if got := len(drain(s)); got != 2 {
		t.Errorf("pushes = %d, want 2 (unchanged price suppressed)", got)
	}
	if throttled != 1 {
		t.Errorf("throttled counter = %d, want 1", throttled)
	}
}

func TestDispatchTick_HonorsStreamDelta(t *testing.T) {
	h := testHub(nil, fixedSettings{delta: time.Hour})
	s := newTestSession(h, "BTC-USDT", model.ResM1, 0, 0)

	h.DispatchTick(model.Tick{Instrument: "BTC-USDT", Price: 50000, TS: 1700000100})
	h.DispatchTick(model.Tick{Instrument: "BTC-USDT", Price: 50001, TS: 1700000101})

	if got := len(drain(s)); got != 1 {
		t.Errorf("pushes = %d, want 1 (second tick inside interval)", got)
	}
}

// fakeSource replays a scripted pending backlog, then a live sequence.
type fakeSource struct {
	pending []model.Bar
	live    []model.Bar
	dropped []string
}

func (f *fakeSource) EnsureGroup(context.Context, string, string) error { return nil }

func (f *fakeSource) RecoverPending(ctx context.Context, _, _, _ string, out chan<- model.Bar) error {
	for _, b := range f.pending {
		select {
		case out <- b:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (f *fakeSource) Consume(ctx context.Context, _, _, _ string, out chan<- model.Bar) error {
	for _, b := range f.live {
		select {
		case out <- b:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeSource) DropGroup(_ context.Context, stream, group string) {
	f.dropped = append(f.dropped, stream+"/"+group)
}

func TestNotifyLoop_PendingBeforeLive(t *testing.T) {
	mk := func(ts int64) model.Bar {
		return model.Bar{Instrument: "BTC-USDT", Resolution: model.ResM1, TS: ts, Close: 1}
	}
	source := &fakeSource{
		pending: []model.Bar{mk(1700000060), mk(1700000120)},
		live:    []model.Bar{mk(1700000180)},
	}
	h := testHub(source, nil)
	s := newTestSession(h, "BTC-USDT", model.ResM1, 1700000000, 0)
	defer s.cancel()

	go s.notifyLoop()

	want := []int64{1700000060, 1700000120, 1700000180}
	for i, ts := range want {
		select {
		case raw := <-s.send:
			var msg barMsg
			if err := json.Unmarshal(raw, &msg); err != nil {
				t.Fatalf("push %d: %v", i, err)
			}
			if msg.Type != "bar" || msg.Bar.TS != ts {
				t.Fatalf("push %d = %s ts=%d, want bar ts=%d", i, msg.Type, msg.Bar.TS, ts)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for push %d", i)
		}
	}
}

// floodSource delivers bars as fast as the channel accepts until the
// session context is canceled.
type floodSource struct{}

func (floodSource) EnsureGroup(context.Context, string, string) error { return nil }

func (floodSource) RecoverPending(context.Context, string, string, string, chan<- model.Bar) error {
	return nil
}

func (floodSource) Consume(ctx context.Context, _, _, _ string, out chan<- model.Bar) error {
	bar := model.Bar{Instrument: "BTC-USDT", Resolution: model.ResM1, TS: 1700000060, Close: 1}
	for {
		select {
		case out <- bar:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (floodSource) DropGroup(context.Context, string, string) {}

func TestSessionClose_DuringNotifyDelivery(t *testing.T) {
	// A bar in flight while the session tears down must not panic the
	// delivery goroutine; the send channel stays open and is simply
	// abandoned with the session.
	for i := 0; i < 200; i++ {
		h := testHub(floodSource{}, nil)
		s := newTestSession(h, "BTC-USDT", model.ResM1, 1700000000, 0)

		done := make(chan struct{})
		go func() {
			defer close(done)
			s.notifyLoop()
		}()

		// Let delivery get going, then tear down mid-flight.
		<-s.send
		s.Close()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("iteration %d: notifyLoop did not exit after Close", i)
		}
		if h.SessionCount() != 0 {
			t.Fatalf("iteration %d: session still registered after Close", i)
		}
	}
}

func TestNotifyLoop_ErrorReportedToClient(t *testing.T) {
	source := &failingSource{}
	h := testHub(source, nil)
	s := newTestSession(h, "BTC-USDT", model.ResM1, 1700000000, 0)
	defer s.Close()

	s.notifyLoop()

	select {
	case raw := <-s.send:
		var msg errorMsg
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != "error" || msg.Error == "" {
			t.Fatalf("expected error envelope, got %s", raw)
		}
	default:
		t.Fatal("no error envelope pushed after group setup failure")
	}
}

// failingSource refuses group creation.
type failingSource struct{ floodSource }

func (failingSource) EnsureGroup(context.Context, string, string) error {
	return context.DeadlineExceeded
}

func TestNotifyLoop_FiltersWindow(t *testing.T) {
	mk := func(ts int64) model.Bar {
		return model.Bar{Instrument: "BTC-USDT", Resolution: model.ResM1, TS: ts, Close: 1}
	}
	source := &fakeSource{
		live: []model.Bar{mk(100), mk(1700000060), mk(1900000000)},
	}
	h := testHub(source, nil)
	s := newTestSession(h, "BTC-USDT", model.ResM1, 1700000000, 1800000000)
	defer s.cancel()

	go s.notifyLoop()

	select {
	case raw := <-s.send:
		var msg barMsg
		json.Unmarshal(raw, &msg)
		if msg.Bar.TS != 1700000060 {
			t.Fatalf("first push ts = %d, want 1700000060", msg.Bar.TS)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for in-window bar")
	}

	// Out-of-window bars never arrive.
	select {
	case raw := <-s.send:
		t.Fatalf("unexpected extra push: %s", raw)
	case <-time.After(100 * time.Millisecond):
	}
}
