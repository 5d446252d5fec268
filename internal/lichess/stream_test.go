package lichess

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func nextEventFrame(t *testing.T, frames <-chan EventFrame) (EventFrame, bool) {
	t.Helper()
	select {
	case f, ok := <-frames:
		return f, ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an event frame")
	}
	return EventFrame{}, false
}

func nextGameFrame(t *testing.T, frames <-chan GameFrame) (GameFrame, bool) {
	t.Helper()
	select {
	case f, ok := <-frames:
		return f, ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a game frame")
	}
	return GameFrame{}, false
}

func TestStreamEventsSkipsKeepalives(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "\n")
		fmt.Fprint(w, `{"type":"challenge","challenge":{"id":"ch1","challenger":{"id":"alice","name":"Alice","rating":1800},"variant":{"key":"standard"},"rated":true,"speed":"blitz","timeControl":{"type":"clock","limit":300,"increment":3}}}`+"\n")
		fmt.Fprint(w, "\n\n")
		fmt.Fprint(w, `{"type":"gameStart","game":{"gameId":"g1","color":"white","opponent":{"id":"alice","username":"Alice","rating":1800}}}`+"\n")
		flusher.Flush()
	}))
	defer srv.Close()

	frames, err := testClient(srv).StreamEvents(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	frame, ok := nextEventFrame(t, frames)
	if !ok || frame.Err != nil {
		t.Fatalf("expected a challenge frame, got ok=%v err=%v", ok, frame.Err)
	}
	if frame.Event.Type != EventChallenge || frame.Event.Challenge == nil {
		t.Fatalf("unexpected frame: %+v", frame.Event)
	}
	if frame.Event.Challenge.Challenger.Name != "Alice" || frame.Event.Challenge.TimeControl.Limit != 300 {
		t.Errorf("challenge payload decoded wrong: %+v", frame.Event.Challenge)
	}

	frame, ok = nextEventFrame(t, frames)
	if !ok || frame.Event.Type != EventGameStart || frame.Event.Game == nil {
		t.Fatalf("expected a gameStart frame, got ok=%v %+v", ok, frame.Event)
	}
	if frame.Event.Game.GameID != "g1" {
		t.Errorf("unexpected game id %q", frame.Event.Game.GameID)
	}

	// The server is done; the channel must close without an error frame.
	frame, ok = nextEventFrame(t, frames)
	if ok {
		t.Fatalf("expected a closed channel after clean EOF, got %+v (err %v)", frame.Event, frame.Err)
	}
}

func TestStreamGameDecodesFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprint(w, `{"type":"gameFull","id":"g1","variant":{"key":"standard"},"clock":{"initial":180000,"increment":2000},"speed":"blitz","rated":false,"white":{"id":"mybot","name":"MyBot","title":"BOT"},"black":{"id":"alice","name":"Alice"},"initialFen":"startpos","state":{"type":"gameState","moves":"","wtime":180000,"btime":180000,"winc":2000,"binc":2000,"status":"started"}}`+"\n")
		fmt.Fprint(w, `{"type":"gameState","moves":"e2e4 e7e5","wtime":179000,"btime":178000,"winc":2000,"binc":2000,"status":"started"}`+"\n")
		fmt.Fprint(w, `{"type":"someFutureFrame","data":42}`+"\n")
		fmt.Fprint(w, `{"type":"chatLine","room":"player","username":"Alice","text":"hi"}`+"\n")
		flusher.Flush()
	}))
	defer srv.Close()

	frames, err := testClient(srv).StreamGame(context.Background(), "g1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	frame, _ := nextGameFrame(t, frames)
	if frame.Type != FrameGameFull || frame.Full == nil {
		t.Fatalf("expected gameFull first, got %+v", frame)
	}
	if frame.Full.White.ID != "mybot" || frame.Full.Clock.Initial != 180000 {
		t.Errorf("gameFull decoded wrong: %+v", frame.Full)
	}

	frame, _ = nextGameFrame(t, frames)
	if frame.Type != FrameGameState || frame.State == nil {
		t.Fatalf("expected gameState second, got %+v", frame)
	}
	if got := frame.State.MoveList(); len(got) != 2 || got[0] != "e2e4" || got[1] != "e7e5" {
		t.Errorf("unexpected move list %v", got)
	}

	// The unknown frame type is skipped entirely.
	frame, _ = nextGameFrame(t, frames)
	if frame.Type != FrameChatLine || frame.Chat == nil || frame.Chat.Text != "hi" {
		t.Fatalf("expected the chat frame after skipping the unknown one, got %+v", frame)
	}

	if _, ok := nextGameFrame(t, frames); ok {
		t.Fatal("expected a closed channel after clean EOF")
	}
}

func TestStreamOpenRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"No such game"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testClient(srv).StreamGame(context.Background(), "nope")
	if !IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestStreamClosesSilentlyOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprint(w, `{"type":"gameStart","game":{"gameId":"g1"}}`+"\n")
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	frames, err := testClient(srv).StreamEvents(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if frame, ok := nextEventFrame(t, frames); !ok || frame.Event.Type != EventGameStart {
		t.Fatalf("expected the first frame, got ok=%v %+v", ok, frame)
	}

	cancel()
	frame, ok := nextEventFrame(t, frames)
	if ok {
		t.Fatalf("expected a silent close on cancellation, got %+v (err %v)", frame.Event, frame.Err)
	}
}
