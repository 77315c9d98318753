package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeGenerator implements Generator with optional streaming.
type fakeGenerator struct {
	reply  string
	stream bool
	err    error

	mu    sync.Mutex
	calls []string // prompts received
	seen  [][]TranscriptEntry
}

func (g *fakeGenerator) Generate(ctx context.Context, transcript []TranscriptEntry, prompt string, onPartial func(string)) (string, error) {
	g.mu.Lock()
	g.calls = append(g.calls, prompt)
	g.seen = append(g.seen, append([]TranscriptEntry(nil), transcript...))
	g.mu.Unlock()
	if g.err != nil {
		return "", g.err
	}
	if g.stream && onPartial != nil {
		half := len(g.reply) / 2
		onPartial(g.reply[:half])
		onPartial(g.reply[half:])
	}
	return g.reply, nil
}

func TestSpeakRequiresAnsweredCall(t *testing.T) {
	e := newEnv(t, Config{})
	rec, err := e.m.InitiateCall(context.Background(), "+15550001111", PlaceOptions{})
	if err != nil {
		t.Fatalf("InitiateCall: %v", err)
	}

	if err := e.m.Speak(context.Background(), rec.CallID, "hello"); !errors.Is(err, ErrNotAnswered) {
		t.Errorf("Speak on initiated call = %v, want ErrNotAnswered", err)
	}
	if err := e.m.Speak(context.Background(), "nope", "hello"); !errors.Is(err, ErrCallNotFound) {
		t.Errorf("Speak on unknown call = %v, want ErrCallNotFound", err)
	}
}

func TestSpeakStreamsAndRecordsTranscript(t *testing.T) {
	e := newEnv(t, Config{})
	rec := placeAnswered(t, e)

	if err := e.m.Speak(context.Background(), rec.CallID, "how can I help?"); err != nil {
		t.Fatalf("Speak: %v", err)
	}

	r := e.relay(t, 0)
	fed := r.fedText()
	if len(fed) != 1 || fed[0] != "how can I help?" {
		t.Errorf("relay fed %v", fed)
	}
	if !r.flushed {
		t.Error("relay not flushed")
	}

	got, _ := e.m.Get(rec.CallID)
	if len(got.Transcript) != 1 {
		t.Fatalf("transcript entries = %d, want 1", len(got.Transcript))
	}
	if got.Transcript[0].Speaker != SpeakerBot || got.Transcript[0].Text != "how can I help?" {
		t.Errorf("transcript entry = %+v", got.Transcript[0])
	}
}

func TestSpeakRejectsConcurrentTurn(t *testing.T) {
	e := newEnv(t, Config{}, func(e *env) { e.blockRelays = true })
	rec := placeAnswered(t, e)

	done := make(chan error, 1)
	go func() {
		done <- e.m.Speak(context.Background(), rec.CallID, "first")
	}()
	waitFor(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return len(e.relays) == 1
	}, "first turn opened its relay")

	if err := e.m.Speak(context.Background(), rec.CallID, "second"); !errors.Is(err, ErrTurnActive) {
		t.Errorf("concurrent Speak = %v, want ErrTurnActive", err)
	}

	e.relay(t, 0).Abort()
	if err := <-done; err != nil {
		t.Errorf("first Speak = %v", err)
	}
}

func TestSpeakRelayFailureKeepsCallAlive(t *testing.T) {
	e := newEnv(t, Config{}, func(e *env) { e.blockRelays = true })
	rec := placeAnswered(t, e)

	done := make(chan error, 1)
	go func() {
		done <- e.m.Speak(context.Background(), rec.CallID, "hello")
	}()
	waitFor(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return len(e.relays) == 1
	}, "relay opened")

	r := e.relay(t, 0)
	r.mu.Lock()
	r.waitErr = errors.New("synth service down")
	r.mu.Unlock()
	r.Abort()

	if err := <-done; err == nil {
		t.Fatal("expected Speak to surface the relay error")
	}

	// A failed turn must not tear down the call.
	got, ok := e.m.Get(rec.CallID)
	if !ok || got.State != StateAnswered {
		t.Errorf("call state after relay failure = %+v", got)
	}
	if len(got.Transcript) != 0 {
		t.Error("failed turn must not append a transcript entry")
	}

	// And the turn guard must be released for the next attempt.
	if err := e.m.Speak(context.Background(), "nope", "x"); !errors.Is(err, ErrCallNotFound) {
		t.Errorf("sanity check failed: %v", err)
	}
}

func TestRespondStreamsGeneratorDeltas(t *testing.T) {
	gen := &fakeGenerator{reply: "the answer", stream: true}
	e := newEnv(t, Config{})
	e.m.gen = gen
	rec := placeAnswered(t, e)

	reply, err := e.m.Respond(context.Background(), rec.CallID, "what is it?")
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if reply != "the answer" {
		t.Errorf("reply = %q", reply)
	}

	r := e.relay(t, 0)
	fed := r.fedText()
	if len(fed) != 2 || fed[0]+fed[1] != "the answer" {
		t.Errorf("relay fed %v, want the reply in two deltas", fed)
	}

	got, _ := e.m.Get(rec.CallID)
	if len(got.Transcript) != 1 || got.Transcript[0].Text != "the answer" {
		t.Errorf("transcript = %+v", got.Transcript)
	}
}

func TestRespondNonStreamingGenerator(t *testing.T) {
	gen := &fakeGenerator{reply: "all at once"}
	e := newEnv(t, Config{})
	e.m.gen = gen
	rec := placeAnswered(t, e)

	if _, err := e.m.Respond(context.Background(), rec.CallID, ""); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	fed := e.relay(t, 0).fedText()
	if len(fed) != 1 || fed[0] != "all at once" {
		t.Errorf("relay fed %v, want the full reply once", fed)
	}
}

func TestRespondWithoutGenerator(t *testing.T) {
	e := newEnv(t, Config{})
	rec := placeAnswered(t, e)
	if _, err := e.m.Respond(context.Background(), rec.CallID, "x"); err == nil {
		t.Fatal("expected error without a configured generator")
	}
}

func TestContinueCallResolvesOnFinalTranscript(t *testing.T) {
	e := newEnv(t, Config{TranscriptWaitTimeout: 2 * time.Second})
	rec := placeAnswered(t, e)

	result := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		text, err := e.m.ContinueCall(context.Background(), rec.CallID, "anything else?")
		if err != nil {
			errCh <- err
			return
		}
		result <- text
	}()

	waitFor(t, func() bool {
		e.m.mu.Lock()
		defer e.m.mu.Unlock()
		return len(e.m.waiters) == 1
	}, "waiter registered")

	// A non-final chunk must not resolve the wait.
	e.m.ProcessEvent(context.Background(), event("ev-p", rec.ProviderCallID, EventTranscript,
		map[string]string{PayloadText: "yes I", PayloadFinal: "false"}))
	e.m.ProcessEvent(context.Background(), event("ev-f", rec.ProviderCallID, EventTranscript,
		map[string]string{PayloadText: "yes I need more", PayloadFinal: "true"}))

	select {
	case text := <-result:
		if text != "yes I need more" {
			t.Errorf("transcript = %q", text)
		}
	case err := <-errCh:
		t.Fatalf("ContinueCall: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("ContinueCall did not resolve")
	}

	got, _ := e.m.Get(rec.CallID)
	if len(got.Transcript) != 2 { // bot prompt + user reply
		t.Fatalf("transcript entries = %d, want 2", len(got.Transcript))
	}
	if got.Transcript[1].Speaker != SpeakerUser {
		t.Errorf("second entry speaker = %q", got.Transcript[1].Speaker)
	}
}

func TestContinueCallTimesOut(t *testing.T) {
	e := newEnv(t, Config{TranscriptWaitTimeout: 15 * time.Millisecond})
	rec := placeAnswered(t, e)

	_, err := e.m.ContinueCall(context.Background(), rec.CallID, "still there?")
	if !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("ContinueCall = %v, want ErrWaitTimeout", err)
	}

	// The call survives the timeout, and a late transcript still lands in
	// the record without resolving anything.
	e.m.ProcessEvent(context.Background(), event("ev-late", rec.ProviderCallID, EventTranscript,
		map[string]string{PayloadText: "sorry, yes", PayloadFinal: "true"}))
	got, ok := e.m.Get(rec.CallID)
	if !ok {
		t.Fatal("call ended by wait timeout")
	}
	if len(got.Transcript) != 2 {
		t.Errorf("transcript entries = %d, want prompt + late reply", len(got.Transcript))
	}
	e.m.mu.Lock()
	pending := len(e.m.waiters)
	e.m.mu.Unlock()
	if pending != 0 {
		t.Errorf("pending waiters = %d, want 0", pending)
	}
}

func TestNewerContinueDisplacesOlder(t *testing.T) {
	e := newEnv(t, Config{TranscriptWaitTimeout: 2 * time.Second})
	rec := placeAnswered(t, e)

	firstErr := make(chan error, 1)
	go func() {
		_, err := e.m.ContinueCall(context.Background(), rec.CallID, "first?")
		firstErr <- err
	}()
	waitFor(t, func() bool {
		e.m.mu.Lock()
		defer e.m.mu.Unlock()
		return len(e.m.waiters) == 1
	}, "first waiter registered")

	secondDone := make(chan struct{})
	go func() {
		defer close(secondDone)
		e.m.ContinueCall(context.Background(), rec.CallID, "second?") //nolint:errcheck
	}()

	if err := <-firstErr; !errors.Is(err, ErrWaiterReplaced) {
		t.Errorf("first ContinueCall = %v, want ErrWaiterReplaced", err)
	}

	e.m.ProcessEvent(context.Background(), event("ev-f", rec.ProviderCallID, EventTranscript,
		map[string]string{PayloadText: "answering the second", PayloadFinal: "true"}))
	<-secondDone
}

func TestFinalTranscriptAbortsInFlightSynthesis(t *testing.T) {
	e := newEnv(t, Config{}, func(e *env) { e.blockRelays = true })
	rec := placeAnswered(t, e)

	done := make(chan error, 1)
	go func() {
		done <- e.m.Speak(context.Background(), rec.CallID, "a long monologue")
	}()
	waitFor(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return len(e.relays) == 1
	}, "relay opened")

	// The user talking over the bot cancels the bot's turn.
	e.m.ProcessEvent(context.Background(), event("ev-barge", rec.ProviderCallID, EventTranscript,
		map[string]string{PayloadText: "stop, listen", PayloadFinal: "true"}))

	waitFor(t, func() bool { return e.relay(t, 0).wasAborted() }, "relay aborted by barge-in")
	<-done
}

func TestEndCallIdempotent(t *testing.T) {
	e := newEnv(t, Config{})
	rec := placeAnswered(t, e)

	if err := e.m.EndCall(context.Background(), rec.CallID); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	if err := e.m.EndCall(context.Background(), rec.CallID); err != nil {
		t.Fatalf("second EndCall: %v", err)
	}
	if err := e.m.EndCall(context.Background(), "never-existed"); err != nil {
		t.Fatalf("EndCall on unknown id: %v", err)
	}

	if got := e.provider.hangupCount(); got != 1 {
		t.Errorf("hangups = %d, want exactly 1", got)
	}
	e.store.mu.Lock()
	saved := e.store.saved[rec.CallID]
	e.store.mu.Unlock()
	if saved.EndReason != EndReasonManual {
		t.Errorf("EndReason = %s, want %s", saved.EndReason, EndReasonManual)
	}
}

func TestEndCallFailsWaiterAndAbortsRelay(t *testing.T) {
	e := newEnv(t, Config{TranscriptWaitTimeout: 2 * time.Second}, func(e *env) { e.blockRelays = true })
	rec := placeAnswered(t, e)

	speakDone := make(chan error, 1)
	go func() {
		speakDone <- e.m.Speak(context.Background(), rec.CallID, "hold on")
	}()
	waitFor(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return len(e.relays) == 1
	}, "relay opened")

	if err := e.m.EndCall(context.Background(), rec.CallID); err != nil {
		t.Fatalf("EndCall: %v", err)
	}

	waitFor(t, func() bool { return e.relay(t, 0).wasAborted() }, "relay aborted on end")
	<-speakDone
}
