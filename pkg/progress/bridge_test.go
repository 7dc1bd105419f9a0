package progress

import (
	"context"
	"errors"
	"testing"
)

func TestRunForwardsProgressEvents(t *testing.T) {
	st := Run(context.Background(), StageGenerating, "working", map[string]any{DetailStoryID: "s1"},
		func(ctx context.Context, sink *Sink) ([]byte, error) {
			sink.Report(25, 100)
			sink.Report(50, 100)
			sink.Report(100, 100)
			return []byte("result"), nil
		})

	var events []Event
	for ev := range st.Events() {
		events = append(events, ev)
	}
	if len(events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(events))
	}

	// percentages derive from (current, total)
	want := []float64{25, 50, 100}
	for i, ev := range events {
		if ev.Stage != StageGenerating {
			t.Errorf("Event %d has stage %s, expected %s", i, ev.Stage, StageGenerating)
		}
		if ev.Progress == nil || *ev.Progress != want[i] {
			t.Errorf("Event %d progress = %v, expected %v", i, ev.Progress, want[i])
		}
		if ev.Details[DetailStoryID] != "s1" {
			t.Errorf("Event %d lost the story detail", i)
		}
	}

	result, err := st.Wait()
	if err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if string(result) != "result" {
		t.Errorf("Expected result bytes, got %q", result)
	}
}

func TestRunUnquantifiableProgress(t *testing.T) {
	st := Run(context.Background(), StageGenerating, "working", nil,
		func(ctx context.Context, sink *Sink) ([]byte, error) {
			// total <= 0 means the engine cannot quantify the operation
			sink.Report(10, 0)
			return nil, nil
		})

	ev := <-st.Events()
	if ev.Progress != nil {
		t.Errorf("Expected no percentage when total is 0, got %v", *ev.Progress)
	}
	if ev.Details[DetailCurrent] != int64(10) {
		t.Errorf("Expected raw current in details, got %v", ev.Details[DetailCurrent])
	}
}

func TestRunClampsPercentage(t *testing.T) {
	st := Run(context.Background(), StageGenerating, "working", nil,
		func(ctx context.Context, sink *Sink) ([]byte, error) {
			// engines occasionally overshoot their own totals
			sink.Report(150, 100)
			return nil, nil
		})

	ev := <-st.Events()
	if ev.Progress == nil || *ev.Progress != 100 {
		t.Errorf("Expected clamped 100%%, got %v", ev.Progress)
	}
}

func TestRunErrorEmitsTerminalEventLast(t *testing.T) {
	opErr := errors.New("engine exploded")
	st := Run(context.Background(), StageGenerating, "working", nil,
		func(ctx context.Context, sink *Sink) ([]byte, error) {
			sink.Report(10, 100)
			return nil, opErr
		})

	var events []Event
	for ev := range st.Events() {
		events = append(events, ev)
	}
	if len(events) != 2 {
		t.Fatalf("Expected progress event plus terminal error, got %d events", len(events))
	}

	last := events[len(events)-1]
	if last.Stage != StageError {
		t.Errorf("Last event stage = %s, expected %s", last.Stage, StageError)
	}
	if !last.IsTerminal() {
		t.Error("Error event should be terminal")
	}
	if last.Details[DetailError] == "" {
		t.Error("Terminal event should carry the error detail")
	}

	if _, err := st.Wait(); !errors.Is(err, opErr) {
		t.Errorf("Wait returned %v, expected the operation error", err)
	}
}

func TestRunRecoversPanic(t *testing.T) {
	st := Run(context.Background(), StageGenerating, "working", nil,
		func(ctx context.Context, sink *Sink) ([]byte, error) {
			panic("boom")
		})

	for range st.Events() {
	}
	if _, err := st.Wait(); err == nil {
		t.Fatal("Expected panic to surface as an error")
	}
}

func TestRunDropsEventsWhenBufferFull(t *testing.T) {
	st := Run(context.Background(), StageGenerating, "working", nil,
		func(ctx context.Context, sink *Sink) ([]byte, error) {
			for i := 0; i < eventBuffer*2; i++ {
				sink.Report(int64(i), 1000)
			}
			return nil, nil
		})

	// Wait does not consume events, so the op finishes against an unread
	// buffer: pushes beyond it are dropped and must never stall the op
	if _, err := st.Wait(); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}

	count := 0
	for range st.Events() {
		count++
	}
	if count != eventBuffer {
		t.Errorf("Expected exactly %d buffered events, got %d", eventBuffer, count)
	}
}

func TestRunMilestone(t *testing.T) {
	st := Run(context.Background(), StageDownloading, "fetching", nil,
		func(ctx context.Context, sink *Sink) ([]byte, error) {
			sink.Milestone("connected")
			return nil, nil
		})

	ev := <-st.Events()
	if ev.Message != "connected" {
		t.Errorf("Expected milestone message, got %q", ev.Message)
	}
	if ev.Progress != nil {
		t.Error("Milestones carry no percentage")
	}
}
