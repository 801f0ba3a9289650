package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sdewitt/kiln/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeResult(msgType string, success bool) *model.Result {
	msg := &model.Message{
		ID:        model.NewID(),
		Type:      msgType,
		Payload:   json.RawMessage(`{"n":1}`),
		Priority:  3,
		TimeoutS:  30,
		RetryMax:  2,
		CreatedAt: time.Now().UTC().Add(-time.Second).Truncate(time.Millisecond),
	}
	if success {
		return model.Succeeded(msg, json.RawMessage(`"out"`))
	}
	return model.Failed(msg, model.KindExecution, "kaput")
}

func TestSaveAndGetSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res := makeResult("resize", true)
	if err := s.SaveSnapshot(ctx, res); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	got, err := s.GetSnapshot(ctx, res.Message.Origin())
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if got.MessageID != res.MessageID {
		t.Errorf("MessageID = %q, want %q", got.MessageID, res.MessageID)
	}
	if got.Type != "resize" {
		t.Errorf("Type = %q, want resize", got.Type)
	}
	if !got.Success {
		t.Error("Success = false, want true")
	}
	if string(got.Data) != `"out"` {
		t.Errorf("Data = %s, want %q", got.Data, `"out"`)
	}
	if string(got.Message.Payload) != `{"n":1}` {
		t.Errorf("Payload = %s, want original payload", got.Message.Payload)
	}
	if got.Message.Priority != 3 {
		t.Errorf("Priority = %d, want 3", got.Message.Priority)
	}
}

func TestGetSnapshotNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetSnapshot(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSaveSnapshotFailureFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res := makeResult("resize", false)
	res.Attempts = 2
	if err := s.SaveSnapshot(ctx, res); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	got, err := s.GetSnapshot(ctx, res.Message.Origin())
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if got.Success {
		t.Error("Success = true, want false")
	}
	if got.Error == nil {
		t.Fatal("Error = nil, want populated")
	}
	if got.Error.Kind != model.KindExecution {
		t.Errorf("Error.Kind = %q, want %q", got.Error.Kind, model.KindExecution)
	}
	if got.Error.Description != "kaput" {
		t.Errorf("Error.Description = %q, want kaput", got.Error.Description)
	}
	if got.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", got.Attempts)
	}
}

// A retried task writes one row: the terminal attempt replaces whatever
// an earlier save left under the same origin ID.
func TestSaveSnapshotUpsertsByOrigin(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := makeResult("resize", false)
	if err := s.SaveSnapshot(ctx, first); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	retry := first.Message.Clone()
	final := model.Succeeded(retry, json.RawMessage(`"recovered"`))
	if err := s.SaveSnapshot(ctx, final); err != nil {
		t.Fatalf("SaveSnapshot (retry): %v", err)
	}

	_, total, err := s.ListSnapshots(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if total != 1 {
		t.Fatalf("total = %d, want 1 row for the logical task", total)
	}

	got, err := s.GetSnapshot(ctx, first.Message.Origin())
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if !got.Success {
		t.Error("terminal attempt did not replace the earlier failure")
	}
	if got.MessageID != retry.ID {
		t.Errorf("MessageID = %q, want the retry attempt's ID %q", got.MessageID, retry.ID)
	}
}

func TestListSnapshotsPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res := makeResult(fmt.Sprintf("type-%d", i), true)
		res.FinishedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		if err := s.SaveSnapshot(ctx, res); err != nil {
			t.Fatalf("SaveSnapshot: %v", err)
		}
	}

	page, total, err := s.ListSnapshots(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(page) != 2 {
		t.Fatalf("page size = %d, want 2", len(page))
	}
	if page[0].Type != "type-4" {
		t.Errorf("first item type = %q, want the most recent type-4", page[0].Type)
	}

	rest, _, err := s.ListSnapshots(ctx, 10, 2)
	if err != nil {
		t.Fatalf("ListSnapshots offset: %v", err)
	}
	if len(rest) != 3 {
		t.Errorf("offset page size = %d, want 3", len(rest))
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.SaveSnapshot(ctx, makeResult("resize", true)); err != nil {
			t.Fatalf("SaveSnapshot: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		if err := s.SaveSnapshot(ctx, makeResult("encode", false)); err != nil {
			t.Fatalf("SaveSnapshot: %v", err)
		}
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 5 {
		t.Errorf("Total = %d, want 5", stats.Total)
	}
	if stats.Succeeded != 3 {
		t.Errorf("Succeeded = %d, want 3", stats.Succeeded)
	}
	if stats.Failed != 2 {
		t.Errorf("Failed = %d, want 2", stats.Failed)
	}
	if stats.CountByType["resize"] != 3 || stats.CountByType["encode"] != 2 {
		t.Errorf("CountByType = %v, want resize:3 encode:2", stats.CountByType)
	}
	if stats.AvgDurationMS <= 0 {
		t.Errorf("AvgDurationMS = %f, want positive", stats.AvgDurationMS)
	}
}

type fakeSubmitter struct {
	msgs []*model.Message
	fail bool
}

func (f *fakeSubmitter) Submit(_ context.Context, msg *model.Message) (string, error) {
	if f.fail {
		return "", errors.New("refused")
	}
	msg.ID = model.NewID()
	f.msgs = append(f.msgs, msg)
	return msg.ID, nil
}

func TestReplayResubmitsFailures(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveSnapshot(ctx, makeResult("fine", true)); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	failed := makeResult("broken", false)
	if err := s.SaveSnapshot(ctx, failed); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	sub := &fakeSubmitter{}
	ids, err := s.Replay(ctx, sub, 10)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("replayed %d tasks, want 1", len(ids))
	}
	if len(sub.msgs) != 1 {
		t.Fatalf("submitter saw %d messages, want 1", len(sub.msgs))
	}

	msg := sub.msgs[0]
	if msg.Type != "broken" {
		t.Errorf("replayed type = %q, want broken", msg.Type)
	}
	if string(msg.Payload) != string(failed.Message.Payload) {
		t.Errorf("replayed payload = %s, want the original", msg.Payload)
	}
	if msg.RetryMax != failed.Message.RetryMax {
		t.Errorf("replayed RetryMax = %d, want %d", msg.RetryMax, failed.Message.RetryMax)
	}
}

func TestReplaySkipsRefusedSubmissions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveSnapshot(ctx, makeResult("broken", false)); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	ids, err := s.Replay(ctx, &fakeSubmitter{fail: true}, 10)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("replayed %d tasks, want 0 when every submission is refused", len(ids))
	}
}
