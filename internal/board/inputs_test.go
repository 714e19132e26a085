package board_test

import (
	"errors"
	"testing"

	"github.com/basket/taskboard/internal/board"
	"github.com/basket/taskboard/internal/persistence"
	"github.com/basket/taskboard/internal/schema"
)

func TestDecodeCreate(t *testing.T) {
	in, err := board.DecodeCreate([]byte(`{"title":"ship","priority":5,"skills_required":["go"],"due_date":"2026-11-30"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if in.Title != "ship" || *in.Priority != 5 || in.SkillsRequired[0] != "go" || *in.DueDate != "2026-11-30" {
		t.Fatalf("unexpected input %+v", in)
	}

	bad := []string{
		`{}`,
		`{"title":""}`,
		`{"title":"x","priority":6}`,
		`{"title":"x","priority":2.5}`,
		`{"title":"x","status":"archived"}`,
		`{"title":"x","due_date":"tomorrow"}`,
		`{"title":"x","timeout_minutes":0}`,
	}
	for _, body := range bad {
		_, err := board.DecodeCreate([]byte(body))
		var verr *schema.Error
		if !errors.As(err, &verr) {
			t.Fatalf("%s: expected schema error, got %v", body, err)
		}
	}
}

func TestDecodeUpdate_TracksPresence(t *testing.T) {
	in, err := board.DecodeUpdate([]byte(`{"status":"ready","due_date":null}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !in.Status.Set || in.Status.Value != persistence.TaskStatusReady {
		t.Fatalf("expected status set, got %+v", in.Status)
	}
	if !in.DueDate.Set || !in.DueDate.Null {
		t.Fatalf("expected due_date null assignment, got %+v", in.DueDate)
	}
	if in.Title.Set || in.Priority.Set {
		t.Fatal("absent fields must stay unset")
	}
	if _, err := board.DecodeUpdate([]byte(`{"status":"archived"}`)); err == nil {
		t.Fatal("expected archived to be rejected")
	}
}

func TestDecodeLifecycleBodies(t *testing.T) {
	if _, err := board.DecodeClaim([]byte(`{"agent_id":""}`)); err == nil {
		t.Fatal("expected empty agent_id rejected")
	}
	if _, err := board.DecodeBlock([]byte(`{}`)); err == nil {
		t.Fatal("expected missing reason rejected")
	}
	c, err := board.DecodeComplete([]byte(`{"output":{"ok":true},"usage":{"input_tokens":10,"output_tokens":5,"model":"gpt-4o"}}`))
	if err != nil {
		t.Fatalf("decode complete: %v", err)
	}
	if string(c.Output) != `{"ok":true}` || c.Usage.InputTokens != 10 || c.Usage.CostUSD != nil {
		t.Fatalf("unexpected complete input %+v", c)
	}
	if _, err := board.DecodeComplete([]byte(`{"usage":{"input_tokens":-1,"output_tokens":0,"model":"m"}}`)); err == nil {
		t.Fatal("expected negative tokens rejected")
	}
	if _, err := board.DecodeComplete(nil); err != nil {
		t.Fatalf("empty complete body is allowed: %v", err)
	}
	h, err := board.DecodeHandoff([]byte(`{"next_task":{"title":"next","status":"backlog"}}`))
	if err != nil || h.NextTask.Title != "next" || h.NextTask.Status != persistence.TaskStatusBacklog {
		t.Fatalf("unexpected handoff %+v err=%v", h, err)
	}
	if _, err := board.DecodeHandoff([]byte(`{"output":1}`)); err == nil {
		t.Fatal("expected missing next_task rejected")
	}
	a, err := board.DecodeArchive([]byte(`{"status":"done"}`))
	if err != nil || a.Status != persistence.TaskStatusDone {
		t.Fatalf("unexpected archive input %+v err=%v", a, err)
	}
}
