package backend

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseEvent(t *testing.T) {
	line := []byte(`  {"cid":"call_1000","rows":[{"id":1,"name":"Rohit"}]}` + "\n")
	ev, err := ParseEvent(line)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.CorrelationID != "call_1000" {
		t.Fatalf("unexpected cid %q", ev.CorrelationID)
	}
	out, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"cid":"call_1000","rows":[{"id":1,"name":"Rohit"}]}` {
		t.Fatalf("event not preserved: %s", out)
	}
}

func TestParseEventRejectsNoise(t *testing.T) {
	if _, err := ParseEvent([]byte("   ")); !errors.Is(err, ErrBlankLine) {
		t.Fatalf("expected blank line error, got %v", err)
	}
	for _, line := range []string{
		"not json",
		`{"cid":`,
		`["cid","x"]`,
		`{"status":"success"}`,
		`{"cid":42}`,
		`{"cid":""}`,
	} {
		if _, err := ParseEvent([]byte(line)); err == nil {
			t.Errorf("expected error for %q", line)
		}
	}
}
