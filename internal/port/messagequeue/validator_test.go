package messagequeue

import (
	"strings"
	"testing"
)

func TestValidateValidCallbackJob(t *testing.T) {
	data := []byte(`{"job_id":"j1","session_id":"s1","execution_id":"e1","status":"completed","url":"https://app.example.com/hooks/sf"}`)
	if err := Validate(SubjectCallbackDispatch, data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateCallbackJobMissingIDs(t *testing.T) {
	data := []byte(`{"url":"https://app.example.com/hooks/sf"}`)
	err := Validate(SubjectCallbackDispatch, data)
	if err == nil {
		t.Fatal("expected error for missing ids")
	}
	if !strings.Contains(err.Error(), "missing job_id or session_id") {
		t.Fatalf("expected missing-id error, got: %v", err)
	}
}

func TestValidateCallbackJobBadURL(t *testing.T) {
	data := []byte(`{"job_id":"j1","session_id":"s1","url":"ftp://nope"}`)
	err := Validate(SubjectCallbackDispatch, data)
	if err == nil {
		t.Fatal("expected error for non-http url")
	}
	if !strings.Contains(err.Error(), "non-http url") {
		t.Fatalf("expected url error, got: %v", err)
	}
}

func TestValidateUnknownSubject(t *testing.T) {
	// Unknown subjects should pass (future-proof).
	data := []byte(`{"foo":"bar"}`)
	if err := Validate("unknown.subject", data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateInvalidJSON(t *testing.T) {
	data := []byte(`{not valid json`)
	err := Validate(SubjectCallbackDispatch, data)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
	if !strings.Contains(err.Error(), "invalid JSON") {
		t.Fatalf("expected 'invalid JSON' in error, got: %v", err)
	}
}

func TestValidateInvalidSchema(t *testing.T) {
	data := []byte(`"just a string"`)
	err := Validate(SubjectCallbackDispatch, data)
	if err == nil {
		t.Fatal("expected schema validation error")
	}
	if !strings.Contains(err.Error(), "schema validation failed") {
		t.Fatalf("expected 'schema validation failed' in error, got: %v", err)
	}
}
