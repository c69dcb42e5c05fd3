package audit

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestRedactRecordHashesIdentities(t *testing.T) {
	t.Parallel()

	rec := Record{
		Actor:     "lead@example.com",
		Requester: "dev@example.com",
		Attrs:     json.RawMessage(`{"purpose":"debug customer 4411","ttl_minutes":"60"}`),
	}
	redacted := redactRecord(rec, []byte("salt"))
	if strings.Contains(redacted.Actor, "@") || strings.Contains(redacted.Requester, "@") {
		t.Fatalf("identities not hashed: %+v", redacted)
	}
	if redacted.Actor == redacted.Requester {
		t.Fatal("distinct identities should hash differently")
	}
	if strings.Contains(string(redacted.Attrs), "4411") || !strings.Contains(string(redacted.Attrs), "purpose_hash") {
		t.Fatalf("purpose not redacted: %s", redacted.Attrs)
	}
	if !strings.Contains(string(redacted.Attrs), `"ttl_minutes":"60"`) {
		t.Fatalf("non-sensitive attrs should survive: %s", redacted.Attrs)
	}
}

func TestRedactAttrsInvalidPayload(t *testing.T) {
	t.Parallel()

	out := redactAttrs(json.RawMessage(`{"purpose":`), []byte("salt"))
	if !strings.Contains(string(out), "redaction_error") {
		t.Fatalf("expected invalid payload marker, got %s", out)
	}
	if got := redactAttrs(nil, nil); got != nil {
		t.Fatalf("expected nil attrs to pass through, got %s", got)
	}
	if hashString("a", []byte("s1")) == hashString("a", []byte("s2")) {
		t.Fatal("salt should change the hash")
	}
}
