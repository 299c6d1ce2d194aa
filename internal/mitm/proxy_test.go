package mitm

import (
	"net/http"
	"testing"
	"time"
)

func TestReasonPhrase(t *testing.T) {
	cases := map[string]string{
		"200 OK":                  "OK",
		"404 Not Found":           "Not Found",
		"500":                     "",
		"":                        "",
	}
	for status, want := range cases {
		if got := reasonPhrase(status); got != want {
			t.Errorf("reasonPhrase(%q) = %q, want %q", status, got, want)
		}
	}
}

func TestFlattenHeadersJoinsRepeatedValues(t *testing.T) {
	h := http.Header{}
	h.Add("Set-Cookie", "a=1")
	h.Add("Set-Cookie", "b=2")
	h.Set("Content-Type", "text/plain")

	flat := flattenHeaders(h)
	if flat["Content-Type"] != "text/plain" {
		t.Fatalf("expected single-value header preserved, got %q", flat["Content-Type"])
	}
	if flat["Set-Cookie"] != "a=1, b=2" {
		t.Fatalf("expected repeated values joined with \", \", got %q", flat["Set-Cookie"])
	}
}

// Scenario 5-adjacent: a completed Transaction converts to the wire shape
// fed through the same Subscriber Fan-out as live-capture Packet Records.
func TestTransactionToRecord(t *testing.T) {
	reqTS := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	respTS := reqTS.Add(150 * time.Millisecond)

	txn := Transaction{
		Request: Request{
			Method:  "GET",
			URL:     "https://example.com/a",
			Host:    "example.com",
			Path:    "/a",
			Headers: http.Header{"Accept": []string{"*/*"}},
			Timestamp: reqTS,
			IsHTTPS:   true,
		},
		Response: &Response{
			StatusCode: 200,
			Reason:     "OK",
			Headers:    http.Header{"Content-Type": []string{"application/json"}},
			Body:       []byte(`{"ok":true}`),
			Timestamp:  respTS,
		},
		DurationMS: 150,
	}

	rec := txn.ToRecord()
	if rec.Request.Method != "GET" || rec.Request.URL != "https://example.com/a" {
		t.Fatalf("request fields not preserved: %+v", rec.Request)
	}
	if rec.Request.Headers["Accept"] != "*/*" {
		t.Fatalf("request headers not flattened: %+v", rec.Request.Headers)
	}
	if rec.Response == nil || rec.Response.StatusCode != 200 || rec.Response.Reason != "OK" {
		t.Fatalf("response fields not preserved: %+v", rec.Response)
	}
	if rec.DurationMS != 150 {
		t.Fatalf("expected duration_ms 150, got %v", rec.DurationMS)
	}
}

func TestTransactionToRecordWithoutResponse(t *testing.T) {
	txn := Transaction{Request: Request{Method: "GET", URL: "https://example.com/b"}}
	rec := txn.ToRecord()
	if rec.Response != nil {
		t.Fatalf("expected nil response to stay nil, got %+v", rec.Response)
	}
}
