package app

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWithRequestLoggingPreservesStatusAndBody(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := WithRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}), log)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/teapot", nil))

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected 418, got %d", rr.Code)
	}
	if rr.Body.String() != "short and stout" {
		t.Fatalf("body mismatch: %q", rr.Body.String())
	}
}

func TestLoggingResponseWriterPreservesUpgradeInterfaces(t *testing.T) {
	t.Parallel()

	// The websocket library type-asserts these on the writer it receives.
	// Losing them breaks the upgrade path, so they must survive wrapping.
	lrw := &loggingResponseWriter{ResponseWriter: httptest.NewRecorder()}

	var w http.ResponseWriter = lrw
	if _, ok := w.(http.Flusher); !ok {
		t.Fatalf("wrapped writer lost http.Flusher")
	}
	if _, ok := w.(http.Hijacker); !ok {
		t.Fatalf("wrapped writer lost http.Hijacker")
	}
	if _, ok := w.(io.ReaderFrom); !ok {
		t.Fatalf("wrapped writer lost io.ReaderFrom")
	}

	type unwrapper interface{ Unwrap() http.ResponseWriter }
	u, ok := w.(unwrapper)
	if !ok {
		t.Fatalf("wrapped writer lost Unwrap")
	}
	if u.Unwrap() == nil {
		t.Fatalf("Unwrap returned nil")
	}

	// httptest.ResponseRecorder cannot hijack; the wrapper must surface an
	// error rather than panic.
	if _, _, err := lrw.Hijack(); err == nil {
		t.Fatalf("expected hijack error on non-hijackable writer")
	}
}

func TestEnvHelperDefaults(t *testing.T) {
	t.Setenv("COLLAB_APP_TEST_STR", "  value  ")
	t.Setenv("COLLAB_APP_TEST_INT32", "12")
	t.Setenv("COLLAB_APP_TEST_NEG", "-4")

	if got := EnvString("COLLAB_APP_TEST_STR", "def"); got != "value" {
		t.Fatalf("expected trimmed value, got %q", got)
	}
	if got := EnvString("COLLAB_APP_TEST_MISSING", "def"); got != "def" {
		t.Fatalf("expected default, got %q", got)
	}
	if got := EnvInt32("COLLAB_APP_TEST_INT32", 1); got != 12 {
		t.Fatalf("expected 12, got %d", got)
	}
	if got := EnvInt32("COLLAB_APP_TEST_NEG", 7); got != 7 {
		t.Fatalf("expected default for negative value, got %d", got)
	}
}
