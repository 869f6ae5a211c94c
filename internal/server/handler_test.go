package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/k11v/pony/internal/artifact"
	"github.com/k11v/pony/internal/coordinator"
	"github.com/k11v/pony/internal/result"
)

func newTestHandler(t testing.TB) *handler {
	ctx := context.Background()

	files, err := artifact.NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("didn't want %v", err)
	}
	c, err := coordinator.New(ctx, nil, result.NewMemoryStore(), artifact.NewMemoryCatalog(), files)
	if err != nil {
		t.Fatalf("didn't want %v", err)
	}
	return newHandler(c)
}

func doJSON(t testing.TB, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.RemoteAddr = "1.2.3.4:5678"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestGetHealth(t *testing.T) {
	h := newTestHandler(t)

	w := doJSON(t, h, http.MethodGet, "/health", "")
	if got, want := w.Code, http.StatusOK; got != want {
		t.Fatalf("got %d, want %d", got, want)
	}
	if got, want := strings.TrimSpace(w.Body.String()), `{"status":"ok"}`; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestCreateResult(t *testing.T) {
	t.Run("stores a submission and returns its key and auth key", func(t *testing.T) {
		h := newTestHandler(t)

		body := `{"client_info":{"package":"p","host":"h","arch":"a","tags":["t"],"success":true,"duration":0.1},"results":[]}`
		w := doJSON(t, h, http.MethodPost, "/results", body)
		if got, want := w.Code, http.StatusOK; got != want {
			t.Fatalf("got %d, want %d: %s", got, want, w.Body.String())
		}

		var resp struct {
			ResultKey int64     `json:"result_key"`
			AuthKey   uuid.UUID `json:"auth_key"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("didn't want %v", err)
		}
		if resp.ResultKey != 0 {
			t.Errorf("got key %d, want 0", resp.ResultKey)
		}
		if resp.AuthKey == (uuid.UUID{}) {
			t.Error("got zero auth key, want a fresh one")
		}

		w = doJSON(t, h, http.MethodGet, "/results/0", "")
		if got, want := w.Code, http.StatusOK; got != want {
			t.Fatalf("got %d, want %d", got, want)
		}
		var record result.Record
		if err := json.Unmarshal(w.Body.Bytes(), &record); err != nil {
			t.Fatalf("didn't want %v", err)
		}
		if got, want := record.Receipt.ClientIP, "1.2.3.4"; got != want {
			t.Errorf("got client ip %q, want %q", got, want)
		}
	})

	t.Run("rejects a submission without a package", func(t *testing.T) {
		h := newTestHandler(t)

		body := `{"client_info":{"host":"h"},"results":[]}`
		w := doJSON(t, h, http.MethodPost, "/results", body)
		if got, want := w.Code, http.StatusUnprocessableEntity; got != want {
			t.Errorf("got %d, want %d", got, want)
		}
	})

	t.Run("rejects an unknown body field", func(t *testing.T) {
		h := newTestHandler(t)

		body := `{"client_info":{"package":"p"},"bogus":1}`
		w := doJSON(t, h, http.MethodPost, "/results", body)
		if got, want := w.Code, http.StatusUnprocessableEntity; got != want {
			t.Errorf("got %d, want %d", got, want)
		}
	})
}

func TestGetResult(t *testing.T) {
	h := newTestHandler(t)

	w := doJSON(t, h, http.MethodGet, "/results/7", "")
	if got, want := w.Code, http.StatusNotFound; got != want {
		t.Errorf("got %d, want %d", got, want)
	}
}

func TestCheckBuild(t *testing.T) {
	h := newTestHandler(t)

	t.Run("asks for a build of an unknown package", func(t *testing.T) {
		body := `{"client_info":{"package":"p","host":"h","arch":"a"}}`
		w := doJSON(t, h, http.MethodPost, "/builds/check", body)
		if got, want := w.Code, http.StatusOK; got != want {
			t.Fatalf("got %d, want %d: %s", got, want, w.Body.String())
		}

		var resp struct {
			Build  bool   `json:"build"`
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("didn't want %v", err)
		}
		if !resp.Build || !strings.HasPrefix(resp.Reason, "no build recorded for ") {
			t.Errorf("got %v, %q; want a build with a no-build-recorded reason", resp.Build, resp.Reason)
		}
	})

	t.Run("throttles after a fresh submission", func(t *testing.T) {
		body := `{"client_info":{"package":"p","host":"h","arch":"a","success":true},"results":[]}`
		w := doJSON(t, h, http.MethodPost, "/results", body)
		if got, want := w.Code, http.StatusOK; got != want {
			t.Fatalf("got %d, want %d", got, want)
		}

		w = doJSON(t, h, http.MethodPost, "/builds/check", `{"client_info":{"package":"p","host":"h","arch":"a","success":true}}`)
		var resp struct {
			Build  bool   `json:"build"`
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("didn't want %v", err)
		}
		if resp.Build || resp.Reason != "build up to date" {
			t.Errorf("got %v, %q; want no build, up to date", resp.Build, resp.Reason)
		}
	})
}

func TestUploadFile(t *testing.T) {
	t.Run("rejects an unknown auth key", func(t *testing.T) {
		h := newTestHandler(t)

		target := "/files?auth_key=" + uuid.NewString() + "&filename=build.log"
		w := doJSON(t, h, http.MethodPost, target, "content")
		if got, want := w.Code, http.StatusUnauthorized; got != want {
			t.Errorf("got %d, want %d", got, want)
		}
	})

	t.Run("accepts an authorized upload and lists it", func(t *testing.T) {
		h := newTestHandler(t)

		body := `{"client_info":{"package":"p","host":"h","arch":"a","success":true},"results":[]}`
		w := doJSON(t, h, http.MethodPost, "/results", body)
		var created struct {
			ResultKey int64     `json:"result_key"`
			AuthKey   uuid.UUID `json:"auth_key"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
			t.Fatalf("didn't want %v", err)
		}

		target := "/files?auth_key=" + created.AuthKey.String() + "&filename=build.log&description=log&visible=yes"
		w = doJSON(t, h, http.MethodPost, target, "ok")
		if got, want := w.Code, http.StatusNoContent; got != want {
			t.Fatalf("got %d, want %d: %s", got, want, w.Body.String())
		}

		w = doJSON(t, h, http.MethodGet, "/results/0/files", "")
		var listed struct {
			Files []artifact.UploadedFile `json:"files"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &listed); err != nil {
			t.Fatalf("didn't want %v", err)
		}
		if got, want := len(listed.Files), 1; got != want {
			t.Fatalf("got %d files, want %d", got, want)
		}
		if got, want := listed.Files[0].Filename, "build.log"; got != want {
			t.Errorf("got filename %q, want %q", got, want)
		}
	})
}

func TestListTagsets(t *testing.T) {
	h := newTestHandler(t)

	for _, host := range []string{"h1", "h2"} {
		body := `{"client_info":{"package":"p","host":"` + host + `","arch":"a","success":true},"results":[]}`
		w := doJSON(t, h, http.MethodPost, "/results", body)
		if got, want := w.Code, http.StatusOK; got != want {
			t.Fatalf("got %d, want %d", got, want)
		}
	}

	w := doJSON(t, h, http.MethodGet, "/packages/p/tagsets", "")
	var resp struct {
		Tagsets []struct {
			Tags []string `json:"tags"`
		} `json:"tagsets"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("didn't want %v", err)
	}
	if got, want := len(resp.Tagsets), 2; got != want {
		t.Errorf("got %d tagsets, want %d", got, want)
	}

	w = doJSON(t, h, http.MethodGet, "/packages/p/tagsets?no_host=yes", "")
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("didn't want %v", err)
	}
	if got, want := len(resp.Tagsets), 1; got != want {
		t.Errorf("got %d tagsets with the host suppressed, want %d", got, want)
	}
}
