package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/taskarith/internal/encoder"
	"github.com/samcharles93/taskarith/internal/experiment"
	"github.com/samcharles93/taskarith/internal/logger"
	"github.com/samcharles93/taskarith/internal/taskvector"
	"github.com/samcharles93/taskarith/internal/tensor"
)

func newTestEcho(t *testing.T) (*echo.Echo, experiment.Roots) {
	t.Helper()
	roots := experiment.Roots{Model: t.TempDir(), Result: t.TempDir()}

	pm := encoder.NewParameterMap()
	pm.Set("visual.proj", tensor.MustFromData([]int{2, 2}, []float32{3, 0, 0, 4}))
	pm.Set("visual.transformer.resblocks.0.attn.q_proj.Delta.U", tensor.Eye(2))
	ctx := logger.WithContext(context.Background(), logger.Discard())
	id := taskvector.Identity{Kind: "test", Datasets: []string{"MNIST"}}
	if err := taskvector.Save(ctx, taskvector.FromMap(pm), filepath.Join(roots.Model, "a", "v1.tvec"), id); err != nil {
		t.Fatal(err)
	}
	if err := taskvector.Save(ctx, taskvector.FromMap(pm), filepath.Join(roots.Model, "b", "c", "v2.tvec"), id); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(roots.Model, "a", "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	coef := 0.5
	res := experiment.Result{RunID: "run-1", Kind: experiment.KindArithmetic, Coefficient: &coef, Accuracy: map[string]float64{"AVG.": 0.75}}
	if err := experiment.WriteJSON(filepath.Join(roots.Result, "x", "lambda_0.5.json"), res); err != nil {
		t.Fatal(err)
	}

	e := echo.New()
	NewServer(roots).Register(e)
	return e, roots
}

func get(t *testing.T, e *echo.Echo, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(t)
	rec := get(t, e, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var h HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &h); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.Status != "ok" || h.Version.Version == "" {
		t.Fatalf("unexpected health %+v", h)
	}
}

func TestListVectors(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(t)
	rec := get(t, e, "/v1/vectors")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var list VectorList
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Data) != 2 || list.Data[0].Path != "a/v1.tvec" || list.Data[1].Path != "b/c/v2.tvec" {
		t.Fatalf("unexpected listing %+v", list.Data)
	}
	if list.Data[0].Size == 0 {
		t.Fatal("size not reported")
	}
}

func TestGetVector(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(t)
	rec := get(t, e, "/v1/vectors/b/c/v2.tvec")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var d VectorDetail
	if err := json.Unmarshal(rec.Body.Bytes(), &d); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.Identity.Kind != "test" || d.Identity.RunID == "" || len(d.Keys) != 2 {
		t.Fatalf("unexpected detail %+v", d)
	}
	if d.Keys[0].Key != "visual.proj" || d.Keys[0].Norm != 5 {
		t.Fatalf("unexpected first key %+v", d.Keys[0])
	}
}

func TestGetVectorErrors(t *testing.T) {
	t.Parallel()

	e, roots := newTestEcho(t)
	if err := os.WriteFile(filepath.Join(roots.Model, "bad.tvec"), []byte("not a vector"), 0o644); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		path string
		code int
	}{
		{"/v1/vectors/missing.tvec", http.StatusNotFound},
		{"/v1/vectors/a/notes.txt", http.StatusBadRequest},
		{"/v1/vectors/bad.tvec", http.StatusUnprocessableEntity},
	}
	for _, tc := range tests {
		rec := get(t, e, tc.path)
		if rec.Code != tc.code {
			t.Fatalf("%s: got %d want %d body=%s", tc.path, rec.Code, tc.code, rec.Body.String())
		}
		if !strings.Contains(rec.Body.String(), `"error"`) {
			t.Fatalf("%s: error body missing: %s", tc.path, rec.Body.String())
		}
	}
}

func TestResolveStaysUnderRoot(t *testing.T) {
	t.Parallel()

	root := filepath.Join("srv", "models")
	tests := []struct {
		rel string
		ok  bool
	}{
		{"a/v.tvec", true},
		{"/a/v.tvec", true},
		{"../v.tvec", false},
		{"a/../../v.tvec", false},
		{"", false},
		{"a/v.json", false},
	}
	for _, tc := range tests {
		got, err := resolve(root, tc.rel, taskvector.FileExt)
		if (err == nil) != tc.ok {
			t.Fatalf("resolve(%q): err=%v, want ok=%v", tc.rel, err, tc.ok)
		}
		if tc.ok && !strings.HasPrefix(got, root) {
			t.Fatalf("resolve(%q) = %q escapes root", tc.rel, got)
		}
	}
}

func TestGetResult(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(t)
	rec := get(t, e, "/v1/results/x/lambda_0.5.json")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var r experiment.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &r); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r.RunID != "run-1" || r.Accuracy["AVG."] != 0.75 || *r.Coefficient != 0.5 {
		t.Fatalf("unexpected result %+v", r)
	}

	if rec := get(t, e, "/v1/results/x/lambda_9.json"); rec.Code != http.StatusNotFound {
		t.Fatalf("missing result: got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(t)
	rec := get(t, e, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatal("default collectors missing from /metrics")
	}
}

func TestMetricsHandlerBuiltOnce(t *testing.T) {
	t.Parallel()

	srv := NewServer(experiment.Roots{Model: t.TempDir(), Result: t.TempDir()})
	if srv.metrics == nil {
		t.Fatal("metrics handler not built by NewServer")
	}
	calls := 0
	srv.metrics = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	})
	e := echo.New()
	srv.Register(e)
	for range 2 {
		if rec := get(t, e, "/metrics"); rec.Code != http.StatusOK {
			t.Fatalf("status: got %d", rec.Code)
		}
	}
	if calls != 2 {
		t.Fatalf("stored handler served %d of 2 requests", calls)
	}
}
