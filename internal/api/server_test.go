package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dontdude/goxtex/internal/config"
	"github.com/dontdude/goxtex/internal/domain"
	"github.com/dontdude/goxtex/internal/gateway"
	"github.com/dontdude/goxtex/internal/platform/queue"
	"github.com/dontdude/goxtex/internal/platform/web"
	"github.com/dontdude/goxtex/internal/retry"
	"github.com/dontdude/goxtex/internal/store"
)

const goodDoc = `\documentclass{article}\begin{document}Hello\end{document}`

type harness struct {
	srv     *Server
	ts      *httptest.Server
	q       *queue.MemoryQueue
	archive *store.SQLiteStore
}

type harnessOpts struct {
	mode        string
	maxUpload   int64
	maxSyncWait time.Duration
	limiter     *web.RateLimiter
	// respond, when set, runs a fake worker that completes every job with its result.
	respond func(job domain.CompileJob) *domain.CompileResult
}

// fakeCompile fails sources containing "{oops", times out on "loop", and
// succeeds otherwise.
func fakeCompile(job domain.CompileJob) *domain.CompileResult {
	switch {
	case strings.Contains(job.Source, "{oops"):
		line := 3
		res := domain.FailedResult(job.ID, 1, domain.KindEngine, "Missing } inserted.")
		res.Diagnostics[0].Line = &line
		res.Log = "! Missing } inserted.\nl.3 {oops"
		return res
	case strings.Contains(job.Source, "loop"):
		return domain.FailedResult(job.ID, 1, domain.KindTimeout, "TimeoutError: compilation exceeded 10s")
	case strings.Contains(job.Source, "crash"):
		return domain.FailedResult(job.ID, 1, domain.KindInternal, "internal error while compiling")
	default:
		return &domain.CompileResult{
			JobID:       job.ID,
			Attempt:     1,
			Outcome:     domain.OutcomeSucceeded,
			Artifact:    []byte("%PDF-1.5 fake"),
			ContentType: "application/pdf",
			Diagnostics: []domain.Diagnostic{},
		}
	}
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	q := queue.NewMemoryQueue(queue.Options{Lease: time.Minute, Logger: logger})
	t.Cleanup(func() { _ = q.Close() })

	archive, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { archive.Close() })

	hub := gateway.NewResultHub(q, logger)
	hub.OnResult(gateway.NewArchiver(q, archive, logger).Archive)
	go func() { _ = hub.Run(ctx) }()

	if o.maxSyncWait == 0 {
		o.maxSyncWait = 5 * time.Second
	}
	gw := gateway.New(q, hub, gateway.Options{
		MaxUploadBytes: o.maxUpload,
		MaxSyncWait:    o.maxSyncWait,
		Publish:        retry.NewPolicy(retry.ModeFixed, time.Millisecond, time.Millisecond, 1),
	}, nil, logger)

	if o.respond != nil {
		go func() {
			for {
				d, err := q.Claim(ctx, "fake-worker")
				if err != nil {
					return
				}
				if q.Begin(ctx, d) != nil {
					_ = q.Complete(ctx, d, nil)
					continue
				}
				_ = q.Complete(ctx, d, o.respond(d.Job))
			}
		}()
	}

	srv := NewServer(":0", Deps{
		Gateway:        gw,
		Archive:        archive,
		Limiter:        o.limiter,
		Mode:           o.mode,
		MaxUploadBytes: o.maxUpload,
		MaxSyncWait:    o.maxSyncWait,
		Logger:         logger,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &harness{srv: srv, ts: ts, q: q, archive: archive}
}

func (h *harness) postJSON(t *testing.T, path, source string) *http.Response {
	t.Helper()
	body, err := json.Marshal(map[string]string{"source": source})
	require.NoError(t, err)
	resp, err := http.Post(h.ts.URL+path, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (h *harness) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(h.ts.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (h *harness) delete(t *testing.T, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, h.ts.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealth(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	resp := h.get(t, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[healthResponse](t, resp)
	assert.Equal(t, "ok", body.Status)
	_, err := time.Parse(time.RFC3339, body.Timestamp)
	assert.NoError(t, err)
}

func TestCompileSyncSuccessReturnsPDF(t *testing.T) {
	h := newHarness(t, harnessOpts{respond: fakeCompile})

	resp := h.postJSON(t, "/compile", goodDoc)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/pdf", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get(jobIDHeader))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.5 fake", string(body))
}

func TestCompileSyncDocumentFailure(t *testing.T) {
	h := newHarness(t, harnessOpts{respond: fakeCompile})

	resp := h.postJSON(t, "/compile", `\begin{document}{oops\end{document}`)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	body := decode[failureResponse](t, resp)
	assert.Equal(t, "compilation failed", body.Error)
	assert.Equal(t, domain.KindEngine, body.Kind)
	require.Len(t, body.Diagnostics, 1)
	require.NotNil(t, body.Diagnostics[0].Line)
	assert.Equal(t, 3, *body.Diagnostics[0].Line)
	assert.Contains(t, body.Log, "Missing }")
}

func TestCompileSyncTimeoutIsDocumentFailure(t *testing.T) {
	h := newHarness(t, harnessOpts{respond: fakeCompile})

	resp := h.postJSON(t, "/compile", `\def\loop{\loop}\loop`)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	body := decode[failureResponse](t, resp)
	assert.Equal(t, domain.KindTimeout, body.Kind)
	assert.Contains(t, body.Diagnostics[0].Message, "TimeoutError")
}

func TestCompileSyncInternalFailureHidesDetails(t *testing.T) {
	h := newHarness(t, harnessOpts{respond: fakeCompile})

	resp := h.postJSON(t, "/compile", "crash")
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	body := decode[failureResponse](t, resp)
	assert.Equal(t, "internal server error", body.Error)
	assert.Empty(t, body.Log)
}

func TestCompileSyncWaitTimeoutReturnsHandle(t *testing.T) {
	h := newHarness(t, harnessOpts{maxSyncWait: 50 * time.Millisecond})

	resp := h.postJSON(t, "/compile", goodDoc)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decode[acceptedResponse](t, resp)
	assert.Equal(t, domain.StatusQueued, body.Status)
	assert.Equal(t, "/jobs/"+body.JobID, body.StatusURL)
}

func TestCompileAsyncThenPoll(t *testing.T) {
	h := newHarness(t, harnessOpts{mode: config.ModeAsync, respond: fakeCompile})

	resp := h.postJSON(t, "/compile", goodDoc)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	accepted := decode[acceptedResponse](t, resp)
	assert.Equal(t, "/jobs/"+accepted.JobID, resp.Header.Get("Location"))

	var view jobView
	require.Eventually(t, func() bool {
		r := h.get(t, accepted.StatusURL)
		if r.StatusCode != http.StatusOK {
			return false
		}
		view = decode[jobView](t, r)
		return view.Status.Terminal()
	}, 3*time.Second, 20*time.Millisecond)

	assert.Equal(t, domain.StatusSucceeded, view.Status)
	assert.Equal(t, "/jobs/"+accepted.JobID+"/artifact", view.DownloadURL)

	art := h.get(t, view.DownloadURL)
	require.Equal(t, http.StatusOK, art.StatusCode)
	data, err := io.ReadAll(art.Body)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF")))
}

func TestCompileModeOverride(t *testing.T) {
	h := newHarness(t, harnessOpts{mode: config.ModeSync})

	resp := h.postJSON(t, "/compile?mode=async", goodDoc)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = h.postJSON(t, "/compile?mode=later", goodDoc)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCompileValidation(t *testing.T) {
	h := newHarness(t, harnessOpts{maxUpload: 128})

	resp := h.postJSON(t, "/compile", "   ")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.postJSON(t, "/compile", strings.Repeat("x", 129))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	r, err := http.Post(h.ts.URL+"/compile", "image/png", strings.NewReader("png"))
	require.NoError(t, err)
	defer r.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, r.StatusCode)

	r2, err := http.Post(h.ts.URL+"/compile", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer r2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, r2.StatusCode)
}

func multipartBody(t *testing.T, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return buf, mw.FormDataContentType()
}

func TestCompileMultipartUpload(t *testing.T) {
	h := newHarness(t, harnessOpts{respond: fakeCompile})

	body, ct := multipartBody(t, "paper.tex", []byte(goodDoc))
	resp, err := http.Post(h.ts.URL+"/compile", ct, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, ct = multipartBody(t, "paper.docx", []byte("PK"))
	resp2, err := http.Post(h.ts.URL+"/compile", ct, body)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp2.StatusCode)
}

func TestGetUnknownJob(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	assert.Equal(t, http.StatusNotFound, h.get(t, "/jobs/does-not-exist").StatusCode)
	assert.Equal(t, http.StatusNotFound, h.get(t, "/jobs/does-not-exist/artifact").StatusCode)
	assert.Equal(t, http.StatusNotFound, h.delete(t, "/jobs/does-not-exist").StatusCode)
}

func TestArtifactNotReady(t *testing.T) {
	h := newHarness(t, harnessOpts{mode: config.ModeAsync})

	accepted := decode[acceptedResponse](t, h.postJSON(t, "/compile", goodDoc))
	assert.Equal(t, http.StatusConflict, h.get(t, "/jobs/"+accepted.JobID+"/artifact").StatusCode)
}

func TestCancelQueuedJob(t *testing.T) {
	h := newHarness(t, harnessOpts{mode: config.ModeAsync})

	accepted := decode[acceptedResponse](t, h.postJSON(t, "/compile", goodDoc))

	resp := h.delete(t, "/jobs/"+accepted.JobID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, domain.StatusCancelled, decode[cancelResponse](t, resp).Status)

	assert.Equal(t, http.StatusConflict, h.delete(t, "/jobs/"+accepted.JobID).StatusCode)

	view := decode[jobView](t, h.get(t, "/jobs/"+accepted.JobID))
	assert.Equal(t, domain.StatusCancelled, view.Status)
	assert.Equal(t, "job cancelled", view.Error)
}

func TestListJobsFromArchive(t *testing.T) {
	h := newHarness(t, harnessOpts{respond: fakeCompile})

	// Let the hub subscribe before results are announced.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, http.StatusOK, h.postJSON(t, "/compile", goodDoc).StatusCode)
	require.Equal(t, http.StatusUnprocessableEntity, h.postJSON(t, "/compile", "{oops").StatusCode)

	var list listJobsResponse
	require.Eventually(t, func() bool {
		list = decode[listJobsResponse](t, h.get(t, "/jobs?limit=10"))
		return list.Total == 2
	}, 2*time.Second, 20*time.Millisecond)
	assert.Len(t, list.Jobs, 2)
	assert.Equal(t, 10, list.Limit)
}

func TestRateLimitOnCompile(t *testing.T) {
	h := newHarness(t, harnessOpts{
		mode:    config.ModeAsync,
		limiter: web.NewRateLimiter(t.Context(), 0.001, 1),
	})

	assert.Equal(t, http.StatusAccepted, h.postJSON(t, "/compile", goodDoc).StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, h.postJSON(t, "/compile", goodDoc).StatusCode)
	assert.Equal(t, http.StatusOK, h.get(t, "/health").StatusCode)
}

func TestWatchJobOverWebSocket(t *testing.T) {
	h := newHarness(t, harnessOpts{mode: config.ModeAsync})

	accepted := decode[acceptedResponse](t, h.postJSON(t, "/compile", goodDoc))

	wsURL := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/jobs/" + accepted.JobID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Finish the job after the client is watching.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := h.q.Claim(ctx, "w")
	require.NoError(t, err)
	require.NoError(t, h.q.Begin(ctx, d))
	require.NoError(t, h.q.Complete(ctx, d, fakeCompile(d.Job)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var view jobView
	require.NoError(t, conn.ReadJSON(&view))
	assert.Equal(t, accepted.JobID, view.JobID)
	assert.Equal(t, domain.StatusSucceeded, view.Status)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.get(t, "/health")

	resp := h.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "goxtex_http_requests_total")
}

func TestPanicRecovery(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.srv.Router().Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	assert.Equal(t, http.StatusInternalServerError, h.get(t, "/panic").StatusCode)
}

func TestWatchJobAcceptsAnyOrigin(t *testing.T) {
	h := newHarness(t, harnessOpts{mode: config.ModeAsync})

	accepted := decode[acceptedResponse](t, h.postJSON(t, "/compile", goodDoc))

	wsURL := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/jobs/" + accepted.JobID + "/ws"
	header := http.Header{"Origin": []string{"https://elsewhere.example"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
}
