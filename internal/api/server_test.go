package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"membership-bulk-upload/internal/config"
	"membership-bulk-upload/internal/events"
	"membership-bulk-upload/internal/models"
	"membership-bulk-upload/internal/monitor"
	"membership-bulk-upload/internal/queue"
	"membership-bulk-upload/internal/ratelimit"
	"membership-bulk-upload/internal/reports"
	"membership-bulk-upload/internal/store"
	"membership-bulk-upload/internal/uploads"
)

type testServer struct {
	srv     *Server
	handler http.Handler
	store   *store.Memory
	gate    *ratelimit.Gate
	hub     *events.Hub
	reports *reports.Manager
}

func newTestServer(t *testing.T, mutate func(*config.Config, *Deps)) *testServer {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Config{
		UploadDir:          t.TempDir(),
		MaxUploadBytes:     64 << 10,
		AllowedExtensions:  []string{".xlsx", ".xls"},
		IdempotencyTTL:     time.Hour,
		ReportRetention:    30 * 24 * time.Hour,
		CORSAllowedOrigins: []string{"*"},
	}
	local, err := reports.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	st := store.NewMemory()
	gate := ratelimit.NewGate(client, "test:iec", 5, time.Hour)
	hub := events.NewHub(8)
	rm := reports.NewManager(st, local)
	q := queue.NewRedisQueue(client, "test", time.Minute)
	svc := uploads.NewService(cfg, st, q, gate, rm, hub)

	d := Deps{
		Uploads: svc,
		Store:   st,
		Reports: rm,
		Monitor: monitor.New(t.TempDir(), time.Second, "file-monitor", svc.Rules(), svc),
		Hub:     hub,
	}
	if mutate != nil {
		mutate(&cfg, &d)
	}
	srv := New(context.Background(), cfg, d)
	return &testServer{srv: srv, handler: srv.Router(), store: st, gate: gate, hub: hub, reports: rm}
}

func workbook(t *testing.T) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]any{"ID Number", "First Name", "Surname"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A2", &[]any{"8001015009087", "Thabo", "Mokoena"}))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

func uploadRequest(t *testing.T, name string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("note", "branch upload"))
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/bulk-upload/process", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func (ts *testServer) do(req *http.Request, user string) *httptest.ResponseRecorder {
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) upload(t *testing.T, user string) submitResponse {
	t.Helper()
	rec := ts.do(uploadRequest(t, "members.xlsx", workbook(t)), user)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var e errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	return e
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(httptest.NewRequest(http.MethodGet, "/healthz", nil), "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProcessAcceptsSpreadsheet(t *testing.T) {
	ts := newTestServer(t, nil)
	resp := ts.upload(t, "alice")
	assert.NotEmpty(t, resp.JobID)
	assert.Equal(t, models.StatusQueued, resp.Status)
	assert.Equal(t, "members.xlsx", resp.FileName)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/bulk-upload/status/"+resp.JobID, nil), "alice")
	require.Equal(t, http.StatusOK, rec.Code)
	var job models.UploadJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, "alice", job.UploadedBy)
	assert.Equal(t, models.StatusQueued, job.Status)

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/bulk-upload/status/nope", nil), "alice")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Error)
}

func TestProcessRejections(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(uploadRequest(t, "members.csv", []byte("id,name")), "alice")
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	big := append([]byte{'P', 'K', 3, 4}, bytes.Repeat([]byte{'x'}, 80<<10)...)
	rec = ts.do(uploadRequest(t, "members.xlsx", big), "alice")
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	req := uploadRequest(t, "members.xlsx", workbook(t))
	req.ContentLength = 10 << 20
	rec = ts.do(req, "alice")
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/bulk-upload/process", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	rec = ts.do(req, "alice")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	jobs, total, err := ts.store.ListJobs(context.Background(), models.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Zero(t, total)
}

func TestProcessRejectedWhileIECLimited(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := ts.gate.IncrementAndCheck(ctx)
		require.NoError(t, err)
	}

	rec := ts.do(uploadRequest(t, "members.xlsx", workbook(t)), "alice")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", decodeError(t, rec).Error)

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/bulk-upload/rate-limit", nil), "alice")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["is_limited"])
	assert.EqualValues(t, 5, body["current_count"])
	assert.EqualValues(t, 5, body["max_limit"])
	assert.Contains(t, body["message"], "limit of 5 calls reached")
}

func TestUploadThrottlePerUser(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ts := newTestServer(t, func(_ *config.Config, d *Deps) {
		d.Limiter = ratelimit.NewTokenBucket(client, 1, 0.001, time.Hour)
	})
	ts.upload(t, "alice")

	rec := ts.do(uploadRequest(t, "members.xlsx", workbook(t)), "alice")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	ts.upload(t, "bob")
}

func TestHistoryScopes(t *testing.T) {
	ts := newTestServer(t, nil)
	for i := 0; i < 3; i++ {
		ts.upload(t, "alice")
	}
	ts.upload(t, "bob")

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/bulk-upload/history?limit=2", nil), "alice")
	require.Equal(t, http.StatusOK, rec.Code)
	var hist historyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hist))
	assert.Equal(t, 3, hist.Total)
	assert.Len(t, hist.Jobs, 2)
	for _, j := range hist.Jobs {
		assert.Equal(t, "alice", j.UploadedBy)
	}

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/bulk-upload/history?scope=all&page=2&limit=3", nil), "alice")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hist))
	assert.Equal(t, 4, hist.Total)
	assert.Len(t, hist.Jobs, 1)
	assert.Equal(t, 2, hist.Page)

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/bulk-upload/history?status=bogus", nil), "alice")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = ts.do(httptest.NewRequest(http.MethodGet, "/bulk-upload/history?limit=1000", nil), "alice")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelRetryDelete(t *testing.T) {
	ts := newTestServer(t, nil)
	resp := ts.upload(t, "alice")

	rec := ts.do(httptest.NewRequest(http.MethodPost, "/bulk-upload/retry/"+resp.JobID, nil), "alice")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(httptest.NewRequest(http.MethodDelete, "/bulk-upload/history/"+resp.JobID, nil), "alice")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(httptest.NewRequest(http.MethodPost, "/bulk-upload/cancel/"+resp.JobID, nil), "alice")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"cancelled"`)

	rec = ts.do(httptest.NewRequest(http.MethodPost, "/bulk-upload/cancel/"+resp.JobID, nil), "alice")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(httptest.NewRequest(http.MethodPost, "/bulk-upload/retry/"+resp.JobID, nil), "alice")
	require.Equal(t, http.StatusAccepted, rec.Code)
	var retry submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &retry))
	assert.NotEqual(t, resp.JobID, retry.JobID)
	require.NotNil(t, retry.RetryOf)
	assert.Equal(t, resp.JobID, *retry.RetryOf)

	rec = ts.do(httptest.NewRequest(http.MethodDelete, "/bulk-upload/history/"+resp.JobID, nil), "alice")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.do(httptest.NewRequest(http.MethodGet, "/bulk-upload/status/"+resp.JobID, nil), "alice")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelProcessingIsAccepted(t *testing.T) {
	ts := newTestServer(t, nil)
	resp := ts.upload(t, "alice")
	_, err := ts.store.ClaimJob(context.Background(), resp.JobID, "w-1")
	require.NoError(t, err)

	rec := ts.do(httptest.NewRequest(http.MethodPost, "/bulk-upload/cancel/"+resp.JobID, nil), "alice")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"cancel_requested":true`)
}

func TestJobEndpointsAreOwnerOnly(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config, _ *Deps) { cfg.AdminUsers = []string{"ops"} })
	resp := ts.upload(t, "alice")
	id := resp.JobID

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/bulk-upload/status/"+id, nil),
		httptest.NewRequest(http.MethodPost, "/bulk-upload/cancel/"+id, nil),
		httptest.NewRequest(http.MethodPost, "/bulk-upload/retry/"+id, nil),
		httptest.NewRequest(http.MethodDelete, "/bulk-upload/history/"+id, nil),
		httptest.NewRequest(http.MethodGet, "/bulk-upload/report/"+id, nil),
		httptest.NewRequest(http.MethodDelete, "/bulk-upload/reports/"+id, nil),
	} {
		rec := ts.do(req, "bob")
		assert.Equal(t, http.StatusForbidden, rec.Code, req.Method+" "+req.URL.Path)
		assert.Equal(t, "forbidden", decodeError(t, rec).Error)
	}

	job, err := ts.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, job.Status)
	assert.False(t, job.CancelRequested)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/bulk-upload/status/"+id, nil), "alice")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(httptest.NewRequest(http.MethodPost, "/bulk-upload/cancel/"+id, nil), "ops")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(httptest.NewRequest(http.MethodGet, "/bulk-upload/status/missing", nil), "bob")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebSocketRejectsOtherUsersJob(t *testing.T) {
	ts := newTestServer(t, nil)
	resp := ts.upload(t, "alice")

	httpSrv := httptest.NewServer(ts.handler)
	t.Cleanup(httpSrv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(httpSrv.URL, "http")+"/bulk-upload/ws", http.Header{"X-User-ID": {"bob"}})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	require.NoError(t, conn.WriteJSON(map[string]any{"event": wsSubscribe, "data": map[string]string{"job_id": resp.JobID}}))
	var msg wsMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, wsError, msg.Event)
	assert.Contains(t, string(msg.Data), "another user")
	assert.Equal(t, 0, ts.hub.Subscribers(resp.JobID))
}

func TestQueueEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.upload(t, "alice")
	ts.upload(t, "bob")

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/bulk-upload/queue/stats", nil), "alice")
	require.Equal(t, http.StatusOK, rec.Code)
	var qs uploads.QueueStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &qs))
	assert.Equal(t, int64(2), qs.Waiting)
	assert.Equal(t, int64(2), qs.Total)

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/bulk-upload/queue/jobs?limit=1", nil), "alice")
	require.Equal(t, http.StatusOK, rec.Code)
	var jobs struct {
		Jobs []jobSummary `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	assert.Len(t, jobs.Jobs, 1)
}

func TestStatsDates(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.upload(t, "alice")

	today := time.Now().UTC().Format(time.DateOnly)
	rec := ts.do(httptest.NewRequest(http.MethodGet, "/bulk-upload/stats?from="+today+"&to="+today, nil), "alice")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats models.Statistics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.TotalUploads)
	assert.Equal(t, int64(1), stats.PendingUploads)

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/bulk-upload/stats?from=yesterday", nil), "alice")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReportEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()
	resp := ts.upload(t, "alice")

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/bulk-upload/report/"+resp.JobID, nil), "alice")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	job, err := ts.store.ClaimJob(ctx, resp.JobID, "w-1")
	require.NoError(t, err)
	key, err := ts.reports.Save(ctx, job, []models.RowResult{{JobID: job.ID, RowNumber: 2, IDNumber: "8001015009087", Status: models.RowImported}})
	require.NoError(t, err)
	_, _, err = ts.store.FinishJob(ctx, job.ID, models.Outcome{Status: models.StatusCompleted, ReportFilePath: key})
	require.NoError(t, err)

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/bulk-upload/report/"+resp.JobID, nil), "alice")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "bulk_upload_report_"+resp.JobID+".xlsx")
	_, err = excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/bulk-upload/reports/stats", nil), "alice")
	require.Equal(t, http.StatusOK, rec.Code)
	var st reports.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 1, st.Count)

	rec = ts.do(httptest.NewRequest(http.MethodPost, "/bulk-upload/reports/cleanup", strings.NewReader(`{"max_age_days":-1}`)), "alice")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(httptest.NewRequest(http.MethodDelete, "/bulk-upload/reports/"+resp.JobID, nil), "alice")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.do(httptest.NewRequest(http.MethodDelete, "/bulk-upload/reports/"+resp.JobID, nil), "alice")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMonitorEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/bulk-upload/monitor/status", nil), "alice")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"running":false`)

	rec = ts.do(httptest.NewRequest(http.MethodPost, "/bulk-upload/monitor/process", strings.NewReader(`{"fileName":"absent.xlsx"}`)), "alice")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(httptest.NewRequest(http.MethodPost, "/bulk-upload/monitor/process", strings.NewReader(`{}`)), "alice")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	none := newTestServer(t, func(_ *config.Config, d *Deps) { d.Monitor = nil })
	rec = none.do(httptest.NewRequest(http.MethodPost, "/bulk-upload/monitor/start", nil), "alice")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestJWTAuthentication(t *testing.T) {
	const secret = "s3cret"
	ts := newTestServer(t, func(cfg *config.Config, _ *Deps) { cfg.JWTSecret = secret })

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/bulk-upload/history", nil), "mallory")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	bad, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "carol"}).SignedString([]byte("other"))
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/bulk-upload/history", nil)
	req.Header.Set("Authorization", "Bearer "+bad)
	assert.Equal(t, http.StatusUnauthorized, ts.do(req, "").Code)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "carol",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	req = uploadRequest(t, "members.xlsx", workbook(t))
	req.Header.Set("Authorization", "Bearer "+token)
	rec = ts.do(req, "mallory")
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	job, err := ts.store.GetJob(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, "carol", job.UploadedBy)
}

func TestWebSocketProgress(t *testing.T) {
	ts := newTestServer(t, nil)
	resp := ts.upload(t, "alice")

	httpSrv := httptest.NewServer(ts.handler)
	t.Cleanup(httpSrv.Close)
	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/bulk-upload/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"X-User-ID": {"alice"}})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	read := func() (string, models.ProgressEvent) {
		var msg wsMessage
		require.NoError(t, conn.ReadJSON(&msg))
		var ev models.ProgressEvent
		_ = json.Unmarshal(msg.Data, &ev)
		return msg.Event, ev
	}

	require.NoError(t, conn.WriteJSON(map[string]any{"event": wsSubscribe, "data": map[string]string{"job_id": "missing"}}))
	name, _ := read()
	assert.Equal(t, wsError, name)

	require.NoError(t, conn.WriteJSON(map[string]any{"event": wsSubscribe, "data": map[string]string{"job_id": resp.JobID}}))
	name, _ = read()
	assert.Equal(t, wsSubscribed, name)
	name, ev := read()
	assert.Equal(t, "bulk_upload_progress", name)
	assert.Equal(t, resp.JobID, ev.JobID)
	assert.Equal(t, models.StatusQueued, ev.Status)

	require.Eventually(t, func() bool { return ts.hub.Subscribers(resp.JobID) == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, ts.hub.Publish(context.Background(), models.ProgressEvent{
		Kind: models.EventProgress, JobID: resp.JobID, Stage: models.StageIECVerification, Progress: 40,
	}))
	name, ev = read()
	assert.Equal(t, "bulk_upload_progress", name)
	assert.Equal(t, 40, ev.Progress)
	assert.Equal(t, models.StageIECVerification, ev.Stage)

	require.NoError(t, conn.WriteJSON(map[string]any{"event": wsUnsubscribe, "data": map[string]string{"job_id": resp.JobID}}))
	require.Eventually(t, func() bool { return ts.hub.Subscribers(resp.JobID) == 0 }, time.Second, 10*time.Millisecond)
}

// racingStore publishes events for a job while its snapshot is being loaded,
// the way a worker does when it advances a job during a subscribe.
type racingStore struct {
	*store.Memory
	hub    *events.Hub
	armed  atomic.Bool
	stored int
	live   []int
}

func (s *racingStore) GetJob(ctx context.Context, id string) (models.UploadJob, error) {
	job, err := s.Memory.GetJob(ctx, id)
	if err != nil || !s.armed.CompareAndSwap(true, false) {
		return job, err
	}
	for _, p := range s.live {
		_ = s.hub.Publish(ctx, models.ProgressEvent{
			Kind: models.EventProgress, JobID: id, Stage: models.StageIECVerification, Progress: p,
		})
	}
	job.ProgressPercentage = s.stored
	return job, nil
}

func TestWebSocketProgressNeverGoesBackwards(t *testing.T) {
	var racing *racingStore
	ts := newTestServer(t, func(_ *config.Config, d *Deps) {
		racing = &racingStore{Memory: d.Store.(*store.Memory), hub: d.Hub, stored: 40, live: []int{30, 55}}
		d.Store = racing
	})
	resp := ts.upload(t, "alice")
	racing.armed.Store(true)

	httpSrv := httptest.NewServer(ts.handler)
	t.Cleanup(httpSrv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(httpSrv.URL, "http")+"/bulk-upload/ws", http.Header{"X-User-ID": {"alice"}})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	require.NoError(t, conn.WriteJSON(map[string]any{"event": wsSubscribe, "data": map[string]string{"job_id": resp.JobID}}))

	var msg wsMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, wsSubscribed, msg.Event)

	var seen []int
	for len(seen) < 2 {
		require.NoError(t, conn.ReadJSON(&msg))
		require.Equal(t, "bulk_upload_progress", msg.Event)
		var ev models.ProgressEvent
		require.NoError(t, json.Unmarshal(msg.Data, &ev))
		seen = append(seen, ev.Progress)
	}
	assert.Equal(t, []int{40, 55}, seen)
}
