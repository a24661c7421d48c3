package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/z-wentao/subflow/pkg/apiclient"
	"github.com/z-wentao/subflow/pkg/blob"
	"github.com/z-wentao/subflow/pkg/gateway"
	"github.com/z-wentao/subflow/pkg/models"
	"github.com/z-wentao/subflow/pkg/pipeline"
	"github.com/z-wentao/subflow/pkg/queue"
	"github.com/z-wentao/subflow/pkg/storage"
	"github.com/z-wentao/subflow/pkg/subtitle"
	"github.com/z-wentao/subflow/pkg/transcriber"
	"github.com/z-wentao/subflow/pkg/worker"
)

const segmentsJSON = `[{"start":"00:00:00,000","end":"00:00:03,200","text":"Testing one two three"}]`

func init() {
	gin.SetMode(gin.TestMode)
}

type countingReleaser struct {
	mu   sync.Mutex
	refs []models.MediaReference
}

func (r *countingReleaser) Release(ref models.MediaReference, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs = append(r.refs, ref)
}

func (r *countingReleaser) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.refs)
}

type testEnv struct {
	server   *Server
	router   *gin.Engine
	blobs    *blob.Service
	runs     *storage.MemoryRunStore
	releaser *countingReleaser
}

func newTestEnv(t *testing.T, ai transcriber.Transcriber, hasKey bool) *testEnv {
	t.Helper()

	blobs, err := blob.NewService(blob.Options{
		Dir:       t.TempDir(),
		PublicURL: "http://blob.test",
		Secret:    []byte("0123456789abcdef"),
		MaxSize:   1 << 20,
	}, blob.NewMemoryIndex(), zerolog.Nop())
	require.NoError(t, err)

	rel := &countingReleaser{}
	runs := storage.NewMemoryRunStore()
	srv := NewServer(Options{
		Blobs:      blobs,
		Processor:  pipeline.NewEngine(ai, rel, time.Second, zerolog.Nop(), nil),
		Releaser:   rel,
		Runs:       runs,
		HasAPIKey:  hasKey,
		GrantRate:  100,
		GrantBurst: 100,
		Gatherer:   prometheus.NewRegistry(),
		Logger:     zerolog.Nop(),
	})

	return &testEnv{server: srv, router: srv.Router(), blobs: blobs, runs: runs, releaser: rel}
}

func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func staticAI(raw string) transcriber.Transcriber {
	return transcriber.Func(func(context.Context, transcriber.ModelRequest) (string, error) {
		return raw, nil
	})
}

func TestGenerateRejectsOtherMethods(t *testing.T) {
	env := newTestEnv(t, staticAI(segmentsJSON), true)

	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		w := env.do(method, "/api/generate", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code, method)
		assert.Equal(t, "Method Not Allowed", decode(t, w)["error"])
	}
}

func TestGenerateMissingFields(t *testing.T) {
	env := newTestEnv(t, staticAI(segmentsJSON), true)

	w := env.do(http.MethodPost, "/api/generate", map[string]string{"mimeType": "audio/mpeg"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, msgMissingFields, decode(t, w)["error"])

	// 地址有效但缺少类型时，对象照样释放
	w = env.do(http.MethodPost, "/api/generate", map[string]string{"downloadUrl": "http://blob.test/blob/a.mp3"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 1, env.releaser.count())

	w = env.do(http.MethodPost, "/api/generate", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGenerateRejectsForeignURL(t *testing.T) {
	env := newTestEnv(t, staticAI(segmentsJSON), true)

	w := env.do(http.MethodPost, "/api/generate", map[string]string{
		"mimeType":    "audio/mpeg",
		"downloadUrl": "http://169.254.169.254/latest/meta-data",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, env.releaser.count())
}

func TestGenerateMissingAPIKey(t *testing.T) {
	env := newTestEnv(t, staticAI(segmentsJSON), false)

	w := env.do(http.MethodPost, "/api/generate", map[string]string{
		"mimeType":    "audio/mpeg",
		"downloadUrl": "http://blob.test/blob/a.mp3",
	})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := decode(t, w)
	assert.Equal(t, msgMissingKey, body["error"])
	assert.Equal(t, string(pipeline.KindMissingServerCredential), body["kind"])
	assert.Equal(t, 1, env.releaser.count())
}

func TestGenerateSuccessReturnsRawArray(t *testing.T) {
	env := newTestEnv(t, staticAI(segmentsJSON), true)

	w := env.do(http.MethodPost, "/api/generate", map[string]string{
		"mimeType":    "audio/mpeg",
		"downloadUrl": "http://blob.test/blob/talk-abc.mp3",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, segmentsJSON, w.Body.String())
	assert.Equal(t, 1, env.releaser.count())
	assert.Equal(t, "talk-abc.mp3", env.releaser.refs[0].Pathname)

	runs, err := env.runs.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunCompleted, runs[0].Status)
	assert.Equal(t, 1, runs[0].SegmentCount)
	assert.False(t, runs[0].CompletedAt.IsZero())
}

func TestGenerateFailureReturnsDetails(t *testing.T) {
	env := newTestEnv(t, staticAI("[]"), true)

	w := env.do(http.MethodPost, "/api/generate", map[string]string{
		"mimeType":    "audio/mpeg",
		"downloadUrl": "http://blob.test/blob/quiet.mp3",
	})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := decode(t, w)
	assert.Equal(t, msgAIFailure, body["error"])
	assert.NotEmpty(t, body["details"])
	assert.Equal(t, string(pipeline.KindTranscriptionEmptyOrMalformed), body["kind"])
	assert.Equal(t, 1, env.releaser.count())

	w = env.do(http.MethodGet, "/api/runs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listed struct {
		Runs  []models.RunRecord `json:"runs"`
		Total int                `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	require.Equal(t, 1, listed.Total)
	assert.Equal(t, models.RunFailed, listed.Runs[0].Status)

	w = env.do(http.MethodGet, "/api/runs/"+listed.Runs[0].RunID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = env.do(http.MethodGet, "/api/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUploadGrant(t *testing.T) {
	env := newTestEnv(t, staticAI(segmentsJSON), true)

	w := env.do(http.MethodPost, "/api/upload", map[string]string{"pathname": "talk.mp3", "contentType": "audio/mpeg", "clientPayload": "p"})
	require.Equal(t, http.StatusOK, w.Code)
	var target models.SignedUploadTarget
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &target))
	assert.True(t, strings.HasPrefix(target.UploadURL, "http://blob.test/blob/talk-"))
	assert.Equal(t, "p", target.ClientPayload)

	w = env.do(http.MethodPost, "/api/upload", map[string]string{"pathname": "doc.pdf", "contentType": "application/pdf"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode(t, w)["error"], "application/pdf")

	w = env.do(http.MethodPost, "/api/upload", map[string]string{"contentType": "audio/mpeg"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUploadGrantRateLimit(t *testing.T) {
	env := newTestEnv(t, staticAI(segmentsJSON), true)
	env.server.limiter = newIPLimiter(0.001, 1)
	env.router = env.server.Router()

	w := env.do(http.MethodPost, "/api/upload", map[string]string{"pathname": "a.mp3"})
	assert.Equal(t, http.StatusOK, w.Code)
	w = env.do(http.MethodPost, "/api/upload", map[string]string{"pathname": "b.mp3"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestBlobLifecycle(t *testing.T) {
	env := newTestEnv(t, staticAI(segmentsJSON), true)

	target, err := env.blobs.Grant(context.Background(), "clip.mp3", "audio/mpeg", "")
	require.NoError(t, err)
	path := strings.TrimPrefix(target.UploadURL, "http://blob.test")

	put := func(p, contentType string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPut, p, strings.NewReader("mp3-bytes"))
		req.Header.Set("Content-Type", contentType)
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusBadRequest, put(path, "text/html").Code)
	assert.Equal(t, http.StatusForbidden, put("/blob/"+target.Pathname+"?token=bogus", "audio/mpeg").Code)

	w := put(path, "audio/mpeg")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var ref models.MediaReference
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ref))
	assert.EqualValues(t, len("mp3-bytes"), ref.SizeBytes)
	assert.Equal(t, http.StatusConflict, put(path, "audio/mpeg").Code)

	w = env.do(http.MethodGet, "/blob/"+ref.Pathname, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "mp3-bytes", w.Body.String())
	assert.Equal(t, "audio/mpeg", w.Header().Get("Content-Type"))

	assert.Equal(t, http.StatusForbidden, env.do(http.MethodDelete, "/blob/"+ref.Pathname+"?token=bogus", nil).Code)
	deletePath := strings.TrimPrefix(ref.DeleteURL, "http://blob.test")
	assert.Equal(t, http.StatusNoContent, env.do(http.MethodDelete, deletePath, nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/blob/"+ref.Pathname, nil).Code)
}

func TestPingAndMetrics(t *testing.T) {
	env := newTestEnv(t, staticAI(segmentsJSON), true)

	w := env.do(http.MethodGet, "/api/ping", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pong", decode(t, w)["message"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = env.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

// 客户端经由真实 HTTP 走完整流程：授权、上传、远程转写、服务端释放
func TestRemotePipelineEndToEnd(t *testing.T) {
	ts := httptest.NewUnstartedServer(nil)
	publicURL := "http://" + ts.Listener.Addr().String()
	blobDir := t.TempDir()

	blobs, err := blob.NewService(blob.Options{
		Dir:       blobDir,
		PublicURL: publicURL,
		Secret:    []byte("0123456789abcdef"),
		MaxSize:   pipeline.MaxFileSize,
	}, blob.NewMemoryIndex(), zerolog.Nop())
	require.NoError(t, err)

	cleaner := worker.NewCleaner(queue.NewMemoryQueue(8), worker.DeleterFunc(blobs.DeleteReference), zerolog.Nop(), nil)
	cleaner.Start()

	var (
		fetched  []byte
		pathname string
	)
	ai := transcriber.Func(func(ctx context.Context, req transcriber.ModelRequest) (string, error) {
		pathname = req.Media.Pathname
		resp, err := http.Get(req.Media.FetchURL())
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		buf := new(bytes.Buffer)
		buf.ReadFrom(resp.Body)
		fetched = buf.Bytes()
		return segmentsJSON, nil
	})

	srv := NewServer(Options{
		Blobs:     blobs,
		Processor: pipeline.NewEngine(ai, cleaner, time.Minute, zerolog.Nop(), nil),
		Releaser:  cleaner,
		HasAPIKey: true,
		Gatherer:  prometheus.NewRegistry(),
		Logger:    zerolog.Nop(),
	})
	ts.Config.Handler = srv.Router()
	ts.Start()
	defer ts.Close()

	path := filepath.Join(t.TempDir(), "interview.mp3")
	payload := bytes.Repeat([]byte{0xff, 0xfb}, 1024*1024) // 2 MB
	require.NoError(t, os.WriteFile(path, payload, 0o644))

	o := pipeline.NewOrchestrator(
		gateway.NewClient(publicURL, nil, zerolog.Nop()),
		apiclient.NewClient(publicURL, nil, zerolog.Nop()),
		subtitle.FormatSRT, zerolog.Nop(), nil,
	)
	_, err = o.Select(models.LocalFile{Path: path, Name: "interview.mp3", ContentType: "audio/mpeg", SizeBytes: int64(len(payload))})
	require.NoError(t, err)

	state, err := o.Generate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pipeline.PhaseSuccess, state.Phase)
	assert.Equal(t, "1\n00:00:00,000 --> 00:00:03,200\nTesting one two three\n\n", state.Text)
	assert.Equal(t, payload, fetched)

	out, err := o.Download()
	require.NoError(t, err)
	assert.Equal(t, "interview.srt", out.Name)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, cleaner.Stop(ctx))

	entries, err := os.ReadDir(blobDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	resp, err := http.Get(publicURL + "/blob/" + pathname)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRejectionLogsCarryRequestID(t *testing.T) {
	env := newTestEnv(t, staticAI(segmentsJSON), true)
	var buf bytes.Buffer
	env.server.logger = zerolog.New(&buf)
	env.router = env.server.Router()

	req := httptest.NewRequest(http.MethodPost, "/api/upload", strings.NewReader(`{"pathname":"doc.pdf","contentType":"application/pdf"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var rejected map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(line, &entry))
		if entry["pathname"] == "doc.pdf" {
			rejected = entry
		}
	}
	require.NotNil(t, rejected)
	assert.Equal(t, "req-42", rejected["request_id"])
	assert.Equal(t, "warn", rejected["level"])
}

// 转写服务不可达时，客户端删除自己上传的对象
func TestUnreachableGenerateDeletesUpload(t *testing.T) {
	blobDir := t.TempDir()
	ts := httptest.NewUnstartedServer(nil)
	publicURL := "http://" + ts.Listener.Addr().String()

	blobs, err := blob.NewService(blob.Options{
		Dir:       blobDir,
		PublicURL: publicURL,
		Secret:    []byte("0123456789abcdef"),
		MaxSize:   pipeline.MaxFileSize,
	}, blob.NewMemoryIndex(), zerolog.Nop())
	require.NoError(t, err)

	srv := NewServer(Options{Blobs: blobs, HasAPIKey: true, Gatherer: prometheus.NewRegistry(), Logger: zerolog.Nop()})
	ts.Config.Handler = srv.Router()
	ts.Start()
	defer ts.Close()

	// 只启动对象存储，转写地址指向无人监听的端口
	unreachable := httptest.NewServer(http.NotFoundHandler())
	unreachable.Close()

	path := filepath.Join(t.TempDir(), "interview.mp3")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{0xff, 0xfb}, 4096), 0o644))

	o := pipeline.NewOrchestrator(
		gateway.NewClient(publicURL, nil, zerolog.Nop()),
		apiclient.NewClient(unreachable.URL, nil, zerolog.Nop()),
		subtitle.FormatSRT, zerolog.Nop(), nil,
	)
	_, err = o.Select(models.LocalFile{Path: path, Name: "interview.mp3", ContentType: "audio/mpeg", SizeBytes: 8192})
	require.NoError(t, err)

	state, err := o.Generate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeline.ErrUndelivered)
	assert.Equal(t, pipeline.PhaseError, state.Phase)

	entries, err := os.ReadDir(blobDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
