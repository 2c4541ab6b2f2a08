package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teilomillet/docuwise"
	"github.com/teilomillet/docuwise/internal/store"
	"github.com/teilomillet/docuwise/rag"
)

// bagEmbedder hashes words into a small normalized vector so texts sharing
// words end up close.
type bagEmbedder struct{}

func (bagEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	v := make([]float64, 16)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(w))
		v[h.Sum32()%16]++
	}
	var norm float64
	for _, x := range v {
		norm += x * x
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range v {
			v[i] /= norm
		}
	}
	return v, nil
}

func (e bagEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		out[i], _ = e.Embed(ctx, t)
	}
	return out, nil
}

type stubGenerator struct{ prompt string }

func (g *stubGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	g.prompt = prompt
	return "stub answer", nil
}

type testEnv struct {
	router    *mux.Router
	handler   *Handler
	db        *store.DB
	files     *store.FileStore
	generator *stubGenerator
}

// newTestEnv builds a handler over temp storage. opts are applied to the
// ingestor after the defaults.
func newTestEnv(t *testing.T, autoIngest bool, opts ...docuwise.IngestorOption) *testEnv {
	t.Helper()
	dir := t.TempDir()
	logger := rag.NewLoggerWithWriter(io.Discard, rag.LogLevelOff)

	db, err := store.Open(filepath.Join(dir, "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	files := store.NewFileStore(db)

	vdb, err := rag.NewVectorDB(&rag.Config{Type: "memory"})
	require.NoError(t, err)
	require.NoError(t, vdb.Connect(context.Background()))

	// Uploaded "PDFs" in these tests are plain text.
	parsers := rag.NewParserManager()
	parsers.AddParser("pdf", rag.NewTextParser())
	chunker, err := rag.NewWindowChunker(60, 10)
	require.NoError(t, err)

	embeddings := rag.NewEmbeddingService(bagEmbedder{}, rag.WithEmbeddingLogger(logger))
	ingestor, err := docuwise.NewIngestor(embeddings, vdb, append([]docuwise.IngestorOption{
		docuwise.WithParser(parsers),
		docuwise.WithChunker(chunker),
		docuwise.WithIngestLogger(logger),
	}, opts...)...)
	require.NoError(t, err)
	retriever := docuwise.NewRetriever(embeddings, vdb, docuwise.WithRetrieveLogger(logger))
	gen := &stubGenerator{}

	h := NewHandler(Deps{
		Loader:        rag.NewLoader(filepath.Join(dir, "uploads"), rag.WithMaxSize(4<<10), rag.WithLogger(logger)),
		Files:         files,
		Ingestor:      ingestor,
		Retriever:     retriever,
		Answerer:      docuwise.NewAnswerer(retriever, gen),
		Logger:        logger,
		AutoIngest:    autoIngest,
		IngestWorkers: 2,
	})
	h.now = func() time.Time { return time.Date(2024, 8, 15, 15, 43, 21, 0, time.UTC) }
	return &testEnv{router: NewRouter(h), handler: h, db: db, files: files, generator: gen}
}

func (e *testEnv) do(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	var body map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	}
	return rec, body
}

func uploadRequest(t *testing.T, filename, contentType string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename))
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func jsonRequest(method, target string, v interface{}) *http.Request {
	data, _ := json.Marshal(v)
	req := httptest.NewRequest(method, target, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// buildPDF lays out objects 1..n with a valid xref table. Object 1 is the
// catalog.
func buildPDF(objects ...string) []byte {
	var b bytes.Buffer
	b.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = b.Len()
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&b, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&b, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return b.Bytes()
}

func onePagePDF(text string) []byte {
	content := fmt.Sprintf("BT /F1 12 Tf 72 712 Td (%s) Tj ET", text)
	return buildPDF(
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 5 0 R >> >> /Contents 4 0 R >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>",
	)
}

// brokenPagesPDF has a valid xref but a Pages dictionary that does not lex.
func brokenPagesPDF() []byte {
	return buildPDF(
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Count ) >>",
		"<< /Producer (padding so the trailer search window fits) >>",
	)
}

const sampleText = "Photosynthesis converts light energy into chemical energy inside the chloroplast. " +
	"The Calvin cycle fixes carbon dioxide into sugars.\f" +
	"Mitochondria release energy from sugars through cellular respiration."

func TestHealth(t *testing.T) {
	env := newTestEnv(t, false)
	rec, body := env.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestUploadRejectsNonPDF(t *testing.T) {
	env := newTestEnv(t, false)
	rec, body := env.do(t, uploadRequest(t, "notes.txt", "text/plain", []byte("hello")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Only PDF files are allowed", body["error"])
}

func TestUploadTooLarge(t *testing.T) {
	env := newTestEnv(t, false)
	rec, body := env.do(t, uploadRequest(t, "big.pdf", "application/pdf", bytes.Repeat([]byte("a"), 5<<10)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Contains(t, body["error"], "File too large")

	files, err := env.files.ListFiles(10)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestUploadIngestQueryDelete(t *testing.T) {
	env := newTestEnv(t, false)

	rec, up := env.do(t, uploadRequest(t, "biology.pdf", "application/pdf", []byte(sampleText)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "biology.pdf", up["original_filename"])
	assert.Equal(t, "biology_20240815_154321.pdf", up["saved_as"])
	assert.Equal(t, "20240815_154321", up["timestamp"])
	assert.Equal(t, store.StatusUploaded, up["status"])
	id := up["id"].(string)

	rec, ing := env.do(t, httptest.NewRequest(http.MethodPost, "/api/ingest?filename=biology_20240815_154321.pdf", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Ingestion successful", ing["message"])
	assert.Equal(t, id, ing["file_id"])
	assert.Equal(t, float64(2), ing["pages"])
	chunks := ing["chunks_ingested"].(float64)
	assert.Greater(t, chunks, float64(2))
	assert.Equal(t, chunks, ing["embeddings"])
	neighbors := ing["neighbors"].([]interface{})
	require.NotEmpty(t, neighbors)
	// the first chunk is its own nearest neighbour
	assert.Equal(t, float64(0), neighbors[0].(map[string]interface{})["chunk_id"])

	rec, st := env.do(t, httptest.NewRequest(http.MethodGet, "/api/files/"+id+"/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, store.StatusIndexed, st["status"])

	rec, q := env.do(t, jsonRequest(http.MethodPost, "/api/query", map[string]interface{}{"question": "What does the Calvin cycle fix?", "top_k": 2}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "stub answer", q["answer"])
	sources := q["sources"].([]interface{})
	require.Len(t, sources, 2)
	assert.Equal(t, id, sources[0].(map[string]interface{})["file_id"])
	assert.Contains(t, env.generator.prompt, "What does the Calvin cycle fix?")

	rec, s := env.do(t, jsonRequest(http.MethodPost, "/api/search", map[string]interface{}{"query": "mitochondria respiration"}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, s["results"])

	rec, list := env.do(t, httptest.NewRequest(http.MethodGet, "/api/files", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	items := list["items"].([]interface{})
	require.Len(t, items, 1)
	assert.Equal(t, "biology_20240815_154321.pdf", items[0].(map[string]interface{})["filename"])
	assert.Equal(t, chunks, items[0].(map[string]interface{})["chunks"])

	rec, stats := env.do(t, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), stats["files"])
	assert.Equal(t, chunks, stats["vectors"])

	rec, _ = env.do(t, httptest.NewRequest(http.MethodDelete, "/api/files/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = env.do(t, httptest.NewRequest(http.MethodGet, "/api/files/"+id+"/status", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	n, err := env.handler.ingestor.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReingestReplacesChunks(t *testing.T) {
	env := newTestEnv(t, false)
	rec, up := env.do(t, uploadRequest(t, "bio.pdf", "application/pdf", []byte(sampleText)))
	require.Equal(t, http.StatusOK, rec.Code)
	target := "/api/ingest?file_id=" + up["id"].(string)

	_, first := env.do(t, httptest.NewRequest(http.MethodPost, target, nil))
	rec, _ = env.do(t, httptest.NewRequest(http.MethodPost, target, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	n, err := env.handler.ingestor.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int(first["chunks_ingested"].(float64)), n)
}

func TestIngestErrors(t *testing.T) {
	env := newTestEnv(t, false)

	rec, body := env.do(t, httptest.NewRequest(http.MethodPost, "/api/ingest?filename=missing.pdf", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "File not found", body["error"])

	rec, _ = env.do(t, httptest.NewRequest(http.MethodPost, "/api/ingest?filename=../meta.db", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, up := env.do(t, uploadRequest(t, "blank.pdf", "application/pdf", []byte("   \f\n ")))
	require.Equal(t, http.StatusOK, rec.Code)
	rec, body = env.do(t, httptest.NewRequest(http.MethodPost, "/api/ingest?filename="+up["saved_as"].(string), nil))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "no extractable text", body["error"])

	f, err := env.files.GetFile(up["id"].(string))
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, f.Status)
	assert.Contains(t, f.Error, "no extractable text")
}

func TestListFilesLimit(t *testing.T) {
	env := newTestEnv(t, false)
	for _, limit := range []string{"0", "101", "ten"} {
		rec, _ := env.do(t, httptest.NewRequest(http.MethodGet, "/api/files?limit="+limit, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, "limit=%s", limit)
	}
	rec, body := env.do(t, httptest.NewRequest(http.MethodGet, "/api/files?limit=100", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["items"])
}

func TestFileStatusNotFound(t *testing.T) {
	env := newTestEnv(t, false)
	rec, body := env.do(t, httptest.NewRequest(http.MethodGet, "/api/files/nope/status", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Not found", body["error"])
}

func TestQueryValidation(t *testing.T) {
	env := newTestEnv(t, false)
	rec, _ := env.do(t, jsonRequest(http.MethodPost, "/api/query", map[string]string{"question": "  "}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body := env.do(t, jsonRequest(http.MethodPost, "/api/query", map[string]string{"question": "anything?"}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, docuwise.NotFoundAnswer, body["answer"])
	assert.Empty(t, body["sources"])
	assert.Empty(t, env.generator.prompt)
}

func TestAutoIngest(t *testing.T) {
	env := newTestEnv(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.handler.RunQueue(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	rec, up := env.do(t, uploadRequest(t, "queued.pdf", "application/pdf", []byte(sampleText)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, store.StatusQueued, up["status"])

	id := up["id"].(string)
	require.Eventually(t, func() bool {
		f, err := env.files.GetFile(id)
		return err == nil && f.Status == store.StatusIndexed
	}, 5*time.Second, 20*time.Millisecond)
}

func TestUploadWhenQueueIsFull(t *testing.T) {
	env := newTestEnv(t, true)
	env.handler.queue = NewQueue(1, 1, env.handler.ProcessFile, env.handler.logger)
	require.NoError(t, env.handler.queue.Submit("backlog"))

	rec, up := env.do(t, uploadRequest(t, "late.pdf", "application/pdf", []byte(sampleText)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, store.StatusUploaded, up["status"])
	f, err := env.files.GetFile(up["id"].(string))
	require.NoError(t, err)
	assert.Equal(t, store.StatusUploaded, f.Status)

	// A failed status reset is reported instead of answering with a stale status.
	raw, err := sql.Open("sqlite", env.db.Path())
	require.NoError(t, err)
	defer raw.Close()
	_, err = raw.Exec(`CREATE TRIGGER block_status BEFORE UPDATE OF status ON files
		BEGIN SELECT RAISE(ABORT, 'status locked'); END`)
	require.NoError(t, err)

	rec, body := env.do(t, uploadRequest(t, "later.pdf", "application/pdf", []byte(sampleText)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, body["error"], "DB error: ")
	assert.Contains(t, body["error"], "status locked")
}

func TestIngestRealPDF(t *testing.T) {
	env := newTestEnv(t, false, docuwise.WithParser(rag.NewParserManager()))

	rec, up := env.do(t, uploadRequest(t, "leaf.pdf", "application/pdf", onePagePDF("Chlorophyll absorbs red and blue light")))
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := env.do(t, httptest.NewRequest(http.MethodPost, "/api/ingest?filename="+up["saved_as"].(string), nil))
	require.Equal(t, http.StatusOK, rec.Code, body)
	assert.Equal(t, float64(1), body["pages"])
	assert.Equal(t, float64(1), body["chunks_ingested"])

	rec, body = env.do(t, jsonRequest(http.MethodPost, "/api/search", map[string]string{"query": "chlorophyll light"}))
	require.Equal(t, http.StatusOK, rec.Code)
	results := body["results"].([]interface{})
	require.NotEmpty(t, results)
	assert.Contains(t, results[0].(map[string]interface{})["snippet"], "Chlorophyll absorbs")
}

func TestIngestMalformedPDF(t *testing.T) {
	env := newTestEnv(t, false, docuwise.WithParser(rag.NewParserManager()))

	rec, up := env.do(t, uploadRequest(t, "evil.pdf", "application/pdf", brokenPagesPDF()))
	require.Equal(t, http.StatusOK, rec.Code)
	id := up["id"].(string)

	rec, body := env.do(t, httptest.NewRequest(http.MethodPost, "/api/ingest?filename="+up["saved_as"].(string), nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.True(t, strings.HasPrefix(body["error"].(string), "Error loading PDF: "), body["error"])

	f, err := env.files.GetFile(id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, f.Status)
	assert.Contains(t, f.Error, "malformed PDF")

	// the background job path reports the same failure
	assert.NotPanics(t, func() {
		err = env.handler.ProcessFile(context.Background(), id)
	})
	var se *docuwise.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, docuwise.StageLoad, se.Stage)
}

func TestMalformedPDFDoesNotStopQueue(t *testing.T) {
	env := newTestEnv(t, true, docuwise.WithParser(rag.NewParserManager()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.handler.RunQueue(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	_, bad := env.do(t, uploadRequest(t, "evil.pdf", "application/pdf", brokenPagesPDF()))
	_, good := env.do(t, uploadRequest(t, "leaf.pdf", "application/pdf", onePagePDF("Stomata regulate gas exchange")))

	for id, want := range map[string]string{
		bad["id"].(string):  store.StatusFailed,
		good["id"].(string): store.StatusIndexed,
	} {
		require.Eventually(t, func() bool {
			f, err := env.files.GetFile(id)
			return err == nil && f.Status == want
		}, 5*time.Second, 20*time.Millisecond, want)
	}
}

func TestRecoverPending(t *testing.T) {
	seed := func(t *testing.T, env *testEnv, name, status string) string {
		t.Helper()
		saved, err := env.handler.loader.SaveUpload(name, strings.NewReader(sampleText), env.handler.now())
		require.NoError(t, err)
		f := &store.File{OriginalFilename: name, SavedAs: saved.SavedAs, SavedPath: saved.Path, Status: status}
		require.NoError(t, env.files.CreateFile(f))
		return f.ID
	}

	t.Run("manual ingest resets to uploaded", func(t *testing.T) {
		env := newTestEnv(t, false)
		queued := seed(t, env, "a.pdf", store.StatusQueued)
		processing := seed(t, env, "b.pdf", store.StatusProcessing)
		indexed := seed(t, env, "c.pdf", store.StatusIndexed)

		n, err := env.handler.RecoverPending()
		require.NoError(t, err)
		assert.Zero(t, n)
		for id, want := range map[string]string{queued: store.StatusUploaded, processing: store.StatusUploaded, indexed: store.StatusIndexed} {
			f, err := env.files.GetFile(id)
			require.NoError(t, err)
			assert.Equal(t, want, f.Status)
		}
	})

	t.Run("auto ingest requeues", func(t *testing.T) {
		env := newTestEnv(t, true)
		queued := seed(t, env, "a.pdf", store.StatusQueued)
		processing := seed(t, env, "b.pdf", store.StatusProcessing)

		n, err := env.handler.RecoverPending()
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- env.handler.RunQueue(ctx) }()
		defer func() {
			cancel()
			<-done
		}()
		for _, id := range []string{queued, processing} {
			require.Eventually(t, func() bool {
				f, err := env.files.GetFile(id)
				return err == nil && f.Status == store.StatusIndexed
			}, 5*time.Second, 20*time.Millisecond)
		}
	})
}
