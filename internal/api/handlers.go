package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/teilomillet/docuwise"
	"github.com/teilomillet/docuwise/internal/store"
	"github.com/teilomillet/docuwise/rag"
)

// multipartSlack is the room left above the file limit for multipart
// boundaries and headers.
const multipartSlack = 1 << 20

const snippetRunes = 240

// Deps are the components behind the routes.
type Deps struct {
	Loader    *rag.Loader
	Files     *store.FileStore
	Ingestor  *docuwise.Ingestor
	Retriever *docuwise.Retriever
	Answerer  *docuwise.Answerer
	Logger    rag.Logger

	// AutoIngest queues every upload for background ingestion on
	// IngestWorkers workers.
	AutoIngest    bool
	IngestWorkers int
}

// Handler holds the dependencies for HTTP handlers.
type Handler struct {
	loader    *rag.Loader
	files     *store.FileStore
	ingestor  *docuwise.Ingestor
	retriever *docuwise.Retriever
	answerer  *docuwise.Answerer
	queue     *Queue
	logger    rag.Logger
	now       func() time.Time
}

// NewHandler wires the handlers. When d.AutoIngest is set, RunQueue must
// be started for queued uploads to be processed.
func NewHandler(d Deps) *Handler {
	h := &Handler{
		loader:    d.Loader,
		files:     d.Files,
		ingestor:  d.Ingestor,
		retriever: d.Retriever,
		answerer:  d.Answerer,
		logger:    d.Logger,
		now:       time.Now,
	}
	if h.logger == nil {
		h.logger = rag.GlobalLogger
	}
	if d.AutoIngest {
		h.queue = NewQueue(d.IngestWorkers, 64, h.ProcessFile, h.logger)
	}
	return h
}

// RunQueue processes queued uploads until ctx is done. It returns
// immediately when auto-ingest is off.
func (h *Handler) RunQueue(ctx context.Context) error {
	if h.queue == nil {
		return nil
	}
	return h.queue.Run(ctx)
}

// RecoverPending resets files left queued or processing by a previous run.
// With auto-ingest they are queued again; otherwise, or when the backlog is
// full, they go back to uploaded. It returns how many were requeued.
func (h *Handler) RecoverPending() (int, error) {
	pending, err := h.files.ListByStatus(store.StatusQueued, store.StatusProcessing)
	if err != nil {
		return 0, err
	}
	requeued := 0
	for _, f := range pending {
		if h.queue != nil {
			if err := h.files.UpdateStatus(f.ID, store.StatusQueued, ""); err != nil {
				return requeued, err
			}
			if h.queue.Submit(f.ID) == nil {
				requeued++
				continue
			}
		}
		if err := h.files.UpdateStatus(f.ID, store.StatusUploaded, ""); err != nil {
			return requeued, err
		}
	}
	if len(pending) > 0 {
		h.logger.Info("Recovered pending files", "pending", len(pending), "requeued", requeued)
	}
	return requeued, nil
}

func sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func sendError(w http.ResponseWriter, status int, msg string) {
	sendJSON(w, status, map[string]string{"error": msg})
}

// HandleHealth handles GET /health requests.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type uploadResponse struct {
	ID               string  `json:"id"`
	OriginalFilename string  `json:"original_filename"`
	SavedAs          string  `json:"saved_as"`
	SavedPath        string  `json:"saved_path"`
	SizeKB           float64 `json:"size_kb"`
	Timestamp        string  `json:"timestamp"`
	Status           string  `json:"status"`
}

// HandleUpload handles POST /api/upload requests. The multipart field
// "file" must carry a PDF content type.
func (h *Handler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	limit := h.loader.MaxSize()
	if limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit+multipartSlack)
	}
	mr, err := r.MultipartReader()
	if err != nil {
		sendError(w, http.StatusBadRequest, "Invalid multipart form: "+err.Error())
		return
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			sendError(w, http.StatusBadRequest, "No file provided")
			return
		}
		if err != nil {
			if isTooLarge(err) {
				sendError(w, http.StatusRequestEntityTooLarge, h.tooLargeMessage())
				return
			}
			sendError(w, http.StatusBadRequest, "Invalid multipart form: "+err.Error())
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}
		h.saveUpload(w, part.FileName(), part.Header.Get("Content-Type"), part)
		part.Close()
		return
	}
}

func (h *Handler) saveUpload(w http.ResponseWriter, filename, contentType string, body io.Reader) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType != "application/pdf" {
		sendError(w, http.StatusBadRequest, "Only PDF files are allowed")
		return
	}
	if filename == "" {
		sendError(w, http.StatusBadRequest, "Filename is missing")
		return
	}

	now := h.now()
	saved, err := h.loader.SaveUpload(filename, body, now)
	if err != nil {
		if isTooLarge(err) {
			sendError(w, http.StatusRequestEntityTooLarge, h.tooLargeMessage())
			return
		}
		h.logger.Error("Failed to save upload", "filename", filename, "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to save file")
		return
	}

	f := &store.File{
		OriginalFilename: filename,
		SavedAs:          saved.SavedAs,
		SavedPath:        saved.Path,
		SizeBytes:        saved.Size,
		ContentType:      mediaType,
		UploadedAt:       now,
	}
	if h.queue != nil {
		f.Status = store.StatusQueued
	}
	if err := h.files.CreateFile(f); err != nil {
		h.loader.Remove(saved.SavedAs)
		h.logger.Error("Failed to record upload", "saved_as", saved.SavedAs, "error", err)
		sendError(w, http.StatusInternalServerError, "DB error: "+err.Error())
		return
	}
	if h.queue != nil {
		if err := h.queue.Submit(f.ID); err != nil {
			h.logger.Warn("Upload not queued", "file_id", f.ID, "error", err)
			f.Status = store.StatusUploaded
			if err := h.files.UpdateStatus(f.ID, f.Status, ""); err != nil {
				h.logger.Error("Failed to reset upload status", "file_id", f.ID, "error", err)
				sendError(w, http.StatusInternalServerError, "DB error: "+err.Error())
				return
			}
		}
	}

	h.logger.Info("File uploaded", "file_id", f.ID, "saved_as", saved.SavedAs, "bytes", saved.Size)
	sendJSON(w, http.StatusOK, uploadResponse{
		ID:               f.ID,
		OriginalFilename: filename,
		SavedAs:          saved.SavedAs,
		SavedPath:        saved.Path,
		SizeKB:           math.Round(float64(saved.Size)/1024*100) / 100,
		Timestamp:        now.Format(rag.TimestampLayout),
		Status:           f.Status,
	})
}

func isTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.Is(err, rag.ErrFileTooLarge) || errors.As(err, &mbe)
}

func (h *Handler) tooLargeMessage() string {
	return fmt.Sprintf("File too large (limit %d MB)", h.loader.MaxSize()>>20)
}

type ingestResponse struct {
	*docuwise.IngestResult
	Message string `json:"message"`
}

// HandleIngest handles POST /api/ingest?filename=<saved_as> (or file_id=).
func (h *Handler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	f, err := h.lookupIngestTarget(r.URL.Query().Get("file_id"), r.URL.Query().Get("filename"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, os.ErrNotExist) || errors.Is(err, rag.ErrInvalidName) {
			sendError(w, http.StatusNotFound, "File not found")
			return
		}
		sendError(w, http.StatusInternalServerError, "DB error: "+err.Error())
		return
	}

	res, err := h.ingest(r.Context(), f)
	if err != nil {
		var se *docuwise.StageError
		switch {
		case errors.Is(err, docuwise.ErrNoText):
			sendError(w, http.StatusUnprocessableEntity, docuwise.ErrNoText.Error())
		case errors.As(err, &se):
			sendError(w, http.StatusInternalServerError, se.Error())
		default:
			sendError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	sendJSON(w, http.StatusOK, ingestResponse{IngestResult: res, Message: "Ingestion successful"})
}

// lookupIngestTarget finds the file record. A file present in the upload
// directory without a record is registered on the fly.
func (h *Handler) lookupIngestTarget(fileID, savedAs string) (*store.File, error) {
	if fileID == "" && savedAs == "" {
		return nil, store.ErrNotFound
	}
	var f *store.File
	var err error
	if fileID != "" {
		f, err = h.files.GetFile(fileID)
	} else {
		f, err = h.files.GetFileBySavedAs(savedAs)
	}
	if err != nil && !(errors.Is(err, store.ErrNotFound) && fileID == "") {
		return nil, err
	}

	if f == nil {
		path, err := h.loader.Path(savedAs)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		f = &store.File{
			OriginalFilename: savedAs,
			SavedAs:          savedAs,
			SavedPath:        path,
			SizeBytes:        info.Size(),
			UploadedAt:       info.ModTime(),
		}
		if err := h.files.CreateFile(f); err != nil {
			return nil, err
		}
		return f, nil
	}

	if _, err := os.Stat(f.SavedPath); err != nil {
		return nil, err
	}
	return f, nil
}

// ProcessFile ingests a stored file by id. It is the background job run by
// the queue.
func (h *Handler) ProcessFile(ctx context.Context, fileID string) error {
	f, err := h.files.GetFile(fileID)
	if err != nil {
		return err
	}
	_, err = h.ingest(ctx, f)
	return err
}

func (h *Handler) ingest(ctx context.Context, f *store.File) (*docuwise.IngestResult, error) {
	if err := h.files.UpdateStatus(f.ID, store.StatusProcessing, ""); err != nil {
		return nil, err
	}
	res, err := h.ingestor.Ingest(ctx, docuwise.IngestRequest{
		FileID:   f.ID,
		Filename: f.SavedAs,
		Path:     f.SavedPath,
	})
	if err != nil {
		if uerr := h.files.UpdateStatus(f.ID, store.StatusFailed, err.Error()); uerr != nil {
			h.logger.Error("Failed to record ingestion failure", "file_id", f.ID, "error", uerr)
		}
		return nil, err
	}
	if err := h.files.MarkIndexed(f.ID, res.Pages, res.ChunksIngested); err != nil {
		return nil, err
	}
	return res, nil
}

type queryRequest struct {
	Question string `json:"question"`
	Query    string `json:"query"`
	TopK     int    `json:"top_k"`
}

type source struct {
	FileID   string  `json:"file_id"`
	Filename string  `json:"filename"`
	Page     int     `json:"page"`
	ChunkID  int     `json:"chunk_id"`
	Snippet  string  `json:"snippet"`
	Score    float64 `json:"score"`
}

func toSources(results []docuwise.RetrieverResult) []source {
	out := make([]source, 0, len(results))
	for _, r := range results {
		out = append(out, source{
			FileID:   r.FileID,
			Filename: r.Filename,
			Page:     r.Page,
			ChunkID:  r.ChunkID,
			Snippet:  snippet(r.Content, snippetRunes),
			Score:    r.Score,
		})
	}
	return out
}

func snippet(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}

// HandleQuery handles POST /api/query requests.
func (h *Handler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	question := strings.TrimSpace(req.Question)
	if question == "" {
		sendError(w, http.StatusBadRequest, "Question is required")
		return
	}

	ans, err := h.answerer.Answer(r.Context(), question, req.TopK)
	if err != nil {
		h.logger.Error("Query failed", "error", err)
		sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"answer":  ans.Text,
		"sources": toSources(ans.Sources),
	})
}

// HandleSearch handles POST /api/search requests.
func (h *Handler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		sendError(w, http.StatusBadRequest, "Query is required")
		return
	}

	results, err := h.retriever.RetrieveK(r.Context(), query, req.TopK)
	if err != nil {
		h.logger.Error("Search failed", "error", err)
		sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{"results": toSources(results)})
}

type fileItem struct {
	ID         string    `json:"id"`
	Filename   string    `json:"filename"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploaded_at"`
	Status     string    `json:"status"`
	Chunks     int       `json:"chunks"`
}

// HandleListFiles handles GET /api/files?limit=N, 1 <= N <= 100.
func (h *Handler) HandleListFiles(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			sendError(w, http.StatusBadRequest, "limit must be an integer between 1 and 100")
			return
		}
		limit = n
	}

	files, err := h.files.ListFiles(limit)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "DB error: "+err.Error())
		return
	}
	items := make([]fileItem, 0, len(files))
	for _, f := range files {
		items = append(items, fileItem{
			ID:         f.ID,
			Filename:   f.SavedAs,
			Size:       f.SizeBytes,
			UploadedAt: f.UploadedAt,
			Status:     f.Status,
			Chunks:     f.ChunkCount,
		})
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

type fileStatus struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HandleFileStatus handles GET /api/files/{id}/status requests.
func (h *Handler) HandleFileStatus(w http.ResponseWriter, r *http.Request) {
	f, err := h.files.GetFile(mux.Vars(r)["id"])
	if errors.Is(err, store.ErrNotFound) {
		sendError(w, http.StatusNotFound, "Not found")
		return
	}
	if err != nil {
		sendError(w, http.StatusInternalServerError, "DB error: "+err.Error())
		return
	}
	sendJSON(w, http.StatusOK, fileStatus{ID: f.ID, Status: f.Status, Error: f.Error, UpdatedAt: f.UpdatedAt})
}

// HandleDeleteFile handles DELETE /api/files/{id}. It removes the chunks,
// the stored file and the metadata record.
func (h *Handler) HandleDeleteFile(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	f, err := h.files.GetFile(id)
	if errors.Is(err, store.ErrNotFound) {
		sendError(w, http.StatusNotFound, "Not found")
		return
	}
	if err != nil {
		sendError(w, http.StatusInternalServerError, "DB error: "+err.Error())
		return
	}

	if err := h.ingestor.Delete(r.Context(), f.ID); err != nil {
		sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := h.loader.Remove(f.SavedAs); err != nil {
		h.logger.Warn("Failed to remove stored file", "saved_as", f.SavedAs, "error", err)
	}
	if err := h.files.DeleteFile(f.ID); err != nil {
		sendError(w, http.StatusInternalServerError, "DB error: "+err.Error())
		return
	}
	h.logger.Info("File deleted", "file_id", f.ID)
	sendJSON(w, http.StatusOK, map[string]interface{}{"id": f.ID, "deleted": true})
}

// HandleStats handles GET /api/stats requests.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.files.Stats()
	if err != nil {
		sendError(w, http.StatusInternalServerError, "DB error: "+err.Error())
		return
	}
	vectors, err := h.ingestor.Count(r.Context())
	if err != nil {
		h.logger.Warn("Failed to count vectors", "error", err)
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"files":     stats.Files,
		"chunks":    stats.Chunks,
		"vectors":   vectors,
		"by_status": stats.ByStatus,
	})
}
