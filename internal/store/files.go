package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no file matches the lookup.
var ErrNotFound = errors.New("not found")

// File statuses.
const (
	StatusUploaded   = "uploaded"
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusIndexed    = "indexed"
	StatusFailed     = "failed"
)

// File is the metadata of one uploaded file.
type File struct {
	ID               string
	OriginalFilename string
	SavedAs          string
	SavedPath        string
	SizeBytes        int64
	ContentType      string
	Status           string
	Pages            int
	ChunkCount       int
	Error            string
	UploadedAt       time.Time
	UpdatedAt        time.Time
}

// Stats summarises the files table.
type Stats struct {
	Files    int
	Chunks   int
	ByStatus map[string]int
}

// FileStore provides CRUD operations for files.
type FileStore struct {
	db  *DB
	now func() time.Time
}

// NewFileStore creates a new file store.
func NewFileStore(db *DB) *FileStore {
	return &FileStore{db: db, now: time.Now}
}

const fileColumns = `id, original_filename, saved_as, saved_path, size_bytes, content_type,
	status, pages, chunk_count, error, uploaded_at, updated_at`

// CreateFile inserts f. An empty ID is filled with a new UUID, an empty
// status with StatusUploaded, and zero timestamps with the current time.
func (s *FileStore) CreateFile(f *File) error {
	if f == nil {
		return fmt.Errorf("file is nil")
	}
	if f.SavedAs == "" {
		return fmt.Errorf("saved_as is required")
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.Status == "" {
		f.Status = StatusUploaded
	}
	now := s.now()
	if f.UploadedAt.IsZero() {
		f.UploadedAt = now
	}
	f.UpdatedAt = now

	_, err := s.db.sqlDB.Exec(`INSERT INTO files (`+fileColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.OriginalFilename, f.SavedAs, f.SavedPath, f.SizeBytes, f.ContentType,
		f.Status, f.Pages, f.ChunkCount, f.Error, formatTime(f.UploadedAt), formatTime(f.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	return nil
}

// GetFile returns the file with the given id.
func (s *FileStore) GetFile(id string) (*File, error) {
	row := s.db.sqlDB.QueryRow(`SELECT `+fileColumns+` FROM files WHERE id = ?`, id)
	return scanFile(row)
}

// GetFileBySavedAs returns the file stored under savedAs.
func (s *FileStore) GetFileBySavedAs(savedAs string) (*File, error) {
	row := s.db.sqlDB.QueryRow(`SELECT `+fileColumns+` FROM files WHERE saved_as = ?`, savedAs)
	return scanFile(row)
}

// ListFiles returns up to limit files, newest upload first.
func (s *FileStore) ListFiles(limit int) ([]*File, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.sqlDB.Query(`SELECT `+fileColumns+` FROM files
		ORDER BY uploaded_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	return scanFiles(rows)
}

// ListByStatus returns every file in one of the given statuses, oldest
// upload first.
func (s *FileStore) ListByStatus(statuses ...string) ([]*File, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	rows, err := s.db.sqlDB.Query(`SELECT `+fileColumns+` FROM files
		WHERE status IN (`+placeholders+`) ORDER BY uploaded_at ASC, id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list files by status: %w", err)
	}
	return scanFiles(rows)
}

func scanFiles(rows *sql.Rows) ([]*File, error) {
	defer rows.Close()
	var files []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// UpdateStatus sets the status and error text of a file.
func (s *FileStore) UpdateStatus(id, status, errMsg string) error {
	return s.exec(id, `UPDATE files SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, errMsg, formatTime(s.now()), id)
}

// MarkIndexed records a successful ingestion.
func (s *FileStore) MarkIndexed(id string, pages, chunks int) error {
	return s.exec(id, `UPDATE files SET status = ?, pages = ?, chunk_count = ?, error = '', updated_at = ? WHERE id = ?`,
		StatusIndexed, pages, chunks, formatTime(s.now()), id)
}

// DeleteFile removes the metadata row.
func (s *FileStore) DeleteFile(id string) error {
	return s.exec(id, `DELETE FROM files WHERE id = ?`, id)
}

// Stats counts files and chunks, with a per-status breakdown.
func (s *FileStore) Stats() (*Stats, error) {
	rows, err := s.db.sqlDB.Query(`SELECT status, COUNT(*), COALESCE(SUM(chunk_count), 0) FROM files GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	stats := &Stats{ByStatus: make(map[string]int)}
	for rows.Next() {
		var status string
		var files, chunks int
		if err := rows.Scan(&status, &files, &chunks); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		stats.ByStatus[status] = files
		stats.Files += files
		stats.Chunks += chunks
	}
	return stats, rows.Err()
}

func (s *FileStore) exec(id, query string, args ...any) error {
	res, err := s.db.sqlDB.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to update file %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("file %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanFile(row rowScanner) (*File, error) {
	var f File
	var uploadedAt, updatedAt any
	err := row.Scan(
		&f.ID, &f.OriginalFilename, &f.SavedAs, &f.SavedPath, &f.SizeBytes, &f.ContentType,
		&f.Status, &f.Pages, &f.ChunkCount, &f.Error, &uploadedAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan file: %w", err)
	}
	if f.UploadedAt, err = parseTimeValue(uploadedAt); err != nil {
		return nil, fmt.Errorf("failed to parse uploaded_at: %w", err)
	}
	if f.UpdatedAt, err = parseTimeValue(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return &f, nil
}
