package internal

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	gonanoid "github.com/jaevor/go-nanoid"
)

const (
	// DefaultUploadDir is used when no upload directory is configured.
	DefaultUploadDir = "uploads"
	uploadsPrefix    = "/uploads/"
	sniffLen         = 512
)

// uploadResponse tells the client where the file lives and which message
// type to post it as.
type uploadResponse struct {
	FileURL string `json:"fileUrl"`
	Type    string `json:"type"`
}

var newUploadID = mustNanoid(12)

func mustNanoid(length int) func() string {
	gen, err := gonanoid.Standard(length)
	if err != nil {
		panic(err)
	}
	return gen
}

// HandleUpload stores the multipart "file" field under the upload directory
// and returns its public URL. Files are written as-is; there is no
// per-room bookkeeping.
func (s *Server) HandleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize+sniffLen*2)
	if err := r.ParseMultipartForm(s.maxUploadSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, errors.New("file too large"))
			return
		}
		writeError(w, http.StatusBadRequest, errors.New("expected multipart form"))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("no file provided"))
		return
	}
	defer file.Close()

	if header.Size > s.maxUploadSize {
		writeError(w, http.StatusRequestEntityTooLarge, errors.New("file too large"))
		return
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(file, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, errors.New("unreadable file"))
		return
	}
	head = head[:n]
	kind := mediaKind(head)

	name := fmt.Sprintf("%s-%s", newUploadID(), sanitizeFilename(header.Filename))
	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		s.logger.Error("upload_dir_failed", "dir", s.uploadDir, "err", err)
		writeError(w, http.StatusInternalServerError, errors.New("failed to store file"))
		return
	}
	storagePath := filepath.Join(s.uploadDir, name)
	dest, err := os.Create(storagePath)
	if err != nil {
		s.logger.Error("upload_create_failed", "path", storagePath, "err", err)
		writeError(w, http.StatusInternalServerError, errors.New("failed to store file"))
		return
	}
	written, err := io.Copy(dest, io.MultiReader(bytes.NewReader(head), file))
	if closeErr := dest.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(storagePath)
		s.logger.Error("upload_write_failed", "path", storagePath, "err", err)
		writeError(w, http.StatusInternalServerError, errors.New("failed to store file"))
		return
	}

	s.metrics.Uploaded(kind)
	s.logger.Info("file_uploaded", "name", name, "bytes", written, "type", kind)
	writeJSON(w, http.StatusCreated, uploadResponse{
		FileURL: path.Join(uploadsPrefix, name),
		Type:    kind,
	})
}

// UploadsHandler serves stored files read-only, without directory listings.
func (s *Server) UploadsHandler() http.Handler {
	files := http.FileServer(noListingFS{http.Dir(s.uploadDir)})
	return http.StripPrefix(strings.TrimSuffix(uploadsPrefix, "/"), files)
}

type noListingFS struct {
	fs http.FileSystem
}

func (n noListingFS) Open(name string) (http.File, error) {
	f, err := n.fs.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, os.ErrNotExist
	}
	return f, nil
}

// mediaKind classifies sniffed content: videos are "video", everything else
// is shown as an image.
func mediaKind(head []byte) string {
	if strings.HasPrefix(http.DetectContentType(head), "video/") {
		return "video"
	}
	return "image"
}

// sanitizeFilename keeps the base name and replaces characters that are
// unsafe in paths or URLs.
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		case r == 0:
			return -1
		default:
			return '_'
		}
	}, strings.TrimSpace(name))
	name = strings.TrimLeft(name, ".")
	if name == "" {
		return "unnamed"
	}
	return name
}
