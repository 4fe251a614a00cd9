package server

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/gabriel-vasile/mimetype"

	"profilehub/pkg/domain"
	"profilehub/services/api/internal/app"
)

// multipartOverhead leaves room for the form fields and part headers on top
// of the file itself.
const multipartOverhead = 1 << 20

// /documents
func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		docs, err := s.app.ListDocuments(r.Context())
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, docs)
	case http.MethodPost:
		s.authenticated(s.handleUploadDocument).ServeHTTP(w, r)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request, account domain.Account) {
	r.Body = http.MaxBytesReader(w, r.Body, s.app.MaxUploadBytes()+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, codeFileTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, codeValidation, "invalid multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	in := app.DocumentInput{
		Name:        r.FormValue("name"),
		Description: r.FormValue("description"),
	}
	var up app.Upload
	file, header, err := r.FormFile("file")
	switch {
	case errors.Is(err, http.ErrMissingFile):
		// reported by CreateDocument as a field error
	case err != nil:
		writeError(w, http.StatusBadRequest, codeValidation, "invalid file part")
		return
	default:
		defer file.Close()
		contentType, err := sniffContentType(file, header)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		up = app.Upload{
			Filename:    header.Filename,
			Content:     file,
			Size:        header.Size,
			ContentType: contentType,
		}
	}

	view, err := s.app.CreateDocument(r.Context(), account, in, up)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// sniffContentType detects the type from the leading bytes and rewinds file.
// The client-declared type is used when detection is inconclusive.
func sniffContentType(file multipart.File, header *multipart.FileHeader) (string, error) {
	mtype, err := mimetype.DetectReader(file)
	if _, seekErr := file.Seek(0, io.SeekStart); seekErr != nil {
		return "", seekErr
	}
	declared := header.Header.Get("Content-Type")
	if err != nil || (mtype.Is("application/octet-stream") && declared != "") {
		if declared == "" {
			declared = "application/octet-stream"
		}
		return declared, nil
	}
	return mtype.String(), nil
}

// /documents/{id} and /documents/{id}/file
func (s *Server) handleDocumentByID(w http.ResponseWriter, r *http.Request) {
	id, rest, ok := pathID(r, "/documents/")
	if !ok {
		writeAppError(w, r, app.ErrNotFound)
		return
	}
	switch rest {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		view, err := s.app.GetDocument(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	case "file":
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, http.MethodDelete)
			return
		}
		s.authenticated(func(w http.ResponseWriter, r *http.Request, account domain.Account) {
			view, err := s.app.DeleteDocumentFile(r.Context(), account, id)
			if err != nil {
				s.audit(r, "document.file.delete", "fail", "user_id", account.ID, "document_id", id)
				writeAppError(w, r, err)
				return
			}
			s.audit(r, "document.file.delete", "success", "user_id", account.ID, "document_id", id)
			writeJSON(w, http.StatusOK, view)
		}).ServeHTTP(w, r)
	default:
		writeAppError(w, r, app.ErrNotFound)
	}
}
