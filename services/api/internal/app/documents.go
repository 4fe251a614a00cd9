package app

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"profilehub/internal/util"
	"profilehub/pkg/domain"
	"profilehub/pkg/events"
)

// unknownUsername is shown for documents whose creator is gone.
const unknownUsername = "Unknown"

// DocumentInput holds the form fields sent with an upload.
type DocumentInput struct {
	Name        string `json:"name" validate:"required,max=255"`
	Description string `json:"description"`
}

// Upload is the file part of a document upload. Size is the declared length
// of Content.
type Upload struct {
	Filename    string
	Content     io.Reader
	Size        int64
	ContentType string
}

// DocumentView is a document with its derived read-only fields.
type DocumentView struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	SizeBytes   int64     `json:"size_bytes"`
	Description string    `json:"description"`
	File        *string   `json:"file"`
	FileURL     *string   `json:"file_url"`
	FileType    *string   `json:"file_type"`
	ContentType string    `json:"content_type,omitempty"`
	Username    string    `json:"username"`
	CreatedByID *string   `json:"created_by_id"`
	UpdatedByID *string   `json:"updated_by_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	IsActive    bool      `json:"is_active"`
	IsDefault   bool      `json:"is_default"`
}

// CreateDocument stores the upload and its metadata as one unit: the blob is
// written inside the metadata transaction, and a failed commit removes it.
func (a *App) CreateDocument(ctx context.Context, creator domain.Account, in DocumentInput, up Upload) (DocumentView, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Description = strings.TrimSpace(in.Description)
	fe := fieldErrors{}
	if err := fe.checkStruct(in); err != nil {
		return DocumentView{}, err
	}
	switch {
	case up.Content == nil:
		fe.add("file", "No file was submitted.")
	case up.Size <= 0:
		fe.add("file", "The submitted file is empty.")
	}
	if err := fe.err(); err != nil {
		return DocumentView{}, err
	}
	if up.Size > a.maxUploadBytes {
		return DocumentView{}, fmt.Errorf("%w: limit is %d bytes", ErrFileTooLarge, a.maxUploadBytes)
	}

	doc := domain.Document{
		ID:          util.NewID(),
		Name:        in.Name,
		SizeBytes:   up.Size,
		Description: in.Description,
		ContentType: up.ContentType,
		Audit:       domain.NewAudit(),
	}
	doc.FileKey = path.Join("documents", doc.ID, safeFilename(up.Filename))
	doc.Stamp(creator.ID, a.clock())

	var attempted, short bool
	err := a.store.CreateDocument(ctx, doc, func() error {
		attempted = true
		n, err := a.blobs.Put(ctx, doc.FileKey, io.LimitReader(up.Content, up.Size+1), up.Size, up.ContentType)
		if err != nil {
			return fmt.Errorf("store file: %w", err)
		}
		if n != up.Size {
			short = true
			return fmt.Errorf("stored %d bytes, expected %d", n, up.Size)
		}
		return nil
	})
	if err != nil {
		if attempted {
			if delErr := a.blobs.Delete(context.WithoutCancel(ctx), doc.FileKey); delErr != nil {
				a.logger.Error("orphaned document blob", "key", doc.FileKey, "err", delErr)
			}
		}
		if short {
			fe.add("file", "The uploaded file does not match its declared size.")
			return DocumentView{}, fe.err()
		}
		return DocumentView{}, fmt.Errorf("create document: %w", err)
	}

	a.publish(ctx, events.DocumentCreated, events.DocumentCreatedEvent{
		DocumentID:  doc.ID,
		Name:        doc.Name,
		SizeBytes:   doc.SizeBytes,
		CreatedByID: doc.CreatedByID,
	})
	return a.view(ctx, doc, map[string]string{creator.ID: creator.Username}), nil
}

// ListDocuments returns every document, oldest first.
func (a *App) ListDocuments(ctx context.Context) ([]DocumentView, error) {
	docs, err := a.store.ListDocuments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	names, err := a.creatorNames(ctx, docs...)
	if err != nil {
		return nil, err
	}
	out := make([]DocumentView, 0, len(docs))
	for _, d := range docs {
		out = append(out, a.view(ctx, d, names))
	}
	return out, nil
}

// GetDocument returns one document by id.
func (a *App) GetDocument(ctx context.Context, id string) (DocumentView, error) {
	doc, err := a.document(ctx, id)
	if err != nil {
		return DocumentView{}, err
	}
	names, err := a.creatorNames(ctx, doc)
	if err != nil {
		return DocumentView{}, err
	}
	return a.view(ctx, doc, names), nil
}

// DeleteDocumentFile removes the blob of a document created by actor and
// clears its reference. Documents created by others report ErrNotFound.
// Deleting an already cleared file changes nothing.
func (a *App) DeleteDocumentFile(ctx context.Context, actor domain.Account, id string) (DocumentView, error) {
	doc, err := a.document(ctx, id)
	if err != nil {
		return DocumentView{}, err
	}
	if doc.CreatedByID == "" || doc.CreatedByID != actor.ID {
		return DocumentView{}, ErrNotFound
	}
	names := map[string]string{actor.ID: actor.Username}
	if !doc.HasFile() {
		return a.view(ctx, doc, names), nil
	}
	if err := a.blobs.Delete(ctx, doc.FileKey); err != nil {
		return DocumentView{}, fmt.Errorf("delete file: %w", err)
	}
	doc.FileKey = ""
	doc.Stamp(actor.ID, a.clock())
	if err := a.store.ClearDocumentFile(ctx, doc); err != nil {
		return DocumentView{}, fmt.Errorf("clear document file: %w", err)
	}
	a.publish(ctx, events.DocumentFileDeleted, events.DocumentFileDeletedEvent{
		DocumentID:  doc.ID,
		UpdatedByID: actor.ID,
	})
	return a.view(ctx, doc, names), nil
}

func (a *App) document(ctx context.Context, id string) (domain.Document, error) {
	doc, ok, err := a.store.GetDocument(ctx, id)
	if err != nil {
		return domain.Document{}, fmt.Errorf("fetch document: %w", err)
	}
	if !ok {
		return domain.Document{}, ErrNotFound
	}
	return doc, nil
}

func (a *App) creatorNames(ctx context.Context, docs ...domain.Document) (map[string]string, error) {
	seen := map[string]bool{}
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		if d.CreatedByID != "" && !seen[d.CreatedByID] {
			seen[d.CreatedByID] = true
			ids = append(ids, d.CreatedByID)
		}
	}
	names := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return names, nil
	}
	accounts, err := a.store.ListAccountsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch document creators: %w", err)
	}
	for _, acc := range accounts {
		names[acc.ID] = acc.Username
	}
	return names, nil
}

func (a *App) view(ctx context.Context, d domain.Document, names map[string]string) DocumentView {
	v := DocumentView{
		ID:          d.ID,
		Name:        d.Name,
		SizeBytes:   d.SizeBytes,
		Description: d.Description,
		ContentType: d.ContentType,
		Username:    unknownUsername,
		CreatedByID: optional(d.CreatedByID),
		UpdatedByID: optional(d.UpdatedByID),
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
		IsActive:    d.IsActive,
		IsDefault:   d.IsDefault,
	}
	if name, ok := names[d.CreatedByID]; ok && name != "" {
		v.Username = name
	}
	if !d.HasFile() {
		return v
	}
	v.File = optional(d.FileKey)
	v.FileType = optional(d.FileType())
	if u, err := a.blobs.URL(ctx, d.FileKey); err != nil {
		a.logger.Warn("resolve document url", "document_id", d.ID, "err", err)
	} else {
		v.FileURL = &u
	}
	return v
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// maxFilenameBytes bounds stored file names well below common filesystem
// and object key limits.
const maxFilenameBytes = 128

// safeFilename keeps the base name of an uploaded file with characters
// outside [A-Za-z0-9._-] replaced. Long names keep their extension and lose
// the end of the stem.
func safeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), `\`, "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
	if strings.Trim(name, ".") == "" {
		return "upload"
	}
	if len(name) > maxFilenameBytes {
		ext := path.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = name[:maxFilenameBytes-len(ext)] + ext
	}
	return name
}
