package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"profilehub/pkg/domain"
	"profilehub/pkg/events"
	"profilehub/pkg/store"
)

func textUpload(name, body string) Upload {
	return Upload{Filename: name, Content: strings.NewReader(body), Size: int64(len(body)), ContentType: "text/plain"}
}

func TestCreateDocumentStoresBlobAndMetadata(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.register(t, "a@x.com", "alice", "+1")

	view, err := env.app.CreateDocument(ctx, alice, DocumentInput{Name: " Notes ", Description: "weekly"}, textUpload("notes.txt", "hello world"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if view.SizeBytes != int64(len("hello world")) || view.Name != "Notes" {
		t.Fatalf("unexpected view %+v", view)
	}
	if view.Username != "alice" || view.CreatedByID == nil || *view.CreatedByID != alice.ID || *view.UpdatedByID != alice.ID {
		t.Fatalf("unexpected audit fields %+v", view)
	}
	if view.FileType == nil || *view.FileType != "txt" {
		t.Fatalf("unexpected file type %v", view.FileType)
	}
	wantKey := "documents/" + view.ID + "/notes.txt"
	if view.File == nil || *view.File != wantKey {
		t.Fatalf("unexpected file key %v", view.File)
	}
	if view.FileURL == nil || *view.FileURL != "/media/"+wantKey {
		t.Fatalf("unexpected file url %v", view.FileURL)
	}
	if !view.IsActive || view.IsDefault {
		t.Fatalf("unexpected flags %+v", view)
	}
	data, err := os.ReadFile(filepath.Join(env.root, filepath.FromSlash(wantKey)))
	if err != nil || string(data) != "hello world" {
		t.Fatalf("blob contents %q err=%v", data, err)
	}
	if got := env.events.keys(); got[len(got)-1] != events.DocumentCreated {
		t.Fatalf("expected document.created event, got %v", got)
	}
}

func TestCreateDocumentValidation(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.MaxUploadBytes = 8 })
	ctx := context.Background()
	alice := env.register(t, "a@x.com", "alice", "+1")

	_, err := env.app.CreateDocument(ctx, alice, DocumentInput{}, Upload{})
	requireFieldError(t, err, "name", "file")

	_, err = env.app.CreateDocument(ctx, alice, DocumentInput{Name: "empty"}, textUpload("e.txt", ""))
	requireFieldError(t, err, "file")

	if _, err = env.app.CreateDocument(ctx, alice, DocumentInput{Name: "big"}, textUpload("b.txt", "123456789")); !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("expected file too large, got %v", err)
	}

	_, err = env.app.CreateDocument(ctx, alice, DocumentInput{Name: strings.Repeat("n", 256)}, textUpload("n.txt", "x"))
	requireFieldError(t, err, "name")

	docs, _ := env.app.ListDocuments(ctx)
	if len(docs) != 0 {
		t.Fatalf("no document should be stored, got %d", len(docs))
	}
}

func TestCreateDocumentRollsBackOnBlobFailure(t *testing.T) {
	blobErr := errors.New("bucket unavailable")
	env := newTestEnv(t, func(c *Config) { c.Blobs = failingBlobs{BlobStore: c.Blobs, putErr: blobErr} })
	ctx := context.Background()
	alice := env.register(t, "a@x.com", "alice", "+1")

	if _, err := env.app.CreateDocument(ctx, alice, DocumentInput{Name: "doc"}, textUpload("a.txt", "abc")); !errors.Is(err, blobErr) {
		t.Fatalf("expected blob error, got %v", err)
	}
	docs, _ := env.store.ListDocuments(ctx)
	if len(docs) != 0 {
		t.Fatalf("metadata must be rolled back, got %+v", docs)
	}
	for _, k := range env.events.keys() {
		if k == events.DocumentCreated {
			t.Fatalf("no event for a failed upload")
		}
	}
}

func TestCreateDocumentRemovesBlobWhenCommitFails(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Store = commitFailingStore{MemoryStore: c.Store.(*store.MemoryStore)}
	})
	ctx := context.Background()
	alice := env.register(t, "a@x.com", "alice", "+1")

	if _, err := env.app.CreateDocument(ctx, alice, DocumentInput{Name: "doc"}, textUpload("a.txt", "abc")); err == nil {
		t.Fatalf("expected commit failure")
	}
	var files []string
	_ = filepath.WalkDir(env.root, func(p string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			files = append(files, p)
		}
		return nil
	})
	if len(files) != 0 {
		t.Fatalf("blob must be removed after a failed commit, found %v", files)
	}
}

func TestCreateDocumentRejectsShortPayload(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.register(t, "a@x.com", "alice", "+1")
	up := textUpload("short.txt", "abc")
	up.Size = 10
	_, err := env.app.CreateDocument(ctx, alice, DocumentInput{Name: "short"}, up)
	requireFieldError(t, err, "file")
	docs, _ := env.store.ListDocuments(ctx)
	if len(docs) != 0 {
		t.Fatalf("metadata must be rolled back, got %+v", docs)
	}
	entries, _ := os.ReadDir(filepath.Join(env.root, "documents"))
	for _, e := range entries {
		inner, _ := os.ReadDir(filepath.Join(env.root, "documents", e.Name()))
		if len(inner) != 0 {
			t.Fatalf("blob must be removed, found %v", inner)
		}
	}
}

func TestDeleteDocumentFile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.register(t, "a@x.com", "alice", "+1")
	bob := env.register(t, "b@x.com", "bob", "+2")
	view, err := env.app.CreateDocument(ctx, alice, DocumentInput{Name: "doc"}, textUpload("r.pdf", "%PDF"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	blobPath := filepath.Join(env.root, filepath.FromSlash(*view.File))

	if _, err := env.app.DeleteDocumentFile(ctx, bob, view.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("only the creator may delete, got %v", err)
	}
	if _, err := os.Stat(blobPath); err != nil {
		t.Fatalf("blob must survive a rejected delete: %v", err)
	}

	cleared, err := env.app.DeleteDocumentFile(ctx, alice, view.ID)
	if err != nil {
		t.Fatalf("delete file: %v", err)
	}
	if cleared.File != nil || cleared.FileURL != nil || cleared.FileType != nil {
		t.Fatalf("file fields must be null after delete: %+v", cleared)
	}
	if cleared.SizeBytes != view.SizeBytes || cleared.Name != "doc" {
		t.Fatalf("metadata must survive: %+v", cleared)
	}
	if _, err := os.Stat(blobPath); !os.IsNotExist(err) {
		t.Fatalf("blob must be removed, stat err=%v", err)
	}
	stored, ok, _ := env.store.GetDocument(ctx, view.ID)
	if !ok || stored.HasFile() || stored.UpdatedByID != alice.ID {
		t.Fatalf("unexpected stored document %+v", stored)
	}

	again, err := env.app.DeleteDocumentFile(ctx, alice, view.ID)
	if err != nil || again.File != nil {
		t.Fatalf("second delete must be a no-op: %+v err=%v", again, err)
	}
	var deletions int
	for _, k := range env.events.keys() {
		if k == events.DocumentFileDeleted {
			deletions++
		}
	}
	if deletions != 1 {
		t.Fatalf("expected one file_deleted event, got %d", deletions)
	}
	if _, err := env.app.DeleteDocumentFile(ctx, alice, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListDocumentsOldestFirstWithUnknownCreator(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.register(t, "a@x.com", "alice", "+1")

	orphan := domain.Document{ID: "orphan", Name: "orphan", SizeBytes: 1, FileKey: "documents/orphan/readme", Audit: domain.NewAudit()}
	orphan.Stamp("", time.Now().Add(-time.Hour))
	if err := env.store.CreateDocument(ctx, orphan, nil); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := env.app.CreateDocument(ctx, alice, DocumentInput{Name: "mine"}, textUpload("m.md", "# hi")); err != nil {
		t.Fatalf("create: %v", err)
	}

	docs, err := env.app.ListDocuments(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 2 || docs[0].ID != "orphan" || docs[1].Name != "mine" {
		t.Fatalf("unexpected order %+v", docs)
	}
	if docs[0].Username != "Unknown" || docs[0].CreatedByID != nil || docs[0].FileType != nil {
		t.Fatalf("unexpected orphan view %+v", docs[0])
	}
	if docs[1].Username != "alice" || *docs[1].FileType != "md" {
		t.Fatalf("unexpected view %+v", docs[1])
	}

	one, err := env.app.GetDocument(ctx, docs[1].ID)
	if err != nil || one.ID != docs[1].ID || one.Username != "alice" {
		t.Fatalf("get: %+v err=%v", one, err)
	}
	if _, err := env.app.GetDocument(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSafeFilename(t *testing.T) {
	cases := map[string]string{
		"report.pdf":          "report.pdf",
		`C:\Users\me\cv.docx`: "cv.docx",
		"../../etc/passwd":    "passwd",
		"my file (1).txt":     "my_file__1_.txt",
		"":                    "upload",
		"..":                  "upload",
	}
	for in, want := range cases {
		if got := safeFilename(in); got != want {
			t.Fatalf("safeFilename(%q) = %q, want %q", in, got, want)
		}
	}

	long := safeFilename(strings.Repeat("a", 300) + ".pdf")
	if len(long) != maxFilenameBytes || !strings.HasSuffix(long, ".pdf") {
		t.Fatalf("long name should be capped with its extension kept, got %d bytes %q", len(long), long)
	}
	noExt := safeFilename(strings.Repeat("b", 200) + "." + strings.Repeat("c", 40))
	if len(noExt) != maxFilenameBytes {
		t.Fatalf("long extension should be cut with the stem, got %d bytes", len(noExt))
	}
}
