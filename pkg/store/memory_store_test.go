package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"profilehub/pkg/domain"
)

func TestMemoryStoreAccountUniqueness(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := domain.Account{ID: "a1", Email: "one@example.com", Username: "one", PhoneNumber: "+100"}
	if err := s.CreateAccount(ctx, base); err != nil {
		t.Fatalf("create: %v", err)
	}

	dupes := []domain.Account{
		{ID: "a2", Email: "one@example.com", Username: "two"},
		{ID: "a2", Email: "two@example.com", Username: "one"},
		{ID: "a2", Email: "two@example.com", Username: "two", PhoneNumber: "+100"},
	}
	for _, d := range dupes {
		if err := s.CreateAccount(ctx, d); !errors.Is(err, ErrDuplicateKey) {
			t.Fatalf("expected duplicate for %+v, got %v", d, err)
		}
	}
	if err := s.CreateAccount(ctx, domain.Account{ID: "a2", Email: "two@example.com", Username: "two"}); err != nil {
		t.Fatalf("accounts without phone should not collide: %v", err)
	}
	if err := s.CreateAccount(ctx, domain.Account{ID: "a3", Email: "three@example.com", Username: "three"}); err != nil {
		t.Fatalf("second phoneless account: %v", err)
	}

	base.Username = "uno"
	if err := s.SaveAccount(ctx, base); err != nil {
		t.Fatalf("self update should not conflict: %v", err)
	}
	got, ok, err := s.GetAccountByUsername(ctx, "uno")
	if err != nil || !ok || got.ID != "a1" {
		t.Fatalf("lookup by username: ok=%v err=%v got=%+v", ok, err, got)
	}
	if _, ok, _ := s.GetAccountByPhone(ctx, ""); ok {
		t.Fatalf("empty phone must never match")
	}
}

func TestMemoryStoreAddressesScopedAndSingleDefault(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()
	mk := func(id, owner string, def bool) domain.Address {
		return domain.Address{ID: id, OwnerID: owner, Street: "s", City: "c", State: "st", Country: "co", ZipCode: "z", IsDefault: def, CreatedAt: now, UpdatedAt: now}
	}
	for _, a := range []domain.Address{mk("x1", "alice", true), mk("x2", "alice", false), mk("y1", "bob", true)} {
		if err := s.CreateAddress(ctx, a); err != nil {
			t.Fatalf("create %s: %v", a.ID, err)
		}
	}

	if _, ok, _ := s.GetAddress(ctx, "bob", "x1"); ok {
		t.Fatalf("bob must not see alice's address")
	}
	if found, _ := s.UpdateAddress(ctx, mk("x1", "bob", false)); found {
		t.Fatalf("bob must not update alice's address")
	}
	if found, _ := s.DeleteAddress(ctx, "bob", "x1"); found {
		t.Fatalf("bob must not delete alice's address")
	}

	if found, err := s.UpdateAddress(ctx, mk("x2", "alice", true)); err != nil || !found {
		t.Fatalf("update x2: found=%v err=%v", found, err)
	}
	list, err := s.ListAddresses(ctx, "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "x1" || list[1].ID != "x2" {
		t.Fatalf("unexpected list: %+v", list)
	}
	if list[0].IsDefault || !list[1].IsDefault {
		t.Fatalf("expected only x2 default, got %+v", list)
	}
	bobs, _ := s.ListAddresses(ctx, "bob")
	if len(bobs) != 1 || !bobs[0].IsDefault {
		t.Fatalf("bob's default must be untouched: %+v", bobs)
	}

	if found, err := s.DeleteAddress(ctx, "alice", "x1"); err != nil || !found {
		t.Fatalf("delete: found=%v err=%v", found, err)
	}
	if found, _ := s.DeleteAddress(ctx, "alice", "x1"); found {
		t.Fatalf("second delete should report not found")
	}
}

func TestMemoryStoreCreateDocumentRollsBackOnBlobError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	blobErr := errors.New("disk full")

	err := s.CreateDocument(ctx, domain.Document{ID: "d1", Name: "one"}, func() error { return blobErr })
	if !errors.Is(err, blobErr) {
		t.Fatalf("expected blob error, got %v", err)
	}
	if _, ok, _ := s.GetDocument(ctx, "d1"); ok {
		t.Fatalf("row must be discarded after blob failure")
	}

	for _, id := range []string{"d2", "d3"} {
		if err := s.CreateDocument(ctx, domain.Document{ID: id, Name: id, FileKey: "documents/" + id + ".txt"}, func() error { return nil }); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	docs, _ := s.ListDocuments(ctx)
	if len(docs) != 2 || docs[0].ID != "d2" || docs[1].ID != "d3" {
		t.Fatalf("unexpected documents: %+v", docs)
	}

	target := docs[0]
	target.UpdatedByID = "alice"
	target.UpdatedAt = time.Now().UTC()
	if err := s.ClearDocumentFile(ctx, target); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, _, _ := s.GetDocument(ctx, "d2")
	if got.HasFile() || got.UpdatedByID != "alice" {
		t.Fatalf("unexpected document after clear: %+v", got)
	}
}
