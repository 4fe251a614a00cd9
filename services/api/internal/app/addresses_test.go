package app

import (
	"context"
	"errors"
	"testing"

	"profilehub/pkg/domain"
)

func sampleAddress(street string, def bool) AddressFields {
	return AddressFields{Street: street, City: "Springfield", State: "IL", Country: "US", ZipCode: "62701", IsDefault: def}
}

func TestAddressOwnershipIsolation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	accounts := []domain.Account{
		env.register(t, "a@x.com", "alice", "+1"),
		env.register(t, "b@x.com", "bob", "+2"),
		env.register(t, "c@x.com", "carol", "+3"),
	}
	owned := map[string]string{}
	for _, acc := range accounts {
		addr, err := env.app.CreateAddress(ctx, acc, sampleAddress(acc.Username+" street", false))
		if err != nil {
			t.Fatalf("create for %s: %v", acc.Username, err)
		}
		if addr.OwnerID != acc.ID {
			t.Fatalf("owner must be forced to caller, got %q", addr.OwnerID)
		}
		owned[acc.ID] = addr.ID
	}

	for _, caller := range accounts {
		list, err := env.app.ListAddresses(ctx, caller)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(list) != 1 || list[0].ID != owned[caller.ID] {
			t.Fatalf("%s sees %+v", caller.Username, list)
		}
		for _, owner := range accounts {
			if owner.ID == caller.ID {
				continue
			}
			id := owned[owner.ID]
			street := "hijacked"
			if _, err := env.app.GetAddress(ctx, caller, id); !errors.Is(err, ErrNotFound) {
				t.Fatalf("%s read %s's address: %v", caller.Username, owner.Username, err)
			}
			if _, err := env.app.PatchAddress(ctx, caller, id, AddressPatch{Street: &street}); !errors.Is(err, ErrNotFound) {
				t.Fatalf("%s patched %s's address: %v", caller.Username, owner.Username, err)
			}
			if _, err := env.app.ReplaceAddress(ctx, caller, id, sampleAddress(street, true)); !errors.Is(err, ErrNotFound) {
				t.Fatalf("%s replaced %s's address: %v", caller.Username, owner.Username, err)
			}
			if err := env.app.DeleteAddress(ctx, caller, id); !errors.Is(err, ErrNotFound) {
				t.Fatalf("%s deleted %s's address: %v", caller.Username, owner.Username, err)
			}
		}
	}
	if _, err := env.app.GetAddress(ctx, accounts[0], "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing id should be not found, got %v", err)
	}
	for _, acc := range accounts {
		addr, err := env.app.GetAddress(ctx, acc, owned[acc.ID])
		if err != nil || addr.Street != acc.Username+" street" {
			t.Fatalf("address of %s was modified: %+v err=%v", acc.Username, addr, err)
		}
	}
}

func TestAddressSingleDefault(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	acc := env.register(t, "a@x.com", "alice", "+1")
	first, err := env.app.CreateAddress(ctx, acc, sampleAddress("first", true))
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := env.app.CreateAddress(ctx, acc, sampleAddress("second", true))
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	list, _ := env.app.ListAddresses(ctx, acc)
	if len(list) != 2 || list[0].IsDefault || !list[1].IsDefault {
		t.Fatalf("expected only the newest default, got %+v", list)
	}

	yes := true
	if _, err := env.app.PatchAddress(ctx, acc, first.ID, AddressPatch{IsDefault: &yes}); err != nil {
		t.Fatalf("patch default: %v", err)
	}
	list, _ = env.app.ListAddresses(ctx, acc)
	if !list[0].IsDefault || list[1].IsDefault || list[1].ID != second.ID {
		t.Fatalf("default did not move: %+v", list)
	}
}

func TestPatchAddressKeepsUnsetFields(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	acc := env.register(t, "a@x.com", "alice", "+1")
	addr, err := env.app.CreateAddress(ctx, acc, sampleAddress("1 Main St", false))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	city := " Shelbyville "
	patched, err := env.app.PatchAddress(ctx, acc, addr.ID, AddressPatch{City: &city})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if patched.City != "Shelbyville" || patched.Street != "1 Main St" || patched.ZipCode != "62701" {
		t.Fatalf("unexpected patched address %+v", patched)
	}
	if !patched.CreatedAt.Equal(addr.CreatedAt) {
		t.Fatalf("created_at must not change on update")
	}

	blank := ""
	_, err = env.app.PatchAddress(ctx, acc, addr.ID, AddressPatch{Street: &blank})
	requireFieldError(t, err, "street")

	replaced, err := env.app.ReplaceAddress(ctx, acc, addr.ID, AddressFields{Street: "2 Elm St", City: "c", State: "s", Country: "k", ZipCode: "z"})
	if err != nil || replaced.Street != "2 Elm St" || replaced.City != "c" {
		t.Fatalf("replace: %+v err=%v", replaced, err)
	}

	_, err = env.app.ReplaceAddress(ctx, acc, addr.ID, AddressFields{Street: "only street"})
	requireFieldError(t, err, "city", "state", "country", "zip_code")

	if err := env.app.DeleteAddress(ctx, acc, addr.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := env.app.DeleteAddress(ctx, acc, addr.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete should be not found, got %v", err)
	}
}

func TestCreateAddressValidation(t *testing.T) {
	env := newTestEnv(t)
	acc := env.register(t, "a@x.com", "alice", "+1")
	in := sampleAddress("s", false)
	in.ZipCode = "123456789012345678901"
	_, err := env.app.CreateAddress(context.Background(), acc, in)
	requireFieldError(t, err, "zip_code")
}
