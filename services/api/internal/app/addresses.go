package app

import (
	"context"
	"fmt"
	"strings"

	"profilehub/internal/util"
	"profilehub/pkg/domain"
)

// AddressFields is a complete address as written by PUT and POST.
type AddressFields struct {
	Street    string `json:"street" validate:"required,max=255"`
	City      string `json:"city" validate:"required,max=100"`
	State     string `json:"state" validate:"required,max=100"`
	Country   string `json:"country" validate:"required,max=100"`
	ZipCode   string `json:"zip_code" validate:"required,max=20"`
	IsDefault bool   `json:"is_default"`
}

// AddressPatch changes only its non-nil fields.
type AddressPatch struct {
	Street    *string `json:"street"`
	City      *string `json:"city"`
	State     *string `json:"state"`
	Country   *string `json:"country"`
	ZipCode   *string `json:"zip_code"`
	IsDefault *bool   `json:"is_default"`
}

func (f AddressFields) normalized() AddressFields {
	f.Street = strings.TrimSpace(f.Street)
	f.City = strings.TrimSpace(f.City)
	f.State = strings.TrimSpace(f.State)
	f.Country = strings.TrimSpace(f.Country)
	f.ZipCode = strings.TrimSpace(f.ZipCode)
	return f
}

func checkAddress(f AddressFields) error {
	fe := fieldErrors{}
	if err := fe.checkStruct(f); err != nil {
		return err
	}
	return fe.err()
}

func fieldsOf(addr domain.Address) AddressFields {
	return AddressFields{
		Street:    addr.Street,
		City:      addr.City,
		State:     addr.State,
		Country:   addr.Country,
		ZipCode:   addr.ZipCode,
		IsDefault: addr.IsDefault,
	}
}

func (p AddressPatch) apply(f AddressFields) AddressFields {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	set(&f.Street, p.Street)
	set(&f.City, p.City)
	set(&f.State, p.State)
	set(&f.Country, p.Country)
	set(&f.ZipCode, p.ZipCode)
	if p.IsDefault != nil {
		f.IsDefault = *p.IsDefault
	}
	return f
}

// ListAddresses returns the owner's addresses, oldest first.
func (a *App) ListAddresses(ctx context.Context, owner domain.Account) ([]domain.Address, error) {
	list, err := a.store.ListAddresses(ctx, owner.ID)
	if err != nil {
		return nil, fmt.Errorf("list addresses: %w", err)
	}
	return list, nil
}

// GetAddress returns ErrNotFound for ids owned by someone else.
func (a *App) GetAddress(ctx context.Context, owner domain.Account, id string) (domain.Address, error) {
	addr, ok, err := a.store.GetAddress(ctx, owner.ID, id)
	if err != nil {
		return domain.Address{}, fmt.Errorf("fetch address: %w", err)
	}
	if !ok {
		return domain.Address{}, ErrNotFound
	}
	return addr, nil
}

// CreateAddress always assigns the address to owner.
func (a *App) CreateAddress(ctx context.Context, owner domain.Account, in AddressFields) (domain.Address, error) {
	in = in.normalized()
	if err := checkAddress(in); err != nil {
		return domain.Address{}, err
	}
	now := a.clock()
	addr := withFields(domain.Address{ID: util.NewID(), OwnerID: owner.ID, CreatedAt: now}, in)
	addr.UpdatedAt = now
	if err := a.store.CreateAddress(ctx, addr); err != nil {
		return domain.Address{}, fmt.Errorf("create address: %w", err)
	}
	return addr, nil
}

// ReplaceAddress overwrites every field of the owner's address.
func (a *App) ReplaceAddress(ctx context.Context, owner domain.Account, id string, in AddressFields) (domain.Address, error) {
	current, err := a.GetAddress(ctx, owner, id)
	if err != nil {
		return domain.Address{}, err
	}
	return a.saveAddress(ctx, current, in)
}

// PatchAddress merges in over the owner's address.
func (a *App) PatchAddress(ctx context.Context, owner domain.Account, id string, in AddressPatch) (domain.Address, error) {
	current, err := a.GetAddress(ctx, owner, id)
	if err != nil {
		return domain.Address{}, err
	}
	return a.saveAddress(ctx, current, in.apply(fieldsOf(current)))
}

func (a *App) saveAddress(ctx context.Context, current domain.Address, in AddressFields) (domain.Address, error) {
	in = in.normalized()
	if err := checkAddress(in); err != nil {
		return domain.Address{}, err
	}
	addr := withFields(current, in)
	addr.UpdatedAt = a.clock()
	found, err := a.store.UpdateAddress(ctx, addr)
	if err != nil {
		return domain.Address{}, fmt.Errorf("update address: %w", err)
	}
	if !found {
		return domain.Address{}, ErrNotFound
	}
	return addr, nil
}

// DeleteAddress removes the owner's address.
func (a *App) DeleteAddress(ctx context.Context, owner domain.Account, id string) error {
	found, err := a.store.DeleteAddress(ctx, owner.ID, id)
	if err != nil {
		return fmt.Errorf("delete address: %w", err)
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

func withFields(addr domain.Address, f AddressFields) domain.Address {
	addr.Street = f.Street
	addr.City = f.City
	addr.State = f.State
	addr.Country = f.Country
	addr.ZipCode = f.ZipCode
	addr.IsDefault = f.IsDefault
	return addr
}
