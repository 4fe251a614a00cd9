package domain

import (
	"path"
	"strings"
	"time"
)

// Account is an end user identified by a unique email.
type Account struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Username     string    `json:"username"`
	PhoneNumber  string    `json:"phone_number"`
	PasswordHash string    `json:"-"`
	IsVerified   bool      `json:"is_verified"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Address is a postal address owned by exactly one account.
type Address struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"-"`
	Street    string    `json:"street"`
	City      string    `json:"city"`
	State     string    `json:"state"`
	Country   string    `json:"country"`
	ZipCode   string    `json:"zip_code"`
	IsDefault bool      `json:"is_default"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Document is uploaded file metadata. FileKey points at the blob and is
// empty once the blob has been deleted.
type Document struct {
	ID          string
	Name        string
	SizeBytes   int64
	Description string
	FileKey     string
	ContentType string
	Audit
}

// HasFile reports whether the document still references a blob.
func (d Document) HasFile() bool {
	return d.FileKey != ""
}

// FileType returns the extension of the stored filename without the dot,
// or "" when there is no file or no extension.
func (d Document) FileType() string {
	if !d.HasFile() {
		return ""
	}
	base := path.Base(d.FileKey)
	idx := strings.LastIndexByte(base, '.')
	if idx < 0 || idx == len(base)-1 {
		return ""
	}
	return base[idx+1:]
}
