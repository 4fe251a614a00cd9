package store

import "time"

// GORM models used for persistence. Nullable columns are pointers so that
// unique indexes ignore missing values.
type AccountModel struct {
	ID           string    `gorm:"primaryKey"`
	Email        string    `gorm:"uniqueIndex;not null"`
	Username     string    `gorm:"uniqueIndex;not null"`
	PhoneNumber  *string   `gorm:"uniqueIndex;size:15"`
	PasswordHash string    `gorm:"not null"`
	IsVerified   bool      `gorm:"not null"`
	IsActive     bool      `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

type AddressModel struct {
	ID        string    `gorm:"primaryKey"`
	OwnerID   string    `gorm:"not null;index"`
	Street    string    `gorm:"size:255;not null"`
	City      string    `gorm:"size:100;not null"`
	State     string    `gorm:"size:100;not null"`
	Country   string    `gorm:"size:100;not null"`
	ZipCode   string    `gorm:"size:20;not null"`
	IsDefault bool      `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

type DocumentModel struct {
	ID          string `gorm:"primaryKey"`
	Name        string `gorm:"size:255;not null"`
	SizeBytes   int64  `gorm:"not null"`
	Description string `gorm:"type:text"`
	FileKey     *string
	ContentType string
	CreatedByID *string `gorm:"index"`
	UpdatedByID *string
	CreatedAt   time.Time `gorm:"not null;index"`
	UpdatedAt   time.Time `gorm:"not null"`
	IsActive    bool      `gorm:"not null"`
	IsDefault   bool      `gorm:"not null"`
}
