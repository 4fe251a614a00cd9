package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"profilehub/pkg/domain"
)

const migrateLockID int64 = 51827713

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, migrate); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func migrate(tx *gorm.DB) error {
	if err := tx.AutoMigrate(&AccountModel{}, &AddressModel{}, &DocumentModel{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	if err := tx.Exec(`
		DO $$
		BEGIN
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'address_models'
				AND constraint_name = 'address_models_owner_id_fkey'
			) THEN
				ALTER TABLE address_models
				ADD CONSTRAINT address_models_owner_id_fkey
				FOREIGN KEY (owner_id) REFERENCES account_models(id) ON DELETE CASCADE;
			END IF;
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'document_models'
				AND constraint_name = 'document_models_created_by_id_fkey'
			) THEN
				ALTER TABLE document_models
				ADD CONSTRAINT document_models_created_by_id_fkey
				FOREIGN KEY (created_by_id) REFERENCES account_models(id) ON DELETE SET NULL;
			END IF;
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'document_models'
				AND constraint_name = 'document_models_updated_by_id_fkey'
			) THEN
				ALTER TABLE document_models
				ADD CONSTRAINT document_models_updated_by_id_fkey
				FOREIGN KEY (updated_by_id) REFERENCES account_models(id) ON DELETE SET NULL;
			END IF;
		END $$;
	`).Error; err != nil {
		return fmt.Errorf("ensure foreign keys: %w", err)
	}
	return nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Ping checks database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %v", ErrDuplicateKey, err)
	}
	return err
}

// CreateAccount inserts a new account.
func (s *GormStore) CreateAccount(ctx context.Context, a domain.Account) error {
	model := accountToModel(a)
	return translate(s.db.WithContext(ctx).Create(&model).Error)
}

// SaveAccount updates an existing account's mutable columns.
func (s *GormStore) SaveAccount(ctx context.Context, a domain.Account) error {
	model := accountToModel(a)
	return translate(s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "username", "phone_number", "password_hash", "is_verified", "is_active", "updated_at"}),
	}).Create(&model).Error)
}

// GetAccountByID returns an account by ID.
func (s *GormStore) GetAccountByID(ctx context.Context, id string) (domain.Account, bool, error) {
	return s.findAccount(ctx, "id = ?", id)
}

// GetAccountByEmail looks up an account by normalized email.
func (s *GormStore) GetAccountByEmail(ctx context.Context, email string) (domain.Account, bool, error) {
	return s.findAccount(ctx, "email = ?", email)
}

func (s *GormStore) GetAccountByUsername(ctx context.Context, username string) (domain.Account, bool, error) {
	return s.findAccount(ctx, "username = ?", username)
}

func (s *GormStore) GetAccountByPhone(ctx context.Context, phone string) (domain.Account, bool, error) {
	return s.findAccount(ctx, "phone_number = ?", phone)
}

func (s *GormStore) findAccount(ctx context.Context, query string, arg any) (domain.Account, bool, error) {
	var model AccountModel
	if err := s.db.WithContext(ctx).Where(query, arg).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Account{}, false, nil
		}
		return domain.Account{}, false, err
	}
	return accountFromModel(model), true, nil
}

// ListAccountsByIDs returns the accounts matching ids in no particular order.
func (s *GormStore) ListAccountsByIDs(ctx context.Context, ids []string) ([]domain.Account, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var models []AccountModel
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Account, 0, len(models))
	for _, m := range models {
		res = append(res, accountFromModel(m))
	}
	return res, nil
}

// ListAddresses returns an owner's addresses, oldest first.
func (s *GormStore) ListAddresses(ctx context.Context, ownerID string) ([]domain.Address, error) {
	var models []AddressModel
	if err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Address, 0, len(models))
	for _, m := range models {
		res = append(res, addressFromModel(m))
	}
	return res, nil
}

// GetAddress returns an address only when it belongs to ownerID.
func (s *GormStore) GetAddress(ctx context.Context, ownerID, id string) (domain.Address, bool, error) {
	var model AddressModel
	if err := s.db.WithContext(ctx).Where("id = ? AND owner_id = ?", id, ownerID).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Address{}, false, nil
		}
		return domain.Address{}, false, err
	}
	return addressFromModel(model), true, nil
}

// CreateAddress inserts an address. A default address demotes the owner's
// other addresses in the same transaction.
func (s *GormStore) CreateAddress(ctx context.Context, a domain.Address) error {
	model := addressToModel(a)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := clearOtherDefaults(tx, model); err != nil {
			return err
		}
		return translate(tx.Create(&model).Error)
	})
}

// UpdateAddress rewrites an owner's address. It reports false when no
// address with that id belongs to the owner.
func (s *GormStore) UpdateAddress(ctx context.Context, a domain.Address) (bool, error) {
	model := addressToModel(a)
	found := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := clearOtherDefaults(tx, model); err != nil {
			return err
		}
		res := tx.Model(&AddressModel{}).
			Where("id = ? AND owner_id = ?", model.ID, model.OwnerID).
			Updates(map[string]any{
				"street":     model.Street,
				"city":       model.City,
				"state":      model.State,
				"country":    model.Country,
				"zip_code":   model.ZipCode,
				"is_default": model.IsDefault,
				"updated_at": model.UpdatedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		found = res.RowsAffected > 0
		if !found {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return found, nil
}

func clearOtherDefaults(tx *gorm.DB, model AddressModel) error {
	if !model.IsDefault {
		return nil
	}
	return tx.Model(&AddressModel{}).
		Where("owner_id = ? AND id <> ? AND is_default", model.OwnerID, model.ID).
		Update("is_default", false).Error
}

// DeleteAddress removes an owner's address and reports whether it existed.
func (s *GormStore) DeleteAddress(ctx context.Context, ownerID, id string) (bool, error) {
	res := s.db.WithContext(ctx).Where("id = ? AND owner_id = ?", id, ownerID).Delete(&AddressModel{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// CreateDocument inserts the row and calls persistBlob inside one
// transaction. Any persistBlob error rolls the insert back.
func (s *GormStore) CreateDocument(ctx context.Context, d domain.Document, persistBlob func() error) error {
	model := documentToModel(d)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return translate(err)
		}
		if persistBlob == nil {
			return nil
		}
		return persistBlob()
	})
}

// ListDocuments returns every document, oldest first.
func (s *GormStore) ListDocuments(ctx context.Context) ([]domain.Document, error) {
	var models []DocumentModel
	if err := s.db.WithContext(ctx).Order("created_at ASC").Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Document, 0, len(models))
	for _, m := range models {
		res = append(res, documentFromModel(m))
	}
	return res, nil
}

// GetDocument retrieves a document.
func (s *GormStore) GetDocument(ctx context.Context, id string) (domain.Document, bool, error) {
	var model DocumentModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Document{}, false, nil
		}
		return domain.Document{}, false, err
	}
	return documentFromModel(model), true, nil
}

// ClearDocumentFile nulls the file reference and persists d's audit columns.
func (s *GormStore) ClearDocumentFile(ctx context.Context, d domain.Document) error {
	return s.db.WithContext(ctx).Model(&DocumentModel{}).
		Where("id = ?", d.ID).
		Updates(map[string]any{
			"file_key":      nil,
			"updated_by_id": nullable(d.UpdatedByID),
			"updated_at":    d.UpdatedAt,
		}).Error
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func accountToModel(a domain.Account) AccountModel {
	return AccountModel{
		ID:           a.ID,
		Email:        a.Email,
		Username:     a.Username,
		PhoneNumber:  nullable(a.PhoneNumber),
		PasswordHash: a.PasswordHash,
		IsVerified:   a.IsVerified,
		IsActive:     a.IsActive,
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
}

func accountFromModel(m AccountModel) domain.Account {
	return domain.Account{
		ID:           m.ID,
		Email:        m.Email,
		Username:     m.Username,
		PhoneNumber:  deref(m.PhoneNumber),
		PasswordHash: m.PasswordHash,
		IsVerified:   m.IsVerified,
		IsActive:     m.IsActive,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func addressToModel(a domain.Address) AddressModel {
	return AddressModel{
		ID:        a.ID,
		OwnerID:   a.OwnerID,
		Street:    a.Street,
		City:      a.City,
		State:     a.State,
		Country:   a.Country,
		ZipCode:   a.ZipCode,
		IsDefault: a.IsDefault,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

func addressFromModel(m AddressModel) domain.Address {
	return domain.Address{
		ID:        m.ID,
		OwnerID:   m.OwnerID,
		Street:    m.Street,
		City:      m.City,
		State:     m.State,
		Country:   m.Country,
		ZipCode:   m.ZipCode,
		IsDefault: m.IsDefault,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func documentToModel(d domain.Document) DocumentModel {
	return DocumentModel{
		ID:          d.ID,
		Name:        d.Name,
		SizeBytes:   d.SizeBytes,
		Description: d.Description,
		FileKey:     nullable(d.FileKey),
		ContentType: d.ContentType,
		CreatedByID: nullable(d.CreatedByID),
		UpdatedByID: nullable(d.UpdatedByID),
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
		IsActive:    d.IsActive,
		IsDefault:   d.IsDefault,
	}
}

func documentFromModel(m DocumentModel) domain.Document {
	return domain.Document{
		ID:          m.ID,
		Name:        m.Name,
		SizeBytes:   m.SizeBytes,
		Description: m.Description,
		FileKey:     deref(m.FileKey),
		ContentType: m.ContentType,
		Audit: domain.Audit{
			CreatedByID: deref(m.CreatedByID),
			UpdatedByID: deref(m.UpdatedByID),
			CreatedAt:   m.CreatedAt,
			UpdatedAt:   m.UpdatedAt,
			IsActive:    m.IsActive,
			IsDefault:   m.IsDefault,
		},
	}
}
