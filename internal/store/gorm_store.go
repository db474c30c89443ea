package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"qrforge/pkg/domain"
)

// GormStore is the relational driver, GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(&UserModel{}, &QRCodeModel{}, &UsageModel{}, &ResetRequestModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Name() string { return "postgres" }

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return unavailable(s.Name(), err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return unavailable(s.Name(), err)
	}
	return nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// users

func (s *GormStore) SaveUser(ctx context.Context, u domain.User) error {
	model, err := userToModel(u)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "display_name", "password_hash", "role", "subscription", "updated_at"}),
	}).Create(&model).Error
	if err != nil {
		// The conflict clause absorbs id collisions, so a duplicated key
		// here is the email unique index.
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateEmail
		}
		return unavailable(s.Name(), err)
	}
	return nil
}

func (s *GormStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, unavailable(s.Name(), err)
	}
	return userFromModel(model), true, nil
}

func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where("email = ?", strings.ToLower(email)).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, unavailable(s.Name(), err)
	}
	return userFromModel(model), true, nil
}

func (s *GormStore) ListUsers(ctx context.Context, since time.Time) ([]domain.User, error) {
	var models []UserModel
	tx := s.db.WithContext(ctx).Order("updated_at ASC")
	if !since.IsZero() {
		tx = tx.Where("updated_at > ?", since)
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, unavailable(s.Name(), err)
	}
	res := make([]domain.User, 0, len(models))
	for _, m := range models {
		res = append(res, userFromModel(m))
	}
	return res, nil
}

func (s *GormStore) DeleteUser(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Delete(&UserModel{}, "id = ?", id).Error; err != nil {
		return unavailable(s.Name(), err)
	}
	return nil
}

// qr codes

func (s *GormStore) SaveQRCode(ctx context.Context, qr domain.QRCode) error {
	model := QRCodeModel{
		ID:        qr.ID,
		OwnerID:   qr.OwnerID,
		Payload:   qr.Payload,
		CreatedAt: qr.CreatedAt,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"owner_id", "payload"}),
	}).Create(&model).Error
	if err != nil {
		return unavailable(s.Name(), err)
	}
	return nil
}

func (s *GormStore) GetQRCode(ctx context.Context, id string) (domain.QRCode, bool, error) {
	var model QRCodeModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.QRCode{}, false, nil
		}
		return domain.QRCode{}, false, unavailable(s.Name(), err)
	}
	return qrFromModel(model), true, nil
}

func (s *GormStore) ListQRCodesByOwner(ctx context.Context, ownerID string) ([]domain.QRCode, error) {
	var models []QRCodeModel
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at ASC, id ASC").
		Find(&models).Error
	if err != nil {
		return nil, unavailable(s.Name(), err)
	}
	res := make([]domain.QRCode, 0, len(models))
	for _, m := range models {
		res = append(res, qrFromModel(m))
	}
	return res, nil
}

func (s *GormStore) ListQRCodes(ctx context.Context, since time.Time) ([]domain.QRCode, error) {
	var models []QRCodeModel
	tx := s.db.WithContext(ctx).Order("created_at ASC")
	if !since.IsZero() {
		tx = tx.Where("created_at > ?", since)
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, unavailable(s.Name(), err)
	}
	res := make([]domain.QRCode, 0, len(models))
	for _, m := range models {
		res = append(res, qrFromModel(m))
	}
	return res, nil
}

func (s *GormStore) DeleteQRCode(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Delete(&QRCodeModel{}, "id = ?", id).Error; err != nil {
		return unavailable(s.Name(), err)
	}
	return nil
}

// anonymous usage

func (s *GormStore) GetUsage(ctx context.Context, ip string) (domain.AnonymousUsage, bool, error) {
	var model UsageModel
	if err := s.db.WithContext(ctx).First(&model, "ip = ?", ip).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.AnonymousUsage{}, false, nil
		}
		return domain.AnonymousUsage{}, false, unavailable(s.Name(), err)
	}
	return usageFromModel(model), true, nil
}

func (s *GormStore) SaveUsage(ctx context.Context, u domain.AnonymousUsage) error {
	model := UsageModel{IP: u.IP, Count: u.Count, UpdatedAt: u.UpdatedAt}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ip"}},
		DoUpdates: clause.AssignmentColumns([]string{"count", "updated_at"}),
	}).Create(&model).Error
	if err != nil {
		return unavailable(s.Name(), err)
	}
	return nil
}

func (s *GormStore) IncrUsage(ctx context.Context, ip string, at time.Time) (int64, error) {
	model := UsageModel{IP: ip, Count: 1, UpdatedAt: at}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "ip"}},
		DoUpdates: clause.Assignments(map[string]any{
			"count":      gorm.Expr("usage_models.count + 1"),
			"updated_at": at,
		}),
	}).Create(&model).Error
	if err != nil {
		return 0, unavailable(s.Name(), err)
	}
	var current UsageModel
	if err := s.db.WithContext(ctx).First(&current, "ip = ?", ip).Error; err != nil {
		return 0, unavailable(s.Name(), err)
	}
	return current.Count, nil
}

func (s *GormStore) ListUsage(ctx context.Context, since time.Time) ([]domain.AnonymousUsage, error) {
	var models []UsageModel
	tx := s.db.WithContext(ctx).Order("updated_at ASC")
	if !since.IsZero() {
		tx = tx.Where("updated_at > ?", since)
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, unavailable(s.Name(), err)
	}
	res := make([]domain.AnonymousUsage, 0, len(models))
	for _, m := range models {
		res = append(res, usageFromModel(m))
	}
	return res, nil
}

// password reset requests

func (s *GormStore) SaveResetRequest(ctx context.Context, r domain.PasswordResetRequest) error {
	model := ResetRequestModel{
		ID:         r.ID,
		UserID:     r.UserID,
		Status:     string(r.Status),
		ApproverID: r.ApproverID,
		ApprovedAt: r.ApprovedAt,
		Note:       r.Note,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "approver_id", "approved_at", "note", "updated_at"}),
	}).Create(&model).Error
	if err != nil {
		return unavailable(s.Name(), err)
	}
	return nil
}

func (s *GormStore) GetResetRequest(ctx context.Context, id string) (domain.PasswordResetRequest, bool, error) {
	var model ResetRequestModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.PasswordResetRequest{}, false, nil
		}
		return domain.PasswordResetRequest{}, false, unavailable(s.Name(), err)
	}
	return resetFromModel(model), true, nil
}

func (s *GormStore) ListResetRequests(ctx context.Context, since time.Time) ([]domain.PasswordResetRequest, error) {
	var models []ResetRequestModel
	tx := s.db.WithContext(ctx).Order("updated_at ASC")
	if !since.IsZero() {
		tx = tx.Where("updated_at > ?", since)
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, unavailable(s.Name(), err)
	}
	res := make([]domain.PasswordResetRequest, 0, len(models))
	for _, m := range models {
		res = append(res, resetFromModel(m))
	}
	return res, nil
}

func userToModel(u domain.User) (UserModel, error) {
	sub, err := json.Marshal(u.Subscription)
	if err != nil {
		return UserModel{}, fmt.Errorf("encode subscription: %w", err)
	}
	return UserModel{
		ID:           u.ID,
		Email:        strings.ToLower(u.Email),
		DisplayName:  u.DisplayName,
		PasswordHash: u.PasswordHash,
		Role:         string(u.Role),
		Subscription: sub,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}, nil
}

func userFromModel(m UserModel) domain.User {
	var sub domain.Subscription
	_ = json.Unmarshal(m.Subscription, &sub)
	return domain.User{
		ID:           m.ID,
		Email:        m.Email,
		DisplayName:  m.DisplayName,
		PasswordHash: m.PasswordHash,
		Role:         domain.UserRole(m.Role),
		Subscription: sub,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func qrFromModel(m QRCodeModel) domain.QRCode {
	return domain.QRCode{
		ID:        m.ID,
		OwnerID:   m.OwnerID,
		Payload:   m.Payload,
		CreatedAt: m.CreatedAt,
	}
}

func usageFromModel(m UsageModel) domain.AnonymousUsage {
	return domain.AnonymousUsage{
		IP:        m.IP,
		Count:     m.Count,
		UpdatedAt: m.UpdatedAt,
	}
}

func resetFromModel(m ResetRequestModel) domain.PasswordResetRequest {
	return domain.PasswordResetRequest{
		ID:         m.ID,
		UserID:     m.UserID,
		Status:     domain.ResetStatus(m.Status),
		ApproverID: m.ApproverID,
		ApprovedAt: m.ApprovedAt,
		Note:       m.Note,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}
