package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used by the relational driver. The primary key is the
// business id shared with the document store; business-key columns carry
// unique indexes so cross-store matching stays one-to-one.
type UserModel struct {
	ID           string `gorm:"primaryKey"`
	Email        string `gorm:"uniqueIndex;not null"`
	DisplayName  string
	PasswordHash string         `gorm:"not null"`
	Role         string         `gorm:"not null"`
	Subscription datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt    time.Time      `gorm:"not null"`
	UpdatedAt    time.Time      `gorm:"not null;index"`
}

type QRCodeModel struct {
	ID        string    `gorm:"primaryKey"`
	OwnerID   string    `gorm:"not null;index"`
	Payload   []byte    `gorm:"type:bytea"`
	CreatedAt time.Time `gorm:"not null;index"`
}

type UsageModel struct {
	IP        string    `gorm:"primaryKey;column:ip"`
	Count     int64     `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null;index"`
}

type ResetRequestModel struct {
	ID         string `gorm:"primaryKey"`
	UserID     string `gorm:"not null;index"`
	Status     string `gorm:"not null"`
	ApproverID string
	ApprovedAt *time.Time
	Note       string
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null;index"`
}
