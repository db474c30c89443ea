package domain

import (
	"errors"
	"time"
)

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

type ResetStatus string

const (
	ResetPending  ResetStatus = "pending"
	ResetApproved ResetStatus = "approved"
	ResetRejected ResetStatus = "rejected"
)

// Entity names the logical record types the two stores keep in sync.
type Entity string

const (
	EntityUser  Entity = "user"
	EntityQR    Entity = "qr"
	EntityUsage Entity = "usage"
	EntityReset Entity = "reset"
)

// Entities lists every synchronized entity type in batch order.
var Entities = []Entity{EntityUser, EntityQR, EntityUsage, EntityReset}

// Source identifies which store answered a facade operation.
type Source string

const (
	SourcePrimary   Source = "primary"
	SourceSecondary Source = "secondary"
)

// Subscription describes a user's plan.
type Subscription struct {
	Plan   string `json:"plan"`
	Status string `json:"status"`
}

type User struct {
	ID           string       `json:"id"`
	Email        string       `json:"email"`
	DisplayName  string       `json:"displayName"`
	PasswordHash string       `json:"-"`
	Role         UserRole     `json:"role"`
	Subscription Subscription `json:"subscription"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// QRCode stores an encrypted payload blob owned by a user.
type QRCode struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Payload   []byte    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}

// AnonymousUsage tracks unauthenticated generation counts per client IP.
// The counter only ever increases.
type AnonymousUsage struct {
	IP        string    `json:"ip"`
	Count     int64     `json:"count"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PasswordResetRequest moves pending -> approved|rejected; terminal states
// are final.
type PasswordResetRequest struct {
	ID         string      `json:"id"`
	UserID     string      `json:"userId"`
	Status     ResetStatus `json:"status"`
	ApproverID string      `json:"approverId,omitempty"`
	ApprovedAt *time.Time  `json:"approvedAt,omitempty"`
	Note       string      `json:"note,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
}

// Terminal reports whether the request reached a final status.
func (r PasswordResetRequest) Terminal() bool {
	return r.Status == ResetApproved || r.Status == ResetRejected
}

// SyncStats counts the work done by one batch cycle.
type SyncStats struct {
	Compared  int `json:"compared"`
	Repaired  int `json:"repaired"`
	Conflicts int `json:"conflicts"`
	Errors    int `json:"errors"`
}

// SyncStatus is the process-wide snapshot of the background sync engine.
// It is rebuilt from zero on every process start and never persisted.
type SyncStatus struct {
	IsRunning     bool       `json:"isRunning"`
	LastBatchSync *time.Time `json:"lastBatchSync"`
	Stats         SyncStats  `json:"stats"`
	QueueDepth    int64      `json:"queueDepth"`
}

// Result is the tagged outcome of every facade operation.
type Result[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data,omitempty"`
	Source  Source `json:"source,omitempty"`
	Error   string `json:"error,omitempty"`

	err error
}

// Ok builds a successful result tagged with the answering store.
func Ok[T any](data T, src Source) Result[T] {
	return Result[T]{Success: true, Data: data, Source: src}
}

// Fail builds a failed result carrying the error message.
func Fail[T any](err error) Result[T] {
	return Result[T]{Success: false, Error: err.Error(), err: err}
}

// Err returns the underlying failure so callers can classify it with
// errors.Is; nil on success.
func (r Result[T]) Err() error {
	if r.Success {
		return nil
	}
	if r.err != nil {
		return r.err
	}
	if r.Error != "" {
		return errors.New(r.Error)
	}
	return nil
}
