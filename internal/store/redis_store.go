package store

import (
	"context"
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"qrforge/pkg/domain"
)

// RedisStore is the document-store driver. Records live in one hash per
// record; business-key indexes and per-entity update zsets (scored by
// update time) support lookups and watermark scans.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore builds the driver. The client dials lazily on first use.
func NewRedisStore(addr, password string) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
	}
}

func (s *RedisStore) Name() string { return "redis" }

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable(s.Name(), err)
	}
	return nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

const (
	userKeyPrefix  = "user:"
	userEmailIdx   = "user:email:"
	userUpdatedSet = "user:updated"
	qrKeyPrefix    = "qr:"
	qrOwnerIdx     = "qr:owner:"
	qrUpdatedSet   = "qr:updated"
	usageKeyPrefix = "usage:"
	usageUpdated   = "usage:updated"
	resetKeyPrefix = "reset:"
	resetUpdated   = "reset:updated"
)

// users

func (s *RedisStore) SaveUser(ctx context.Context, u domain.User) error {
	email := strings.ToLower(u.Email)
	// SETNX reserves the email index atomically, so two writers racing to
	// register the same email cannot both claim it.
	reserved, err := s.client.SetNX(ctx, userEmailIdx+email, u.ID, 0).Result()
	if err != nil {
		return unavailable(s.Name(), err)
	}
	if !reserved {
		current, err := s.client.Get(ctx, userEmailIdx+email).Result()
		if err != nil && err != redis.Nil {
			return unavailable(s.Name(), err)
		}
		if current != "" && current != u.ID {
			return ErrDuplicateEmail
		}
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, userKeyPrefix+u.ID, map[string]any{
		"id":           u.ID,
		"email":        u.Email,
		"displayName":  u.DisplayName,
		"passwordHash": u.PasswordHash,
		"role":         string(u.Role),
		"plan":         u.Subscription.Plan,
		"planStatus":   u.Subscription.Status,
		"createdAt":    u.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updatedAt":    u.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
	pipe.ZAdd(ctx, userUpdatedSet, redis.Z{Score: float64(u.UpdatedAt.UnixNano()), Member: u.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable(s.Name(), err)
	}
	return nil
}

func (s *RedisStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	data, err := s.client.HGetAll(ctx, userKeyPrefix+id).Result()
	if err != nil {
		return domain.User{}, false, unavailable(s.Name(), err)
	}
	if len(data) == 0 {
		return domain.User{}, false, nil
	}
	return decodeUser(data), true, nil
}

func (s *RedisStore) GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	id, err := s.client.Get(ctx, userEmailIdx+strings.ToLower(email)).Result()
	if err == redis.Nil {
		return domain.User{}, false, nil
	}
	if err != nil {
		return domain.User{}, false, unavailable(s.Name(), err)
	}
	return s.GetUserByID(ctx, id)
}

func (s *RedisStore) ListUsers(ctx context.Context, since time.Time) ([]domain.User, error) {
	ids, err := s.updatedSince(ctx, userUpdatedSet, since)
	if err != nil {
		return nil, err
	}
	res := make([]domain.User, 0, len(ids))
	for _, id := range ids {
		u, ok, err := s.GetUserByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			res = append(res, u)
		}
	}
	return res, nil
}

func (s *RedisStore) DeleteUser(ctx context.Context, id string) error {
	email, err := s.client.HGet(ctx, userKeyPrefix+id, "email").Result()
	if err != nil && err != redis.Nil {
		return unavailable(s.Name(), err)
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, userKeyPrefix+id)
	if email != "" {
		pipe.Del(ctx, userEmailIdx+strings.ToLower(email))
	}
	pipe.ZRem(ctx, userUpdatedSet, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable(s.Name(), err)
	}
	return nil
}

// qr codes

func (s *RedisStore) SaveQRCode(ctx context.Context, qr domain.QRCode) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, qrKeyPrefix+qr.ID, map[string]any{
		"id":        qr.ID,
		"ownerId":   qr.OwnerID,
		"payload":   base64.StdEncoding.EncodeToString(qr.Payload),
		"createdAt": qr.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	pipe.SAdd(ctx, qrOwnerIdx+qr.OwnerID, qr.ID)
	pipe.ZAdd(ctx, qrUpdatedSet, redis.Z{Score: float64(qr.CreatedAt.UnixNano()), Member: qr.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable(s.Name(), err)
	}
	return nil
}

func (s *RedisStore) GetQRCode(ctx context.Context, id string) (domain.QRCode, bool, error) {
	data, err := s.client.HGetAll(ctx, qrKeyPrefix+id).Result()
	if err != nil {
		return domain.QRCode{}, false, unavailable(s.Name(), err)
	}
	if len(data) == 0 {
		return domain.QRCode{}, false, nil
	}
	return decodeQRCode(data), true, nil
}

func (s *RedisStore) ListQRCodesByOwner(ctx context.Context, ownerID string) ([]domain.QRCode, error) {
	ids, err := s.client.SMembers(ctx, qrOwnerIdx+ownerID).Result()
	if err != nil {
		return nil, unavailable(s.Name(), err)
	}
	res := make([]domain.QRCode, 0, len(ids))
	for _, id := range ids {
		qr, ok, err := s.GetQRCode(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			res = append(res, qr)
		}
	}
	sortQRCodes(res)
	return res, nil
}

func (s *RedisStore) ListQRCodes(ctx context.Context, since time.Time) ([]domain.QRCode, error) {
	ids, err := s.updatedSince(ctx, qrUpdatedSet, since)
	if err != nil {
		return nil, err
	}
	res := make([]domain.QRCode, 0, len(ids))
	for _, id := range ids {
		qr, ok, err := s.GetQRCode(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			res = append(res, qr)
		}
	}
	return res, nil
}

func (s *RedisStore) DeleteQRCode(ctx context.Context, id string) error {
	owner, err := s.client.HGet(ctx, qrKeyPrefix+id, "ownerId").Result()
	if err != nil && err != redis.Nil {
		return unavailable(s.Name(), err)
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, qrKeyPrefix+id)
	if owner != "" {
		pipe.SRem(ctx, qrOwnerIdx+owner, id)
	}
	pipe.ZRem(ctx, qrUpdatedSet, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable(s.Name(), err)
	}
	return nil
}

// anonymous usage

func (s *RedisStore) GetUsage(ctx context.Context, ip string) (domain.AnonymousUsage, bool, error) {
	data, err := s.client.HGetAll(ctx, usageKeyPrefix+ip).Result()
	if err != nil {
		return domain.AnonymousUsage{}, false, unavailable(s.Name(), err)
	}
	if len(data) == 0 {
		return domain.AnonymousUsage{}, false, nil
	}
	return decodeUsage(data), true, nil
}

func (s *RedisStore) SaveUsage(ctx context.Context, u domain.AnonymousUsage) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, usageKeyPrefix+u.IP, map[string]any{
		"ip":        u.IP,
		"count":     strconv.FormatInt(u.Count, 10),
		"updatedAt": u.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
	pipe.ZAdd(ctx, usageUpdated, redis.Z{Score: float64(u.UpdatedAt.UnixNano()), Member: u.IP})
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable(s.Name(), err)
	}
	return nil
}

func (s *RedisStore) IncrUsage(ctx context.Context, ip string, at time.Time) (int64, error) {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, usageKeyPrefix+ip, "ip", ip, "updatedAt", at.UTC().Format(time.RFC3339Nano))
	incr := pipe.HIncrBy(ctx, usageKeyPrefix+ip, "count", 1)
	pipe.ZAdd(ctx, usageUpdated, redis.Z{Score: float64(at.UnixNano()), Member: ip})
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, unavailable(s.Name(), err)
	}
	return incr.Val(), nil
}

func (s *RedisStore) ListUsage(ctx context.Context, since time.Time) ([]domain.AnonymousUsage, error) {
	ips, err := s.updatedSince(ctx, usageUpdated, since)
	if err != nil {
		return nil, err
	}
	res := make([]domain.AnonymousUsage, 0, len(ips))
	for _, ip := range ips {
		u, ok, err := s.GetUsage(ctx, ip)
		if err != nil {
			return nil, err
		}
		if ok {
			res = append(res, u)
		}
	}
	return res, nil
}

// password reset requests

func (s *RedisStore) SaveResetRequest(ctx context.Context, r domain.PasswordResetRequest) error {
	payload := map[string]any{
		"id":         r.ID,
		"userId":     r.UserID,
		"status":     string(r.Status),
		"approverId": r.ApproverID,
		"note":       r.Note,
		"createdAt":  r.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updatedAt":  r.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if r.ApprovedAt != nil {
		payload["approvedAt"] = r.ApprovedAt.UTC().Format(time.RFC3339Nano)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, resetKeyPrefix+r.ID, payload)
	pipe.ZAdd(ctx, resetUpdated, redis.Z{Score: float64(r.UpdatedAt.UnixNano()), Member: r.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable(s.Name(), err)
	}
	return nil
}

func (s *RedisStore) GetResetRequest(ctx context.Context, id string) (domain.PasswordResetRequest, bool, error) {
	data, err := s.client.HGetAll(ctx, resetKeyPrefix+id).Result()
	if err != nil {
		return domain.PasswordResetRequest{}, false, unavailable(s.Name(), err)
	}
	if len(data) == 0 {
		return domain.PasswordResetRequest{}, false, nil
	}
	return decodeResetRequest(data), true, nil
}

func (s *RedisStore) ListResetRequests(ctx context.Context, since time.Time) ([]domain.PasswordResetRequest, error) {
	ids, err := s.updatedSince(ctx, resetUpdated, since)
	if err != nil {
		return nil, err
	}
	res := make([]domain.PasswordResetRequest, 0, len(ids))
	for _, id := range ids {
		r, ok, err := s.GetResetRequest(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			res = append(res, r)
		}
	}
	return res, nil
}

// updatedSince scans an update zset for members changed strictly after the
// watermark. A zero watermark scans everything.
func (s *RedisStore) updatedSince(ctx context.Context, key string, since time.Time) ([]string, error) {
	min := "-inf"
	if !since.IsZero() {
		min = "(" + strconv.FormatInt(since.UnixNano(), 10)
	}
	members, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: "+inf"}).Result()
	if err != nil {
		return nil, unavailable(s.Name(), err)
	}
	return members, nil
}

func decodeUser(data map[string]string) domain.User {
	return domain.User{
		ID:           data["id"],
		Email:        data["email"],
		DisplayName:  data["displayName"],
		PasswordHash: data["passwordHash"],
		Role:         domain.UserRole(data["role"]),
		Subscription: domain.Subscription{
			Plan:   data["plan"],
			Status: data["planStatus"],
		},
		CreatedAt: parseTime(data["createdAt"]),
		UpdatedAt: parseTime(data["updatedAt"]),
	}
}

func decodeQRCode(data map[string]string) domain.QRCode {
	payload, _ := base64.StdEncoding.DecodeString(data["payload"])
	return domain.QRCode{
		ID:        data["id"],
		OwnerID:   data["ownerId"],
		Payload:   payload,
		CreatedAt: parseTime(data["createdAt"]),
	}
}

func decodeUsage(data map[string]string) domain.AnonymousUsage {
	count, _ := strconv.ParseInt(data["count"], 10, 64)
	return domain.AnonymousUsage{
		IP:        data["ip"],
		Count:     count,
		UpdatedAt: parseTime(data["updatedAt"]),
	}
}

func decodeResetRequest(data map[string]string) domain.PasswordResetRequest {
	r := domain.PasswordResetRequest{
		ID:         data["id"],
		UserID:     data["userId"],
		Status:     domain.ResetStatus(data["status"]),
		ApproverID: data["approverId"],
		Note:       data["note"],
		CreatedAt:  parseTime(data["createdAt"]),
		UpdatedAt:  parseTime(data["updatedAt"]),
	}
	if v := data["approvedAt"]; v != "" {
		t := parseTime(v)
		r.ApprovedAt = &t
	}
	return r
}

func parseTime(raw string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, raw)
	return t
}
