package dbsync

import (
	"errors"

	"qrforge/pkg/domain"
)

// ErrConflictUnresolved means the policy could not pick a winner. The
// record is skipped for this batch and retried on the next cycle.
var ErrConflictUnresolved = errors.New("conflict unresolved")

// Policy picks the winning copy when both stores hold a diverged record.
// Arguments are always (primary copy, secondary copy). The default is
// last-writer-wins; it is injectable because observed divergence may
// warrant a different rule per deployment.
type Policy interface {
	User(primary, secondary domain.User) (domain.User, error)
	QRCode(primary, secondary domain.QRCode) (domain.QRCode, error)
	Usage(primary, secondary domain.AnonymousUsage) (domain.AnonymousUsage, error)
	Reset(primary, secondary domain.PasswordResetRequest) (domain.PasswordResetRequest, error)
}

// LastWriterWins resolves by update timestamp, ties preferring the primary
// copy. Counters take the max instead: usage only ever increases, so max
// never under-counts a client.
type LastWriterWins struct{}

func (LastWriterWins) User(p, s domain.User) (domain.User, error) {
	if s.UpdatedAt.After(p.UpdatedAt) {
		return s, nil
	}
	return p, nil
}

// QRCode records are immutable after creation; the primary copy wins.
func (LastWriterWins) QRCode(p, _ domain.QRCode) (domain.QRCode, error) {
	return p, nil
}

func (LastWriterWins) Usage(p, s domain.AnonymousUsage) (domain.AnonymousUsage, error) {
	winner := p
	if s.Count > winner.Count {
		winner.Count = s.Count
	}
	if s.UpdatedAt.After(winner.UpdatedAt) {
		winner.UpdatedAt = s.UpdatedAt
	}
	return winner, nil
}

// Reset honors the one-way status transition: a terminal copy always beats
// a pending one regardless of timestamps. Two different terminal states
// cannot be ordered and are left unresolved.
func (LastWriterWins) Reset(p, s domain.PasswordResetRequest) (domain.PasswordResetRequest, error) {
	switch {
	case p.Terminal() && !s.Terminal():
		return p, nil
	case s.Terminal() && !p.Terminal():
		return s, nil
	case p.Terminal() && s.Terminal() && p.Status != s.Status:
		return domain.PasswordResetRequest{}, ErrConflictUnresolved
	}
	if s.UpdatedAt.After(p.UpdatedAt) {
		return s, nil
	}
	return p, nil
}
