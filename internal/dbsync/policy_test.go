package dbsync

import (
	"errors"
	"testing"
	"time"

	"qrforge/pkg/domain"
)

func TestLastWriterWinsUserTiePrefersPrimary(t *testing.T) {
	now := time.Now().UTC()
	p := domain.User{ID: "u-1", DisplayName: "primary copy", UpdatedAt: now}
	s := domain.User{ID: "u-1", DisplayName: "secondary copy", UpdatedAt: now}

	winner, err := LastWriterWins{}.User(p, s)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if winner.DisplayName != "primary copy" {
		t.Fatalf("equal timestamps must prefer the primary copy, got %q", winner.DisplayName)
	}
}

func TestLastWriterWinsQRCodePrimaryWins(t *testing.T) {
	p := domain.QRCode{ID: "q-1", Payload: []byte("primary")}
	s := domain.QRCode{ID: "q-1", Payload: []byte("secondary")}

	winner, err := LastWriterWins{}.QRCode(p, s)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if string(winner.Payload) != "primary" {
		t.Fatalf("immutable records resolve to the primary copy, got %q", winner.Payload)
	}
}

func TestLastWriterWinsUsageNeverDecreases(t *testing.T) {
	now := time.Now().UTC()
	p := domain.AnonymousUsage{IP: "ip", Count: 3, UpdatedAt: now}
	s := domain.AnonymousUsage{IP: "ip", Count: 9, UpdatedAt: now.Add(-time.Hour)}

	winner, err := LastWriterWins{}.Usage(p, s)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if winner.Count != 9 {
		t.Fatalf("counter must take the max, got %d", winner.Count)
	}
	if !winner.UpdatedAt.Equal(now) {
		t.Fatalf("timestamp must take the max, got %v", winner.UpdatedAt)
	}
}

func TestLastWriterWinsResetDifferingTerminals(t *testing.T) {
	p := domain.PasswordResetRequest{ID: "r", Status: domain.ResetApproved}
	s := domain.PasswordResetRequest{ID: "r", Status: domain.ResetRejected}

	if _, err := (LastWriterWins{}).Reset(p, s); !errors.Is(err, ErrConflictUnresolved) {
		t.Fatalf("two different terminal states cannot be merged, got %v", err)
	}

	same := domain.PasswordResetRequest{ID: "r", Status: domain.ResetApproved}
	winner, err := LastWriterWins{}.Reset(p, same)
	if err != nil {
		t.Fatalf("matching terminals should merge cleanly: %v", err)
	}
	if winner.Status != domain.ResetApproved {
		t.Fatalf("unexpected winner: %+v", winner)
	}
}
