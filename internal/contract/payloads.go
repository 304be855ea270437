package contract

import (
	"errors"
	"fmt"

	"github.com/example/notification-dispatch/internal/util"
)

// Field rules are strict: emails must parse against the address grammar,
// timestamps must be present, tokens and links are opaque but never empty.

func (p *VerificationPayload) validate() error {
	if p.UserID == "" {
		return errors.New("userId is required")
	}
	email, err := util.NormalizeEmail(p.Email)
	if err != nil {
		return fmt.Errorf("email: %w", err)
	}
	p.Email = email
	if p.Username == "" {
		return errors.New("username is required")
	}
	if p.Token == "" {
		return errors.New("token is required")
	}
	if p.VerificationLink == "" {
		return errors.New("verificationLink is required")
	}
	if p.ExpiresAt.IsZero() {
		return errors.New("expiresAt is required")
	}
	return nil
}

func (p *PasswordResetPayload) validate() error {
	if p.UserID == "" {
		return errors.New("userId is required")
	}
	email, err := util.NormalizeEmail(p.Email)
	if err != nil {
		return fmt.Errorf("email: %w", err)
	}
	p.Email = email
	if p.Username == "" {
		return errors.New("username is required")
	}
	if p.Token == "" {
		return errors.New("token is required")
	}
	if p.ResetLink == "" {
		return errors.New("resetLink is required")
	}
	if p.ExpiresAt.IsZero() {
		return errors.New("expiresAt is required")
	}
	return nil
}

func (p *SentAck) validate() error {
	email, err := util.NormalizeEmail(p.Email)
	if err != nil {
		return fmt.Errorf("email: %w", err)
	}
	p.Email = email
	if p.MessageID == "" {
		return errors.New("messageId is required")
	}
	return nil
}

func (p *FailedAck) validate() error {
	email, err := util.NormalizeEmail(p.Email)
	if err != nil {
		return fmt.Errorf("email: %w", err)
	}
	p.Email = email
	if p.ErrorReason == "" {
		return errors.New("errorReason is required")
	}
	return nil
}
