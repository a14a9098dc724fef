package appErrors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrCampaignLocked    = errors.New("campaign is already being executed")
	ErrConflict          = errors.New("conflict")
	ErrUnauthorized      = errors.New("unauthorized")
)

// ErrCampaignNotFound is returned when a campaign id does not resolve.
type ErrCampaignNotFound struct {
	CampaignID int
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %d not found", e.CampaignID)
}

func (e *ErrCampaignNotFound) Is(target error) bool {
	return target == ErrNotFound
}

func NewCampaignNotFound(id int) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

// EntityNotFound covers the remaining records (channel, template, contact...).
type EntityNotFound struct {
	Entity string
	Key    string
}

func (e *EntityNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.Key)
}

func (e *EntityNotFound) Is(target error) bool {
	return target == ErrNotFound
}

func NewNotFound(entity string, key any) error {
	return &EntityNotFound{Entity: entity, Key: fmt.Sprint(key)}
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

func NewValidation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

type TransitionError struct {
	From, To string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("campaign cannot move from %s to %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

func NewTransition(from, to string) error {
	return &TransitionError{From: from, To: to}
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
