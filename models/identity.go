package models

import (
	"errors"
	"strings"
	"time"
)

const unknownLabel = "Unknown user"

// IdentityView is the display projection of an identity record.
type IdentityView struct {
	ID          string `json:"uid"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	// Unknown marks an identity whose lookup failed; ID still holds the raw reference.
	Unknown bool `json:"unknown,omitempty"`
}

// UnknownIdentity is the sentinel used when an identity could not be resolved.
func UnknownIdentity(id string) IdentityView {
	return IdentityView{ID: id, Unknown: true}
}

// Usable reports whether the identity carries something a person can read.
func (v IdentityView) Usable() bool {
	return v.Email != "" || v.DisplayName != ""
}

func (v IdentityView) Label() string {
	switch {
	case v.DisplayName != "":
		return v.DisplayName
	case v.Email != "":
		return v.Email
	case v.ID != "":
		return v.ID
	default:
		return unknownLabel
	}
}

// Collaborator is one collaborator edge as seen from the task.
type Collaborator struct {
	Identity  IdentityView  `json:"identity"`
	AddedAt   *time.Time    `json:"added_at,omitempty"`
	InvitedBy *IdentityView `json:"invited_by,omitempty"`
}

// Invitation records who added the viewer to a task they don't own.
type Invitation struct {
	By IdentityView `json:"by"`
	At *time.Time   `json:"at,omitempty"`
}

// Viewer is the authenticated user a session aggregates for.
type Viewer struct {
	ID          string `json:"uid"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`
}

type IdentifierKind int

const (
	ByID IdentifierKind = iota
	ByEmail
)

func (k IdentifierKind) String() string {
	if k == ByEmail {
		return "email"
	}
	return "uid"
}

// Identifier names a user either by id or by email. The kind is decided once,
// where user input enters the system.
type Identifier struct {
	Kind  IdentifierKind
	Value string
}

var ErrEmptyIdentifier = errors.New("identifier is empty")

func ParseIdentifier(raw string) (Identifier, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return Identifier{}, ErrEmptyIdentifier
	}
	if strings.Contains(value, "@") {
		return Identifier{Kind: ByEmail, Value: value}, nil
	}
	return Identifier{Kind: ByID, Value: value}, nil
}

func EmailIdentifier(email string) Identifier {
	return Identifier{Kind: ByEmail, Value: strings.TrimSpace(email)}
}

func IDIdentifier(id string) Identifier {
	return Identifier{Kind: ByID, Value: strings.TrimSpace(id)}
}

func (i Identifier) String() string {
	return i.Kind.String() + ":" + i.Value
}
