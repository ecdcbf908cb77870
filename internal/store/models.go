package store

import (
	"crypto/sha256"
	"fmt"
	"time"
)

// Home is the root of one principal's calendar storage.
type Home struct {
	ID           int64
	PrincipalUID string
	CreatedAt    time.Time
}

// Collection is a calendar inside a home.
type Collection struct {
	ID          int64
	HomeID      int64
	Name        string
	DisplayName *string
	Color       *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Object stores one iCalendar resource: a master component and its overrides.
type Object struct {
	ID            int64
	CollectionID  int64
	UID           string
	ResourceName  string
	ComponentType string
	Organizer     *string
	Sequence      int
	RawICAL       string
	ETag          string
	LastModified  time.Time
}

// GenerateETag returns the strong entity tag for a stored payload.
func GenerateETag(content string) string {
	h := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%x", h)
}
