// Package directory maps calendar user addresses to principals.
//
// Records are read from a YAML file. A record is the owner of one calendar
// home; its UID is the key the store uses for that home.
package directory

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// RecordType is the kind of principal a record describes.
type RecordType string

const (
	RecordTypeUser     RecordType = "user"
	RecordTypeGroup    RecordType = "group"
	RecordTypeLocation RecordType = "location"
	RecordTypeResource RecordType = "resource"
)

// ErrNotFound is returned when no principal matches a lookup.
var ErrNotFound = errors.New("principal not found")

// Record describes one principal.
type Record struct {
	UID            string     `yaml:"uid"`
	Type           RecordType `yaml:"type"`
	ShortNames     []string   `yaml:"short_names"`
	FullName       string     `yaml:"full_name"`
	EmailAddresses []string   `yaml:"emails"`
	Members        []string   `yaml:"members"`
}

// OwnsCalendar reports whether the principal has a calendar home. Groups do not.
func (r *Record) OwnsCalendar() bool {
	return r.Type != RecordTypeGroup
}

func (r *Record) validate() error {
	if strings.TrimSpace(r.UID) == "" {
		return errors.New("record has no uid")
	}
	switch r.Type {
	case RecordTypeUser, RecordTypeGroup, RecordTypeLocation, RecordTypeResource:
	case "":
		r.Type = RecordTypeUser
	default:
		return fmt.Errorf("record %s: unknown type %q", r.UID, r.Type)
	}
	for _, name := range r.ShortNames {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("record %s: empty short name", r.UID)
		}
	}
	return nil
}

// Service is an immutable in-memory directory.
type Service struct {
	// AllowUnlisted lets urn:x-uid: and urn:uuid: addresses resolve to a
	// principal UID even when no record exists for it.
	AllowUnlisted bool

	mu        sync.RWMutex
	byUID     map[string]*Record
	byShort   map[string]*Record
	byEmail   map[string]*Record
	allRecord []*Record
}

// New indexes records. UIDs, short names and email addresses must be unique.
func New(records []Record, allowUnlisted bool) (*Service, error) {
	s := &Service{
		AllowUnlisted: allowUnlisted,
		byUID:         make(map[string]*Record),
		byShort:       make(map[string]*Record),
		byEmail:       make(map[string]*Record),
	}
	for i := range records {
		rec := records[i]
		if err := rec.validate(); err != nil {
			return nil, err
		}
		if _, dup := s.byUID[rec.UID]; dup {
			return nil, fmt.Errorf("duplicate record uid %q", rec.UID)
		}
		stored := &rec
		s.byUID[rec.UID] = stored
		for _, name := range rec.ShortNames {
			key := string(rec.Type) + "/" + name
			if _, dup := s.byShort[key]; dup {
				return nil, fmt.Errorf("duplicate short name %q", name)
			}
			s.byShort[key] = stored
		}
		for _, email := range rec.EmailAddresses {
			key := strings.ToLower(strings.TrimSpace(email))
			if _, dup := s.byEmail[key]; dup {
				return nil, fmt.Errorf("duplicate email address %q", email)
			}
			s.byEmail[key] = stored
		}
		s.allRecord = append(s.allRecord, stored)
	}
	return s, nil
}

type fileFormat struct {
	AllowUnlisted bool     `yaml:"allow_unlisted"`
	Records       []Record `yaml:"records"`
}

// Load reads a YAML directory file:
//
//	allow_unlisted: true
//	records:
//	  - uid: user01
//	    short_names: [user01]
//	    emails: [user01@example.com]
func Load(path string) (*Service, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse directory %s: %w", path, err)
	}
	return New(f.Records, f.AllowUnlisted)
}

// RecordWithUID returns the record for uid.
func (s *Service) RecordWithUID(uid string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.byUID[uid]; ok {
		return rec, nil
	}
	return nil, ErrNotFound
}

// HasCalendar reports whether uid may own a calendar home. Unlisted UIDs do
// when AllowUnlisted is set.
func (s *Service) HasCalendar(uid string) bool {
	rec, err := s.RecordWithUID(uid)
	if err != nil {
		return s.AllowUnlisted
	}
	return rec.OwnsCalendar()
}

// RecordWithShortName returns the record of the given type with that short name.
func (s *Service) RecordWithShortName(recordType RecordType, name string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.byShort[string(recordType)+"/"+name]; ok {
		return rec, nil
	}
	return nil, ErrNotFound
}

// RecordsWithType lists records of one type in load order.
func (s *Service) RecordsWithType(recordType RecordType) []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for _, rec := range s.allRecord {
		if rec.Type == recordType {
			out = append(out, rec)
		}
	}
	return out
}

// PrincipalForAddress resolves a calendar user address to a principal UID.
//
// Recognised forms: urn:x-uid:<uid>, urn:uuid:<uid>, mailto:<email>, and
// principal URLs ending in /principals/__uids__/<uid>/.
func (s *Service) PrincipalForAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	lower := strings.ToLower(address)

	switch {
	case strings.HasPrefix(lower, "urn:x-uid:"):
		return s.byUIDOrUnlisted(address[len("urn:x-uid:"):])
	case strings.HasPrefix(lower, "urn:uuid:"):
		return s.byUIDOrUnlisted(address[len("urn:uuid:"):])
	case strings.HasPrefix(lower, "mailto:"):
		email := strings.ToLower(address[len("mailto:"):])
		s.mu.RLock()
		rec, ok := s.byEmail[email]
		s.mu.RUnlock()
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrNotFound, address)
		}
		return rec.UID, nil
	}

	if uid, ok := principalURLUID(address); ok {
		return s.byUIDOrUnlisted(uid)
	}
	return "", fmt.Errorf("%w: unsupported address %q", ErrNotFound, address)
}

func (s *Service) byUIDOrUnlisted(uid string) (string, error) {
	if uid == "" {
		return "", fmt.Errorf("%w: empty uid", ErrNotFound)
	}
	if _, err := s.RecordWithUID(uid); err == nil {
		return uid, nil
	}
	if s.AllowUnlisted {
		return uid, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, uid)
}

func principalURLUID(address string) (string, bool) {
	p := address
	if u, err := url.Parse(address); err == nil && u.Path != "" {
		p = u.Path
	}
	const marker = "/principals/__uids__/"
	idx := strings.Index(p, marker)
	if idx == -1 {
		return "", false
	}
	uid := strings.Trim(p[idx+len(marker):], "/")
	if uid == "" || strings.Contains(uid, "/") {
		return "", false
	}
	return uid, true
}
