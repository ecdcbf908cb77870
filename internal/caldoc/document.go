// Package caldoc turns iCalendar text into import documents and back.
package caldoc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-ical"
)

// ProductID is written into every calendar this service encodes.
const ProductID = "-//calsched//Calendar Import//EN"

// Calendar-level properties carried by import documents.
const (
	PropSource        = "SOURCE"
	PropWRCalName     = "X-WR-CALNAME"
	PropAppleCalColor = "X-APPLE-CALENDAR-COLOR"

	// ParamScheduleAgent set to anything but SERVER opts an attendee out of
	// server-side delivery.
	ParamScheduleAgent = "SCHEDULE-AGENT"
)

// MaxDocumentSize bounds how much of a document ParseDocument will read.
const MaxDocumentSize = 10 << 20

var (
	// ErrEmptyDocument is returned when the input holds no VCALENDAR.
	ErrEmptyDocument = errors.New("no calendar in document")
	// ErrDocumentTooLarge is returned when the input exceeds MaxDocumentSize.
	ErrDocumentTooLarge = fmt.Errorf("calendar document exceeds %d bytes", MaxDocumentSize)
)

// Document is a parsed calendar addressed to one collection.
type Document struct {
	// Name is the display name from NAME or X-WR-CALNAME.
	Name *string
	// Color is the collection color from COLOR or X-APPLE-CALENDAR-COLOR.
	Color *string
	// Source is the raw SOURCE locator. Empty when absent.
	Source string
	// Components holds VEVENT, VTODO and VJOURNAL children in document order.
	Components []*ical.Component
	// Timezones holds VTIMEZONE children keyed by TZID.
	Timezones map[string]*ical.Component
}

// ParseDocument decodes the first VCALENDAR in r.
func ParseDocument(r io.Reader) (*Document, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxDocumentSize+1))
	if err != nil {
		return nil, fmt.Errorf("read calendar: %w", err)
	}
	if len(data) > MaxDocumentSize {
		return nil, ErrDocumentTooLarge
	}
	cal, err := ical.NewDecoder(bytes.NewReader(data)).Decode()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyDocument
	}
	if err != nil {
		return nil, fmt.Errorf("parse calendar: %w", err)
	}
	return FromCalendar(cal), nil
}

// ParseString is ParseDocument for in-memory text.
func ParseString(s string) (*Document, error) {
	return ParseDocument(strings.NewReader(s))
}

// FromCalendar extracts a Document from an already decoded calendar.
func FromCalendar(cal *ical.Calendar) *Document {
	doc := &Document{Timezones: make(map[string]*ical.Component)}

	doc.Name = firstText(cal.Props, ical.PropName, PropWRCalName)
	doc.Color = firstText(cal.Props, ical.PropColor, PropAppleCalColor)
	if p := cal.Props.Get(PropSource); p != nil {
		doc.Source = strings.TrimSpace(p.Value)
	}

	for _, child := range cal.Children {
		switch child.Name {
		case ical.CompEvent, ical.CompToDo, ical.CompJournal:
			doc.Components = append(doc.Components, child)
		case ical.CompTimezone:
			if tzid := PropValue(child, ical.PropTimezoneID); tzid != "" {
				doc.Timezones[tzid] = child
			}
		}
	}
	return doc
}

func firstText(props ical.Props, names ...string) *string {
	for _, name := range names {
		p := props.Get(name)
		if p == nil {
			continue
		}
		value, err := p.Text()
		if err != nil {
			value = p.Value
		}
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		return &value
	}
	return nil
}

// PropValue returns the raw value of the first property called name.
func PropValue(comp *ical.Component, name string) string {
	if comp == nil {
		return ""
	}
	p := comp.Props.Get(name)
	if p == nil {
		return ""
	}
	return strings.TrimSpace(p.Value)
}

// NewCalendar wraps components in a VCALENDAR with VERSION and PRODID set.
// Timezones are emitted before the components.
func NewCalendar(timezones []*ical.Component, components ...*ical.Component) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, ProductID)
	cal.Children = append(cal.Children, timezones...)
	cal.Children = append(cal.Children, components...)
	return cal
}

// Encode serializes cal as iCalendar text.
func Encode(cal *ical.Calendar) ([]byte, error) {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, fmt.Errorf("encode calendar: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses one VCALENDAR from data.
func Decode(data []byte) (*ical.Calendar, error) {
	cal, err := ical.NewDecoder(bytes.NewReader(data)).Decode()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyDocument
	}
	if err != nil {
		return nil, fmt.Errorf("decode calendar: %w", err)
	}
	return cal, nil
}

// ReferencedTimezones returns the VTIMEZONEs whose TZID is used by any
// property of the given components, sorted by first use.
func ReferencedTimezones(available map[string]*ical.Component, components ...*ical.Component) []*ical.Component {
	if len(available) == 0 {
		return nil
	}
	seen := make(map[string]bool)
	var out []*ical.Component
	var walk func(c *ical.Component)
	walk = func(c *ical.Component) {
		for _, name := range sortedPropNames(c.Props) {
			for _, p := range c.Props[name] {
				tzid := p.Params.Get(ical.ParamTimezoneID)
				if tzid == "" || seen[tzid] {
					continue
				}
				seen[tzid] = true
				if tz, ok := available[tzid]; ok {
					out = append(out, tz)
				}
			}
		}
		for _, child := range c.Children {
			walk(child)
		}
	}
	for _, c := range components {
		walk(c)
	}
	return out
}
