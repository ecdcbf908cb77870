package importer

import (
	"strconv"
	"strings"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"

	"gitea.jw6.us/james/calsched/internal/caldoc"
)

// ParticipantType is the iCalendar CUTYPE of a participant.
type ParticipantType string

const (
	ParticipantIndividual ParticipantType = "INDIVIDUAL"
	ParticipantRoom       ParticipantType = "ROOM"
	ParticipantResource   ParticipantType = "RESOURCE"
	ParticipantGroup      ParticipantType = "GROUP"
	ParticipantUnknown    ParticipantType = "UNKNOWN"
)

// Participant is an organizer or attendee of a calendar object.
type Participant struct {
	Address    string
	CommonName string
	Role       string
	Type       ParticipantType
	// ScheduleAgent is the SCHEDULE-AGENT parameter, empty when absent.
	ScheduleAgent string
}

// ServerScheduled reports whether the server is responsible for delivering to
// this participant.
func (p Participant) ServerScheduled() bool {
	return p.ScheduleAgent == "" || strings.EqualFold(p.ScheduleAgent, "SERVER")
}

// Override is one RECURRENCE-ID instance of a recurring object.
type Override struct {
	RecurrenceID string
	Component    *ical.Component
}

// CalendarObject is every component sharing one UID: an optional master plus
// its overrides.
type CalendarObject struct {
	UID           string
	ComponentType string
	Master        *ical.Component
	Overrides     []Override
	Organizer     *Participant
	Participants  []Participant
	Sequence      int
	// Timezones are the VTIMEZONEs the components reference.
	Timezones []*ical.Component
}

// Components returns the master followed by the overrides.
func (o *CalendarObject) Components() []*ical.Component {
	out := make([]*ical.Component, 0, len(o.Overrides)+1)
	if o.Master != nil {
		out = append(out, o.Master)
	}
	for _, ov := range o.Overrides {
		out = append(out, ov.Component)
	}
	return out
}

// Scheduled reports whether the object has an organizer and participants.
func (o *CalendarObject) Scheduled() bool {
	return o.Organizer != nil && len(o.Participants) > 0
}

// Aggregation warning kinds.
const (
	WarningDuplicateMaster   = "duplicate-master"
	WarningDuplicateOverride = "duplicate-override"
	WarningMissingUID        = "missing-uid"
	WarningInvalidRRule      = "invalid-rrule"
)

// AggregationWarning is a non-fatal grouping problem. The import continues.
type AggregationWarning struct {
	Kind   string `json:"kind"`
	UID    string `json:"uid,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Aggregate groups components by UID in order of first appearance. The first
// master for a UID wins; later ones are dropped with a warning.
func Aggregate(components []*ical.Component) ([]CalendarObject, []AggregationWarning) {
	var (
		objects  []CalendarObject
		warnings []AggregationWarning
		index    = make(map[string]int)
	)

	for pos, comp := range components {
		uid := caldoc.PropValue(comp, ical.PropUID)
		if uid == "" {
			warnings = append(warnings, AggregationWarning{
				Kind:   WarningMissingUID,
				Detail: comp.Name + " #" + strconv.Itoa(pos+1),
			})
			continue
		}

		i, ok := index[uid]
		if !ok {
			objects = append(objects, CalendarObject{UID: uid, ComponentType: comp.Name})
			i = len(objects) - 1
			index[uid] = i
		}
		obj := &objects[i]

		rid := caldoc.PropValue(comp, ical.PropRecurrenceID)
		if rid == "" {
			if obj.Master != nil {
				warnings = append(warnings, AggregationWarning{Kind: WarningDuplicateMaster, UID: uid})
				continue
			}
			obj.Master = comp
			obj.ComponentType = comp.Name
			continue
		}
		if hasOverride(obj, rid) {
			warnings = append(warnings, AggregationWarning{Kind: WarningDuplicateOverride, UID: uid, Detail: rid})
			continue
		}
		obj.Overrides = append(obj.Overrides, Override{RecurrenceID: rid, Component: comp})
	}

	for i := range objects {
		if w := finishObject(&objects[i]); w != nil {
			warnings = append(warnings, *w)
		}
	}
	return objects, warnings
}

func hasOverride(obj *CalendarObject, rid string) bool {
	for _, ov := range obj.Overrides {
		if ov.RecurrenceID == rid {
			return true
		}
	}
	return false
}

// finishObject derives organizer, participants, sequence and the recurrence
// rule from the grouped components.
func finishObject(obj *CalendarObject) *AggregationWarning {
	seen := make(map[string]bool)
	for _, comp := range obj.Components() {
		if obj.Organizer == nil {
			if p := comp.Props.Get(ical.PropOrganizer); p != nil && strings.TrimSpace(p.Value) != "" {
				org := participantFromProp(p)
				obj.Organizer = &org
			}
		}
		for i := range comp.Props[ical.PropAttendee] {
			part := participantFromProp(&comp.Props[ical.PropAttendee][i])
			key := strings.ToLower(part.Address)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			obj.Participants = append(obj.Participants, part)
		}
		if seq, err := strconv.Atoi(caldoc.PropValue(comp, ical.PropSequence)); err == nil && seq > obj.Sequence {
			obj.Sequence = seq
		}
	}

	raw := caldoc.PropValue(obj.Master, ical.PropRecurrenceRule)
	if raw == "" {
		return nil
	}
	// The rule is only checked; the stored object keeps the original text.
	if _, err := rrule.StrToROption(raw); err != nil {
		return &AggregationWarning{Kind: WarningInvalidRRule, UID: obj.UID, Detail: err.Error()}
	}
	return nil
}

func participantFromProp(p *ical.Prop) Participant {
	part := Participant{
		Address:       strings.TrimSpace(p.Value),
		CommonName:    p.Params.Get(ical.ParamCommonName),
		Role:          strings.ToUpper(p.Params.Get(ical.ParamRole)),
		ScheduleAgent: p.Params.Get(caldoc.ParamScheduleAgent),
	}
	switch strings.ToUpper(p.Params.Get(ical.ParamCalendarUserType)) {
	case "", string(ParticipantIndividual):
		part.Type = ParticipantIndividual
	case string(ParticipantRoom):
		part.Type = ParticipantRoom
	case string(ParticipantResource):
		part.Type = ParticipantResource
	case string(ParticipantGroup):
		part.Type = ParticipantGroup
	default:
		part.Type = ParticipantUnknown
	}
	return part
}

// aggregateDocument aggregates a parsed document and attaches the timezones
// each object references.
func aggregateDocument(doc *caldoc.Document) ([]CalendarObject, []AggregationWarning) {
	objects, warnings := Aggregate(doc.Components)
	for i := range objects {
		objects[i].Timezones = caldoc.ReferencedTimezones(doc.Timezones, objects[i].Components()...)
	}
	return objects, warnings
}
