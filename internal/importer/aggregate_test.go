package importer

import (
	"testing"

	"github.com/emersion/go-ical"
)

const recurringWithOverride = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Example//Test//EN
SOURCE;VALUE=URI:http://example.com/calendars/__uids__/user01/calendar/
BEGIN:VEVENT
UID:X
DTSTAMP:20141106T192546Z
DTSTART:20141108T173000Z
RRULE:FREQ=DAILY
SEQUENCE:1
SUMMARY:repeating event
ORGANIZER;CN=User 01:urn:x-uid:user01
ATTENDEE;ROLE=CHAIR:urn:x-uid:user01
ATTENDEE:urn:x-uid:user02
END:VEVENT
BEGIN:VEVENT
UID:Y
DTSTAMP:20141104T205338Z
DTSTART:20141108T160000Z
SUMMARY:simple event
END:VEVENT
BEGIN:VEVENT
UID:X
RECURRENCE-ID:20141111T173000Z
DTSTAMP:20141106T192546Z
DTSTART:20141111T190000Z
SEQUENCE:4
SUMMARY:moved instance
ATTENDEE:URN:X-UID:USER02
ATTENDEE;CUTYPE=ROOM;CN=Mercury Seven:urn:x-uid:mercury
END:VEVENT
END:VCALENDAR
`

func TestAggregateGroupsOverridesWithMaster(t *testing.T) {
	doc := parseDoc(t, recurringWithOverride)
	objects, warnings := Aggregate(doc.Components)

	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings %+v", warnings)
	}
	if len(objects) != 2 {
		t.Fatalf("expected 2 objects from 3 components, got %d", len(objects))
	}
	if objects[0].UID != "X" || objects[1].UID != "Y" {
		t.Fatalf("objects not in first-seen order: %s, %s", objects[0].UID, objects[1].UID)
	}

	x := objects[0]
	if x.Master == nil || len(x.Overrides) != 1 || x.Overrides[0].RecurrenceID != "20141111T173000Z" {
		t.Fatalf("unexpected grouping %+v", x)
	}
	if x.Sequence != 4 {
		t.Errorf("expected max sequence 4, got %d", x.Sequence)
	}
	if x.Organizer == nil || x.Organizer.Address != "urn:x-uid:user01" || x.Organizer.CommonName != "User 01" {
		t.Errorf("unexpected organizer %+v", x.Organizer)
	}
	if len(x.Participants) != 3 {
		t.Fatalf("expected 3 distinct participants, got %+v", x.Participants)
	}
	if x.Participants[0].Role != "CHAIR" || x.Participants[0].Type != ParticipantIndividual {
		t.Errorf("unexpected chair %+v", x.Participants[0])
	}
	if x.Participants[2].Type != ParticipantRoom || x.Participants[2].CommonName != "Mercury Seven" {
		t.Errorf("unexpected room %+v", x.Participants[2])
	}
	if !x.Scheduled() || objects[1].Scheduled() {
		t.Error("only X carries organizer and attendees")
	}
	if got := len(x.Components()); got != 2 {
		t.Errorf("expected master plus override, got %d components", got)
	}
}

func TestAggregateOrphanOverrides(t *testing.T) {
	doc := parseDoc(t, `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Example//Test//EN
BEGIN:VEVENT
UID:orphan
RECURRENCE-ID:20240102T100000Z
DTSTAMP:20240101T000000Z
DTSTART:20240102T110000Z
END:VEVENT
BEGIN:VEVENT
UID:orphan
RECURRENCE-ID:20240103T100000Z
DTSTAMP:20240101T000000Z
DTSTART:20240103T110000Z
END:VEVENT
END:VCALENDAR
`)
	objects, warnings := Aggregate(doc.Components)
	if len(warnings) != 0 || len(objects) != 1 {
		t.Fatalf("expected one object and no warnings, got %d objects, %+v", len(objects), warnings)
	}
	if objects[0].Master != nil || len(objects[0].Overrides) != 2 {
		t.Fatalf("expected two overrides without master, got %+v", objects[0])
	}
	if objects[0].ComponentType != ical.CompEvent {
		t.Errorf("unexpected component type %q", objects[0].ComponentType)
	}
}

func TestAggregateWarnings(t *testing.T) {
	doc := parseDoc(t, `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Example//Test//EN
BEGIN:VEVENT
UID:dup
DTSTAMP:20240101T000000Z
DTSTART:20240102T100000Z
SUMMARY:first
RRULE:FREQ=SOMETIMES
END:VEVENT
BEGIN:VEVENT
UID:dup
DTSTAMP:20240101T000000Z
DTSTART:20240102T100000Z
SUMMARY:second
END:VEVENT
BEGIN:VEVENT
UID:dup
RECURRENCE-ID:20240103T100000Z
DTSTAMP:20240101T000000Z
DTSTART:20240103T100000Z
END:VEVENT
BEGIN:VEVENT
UID:dup
RECURRENCE-ID:20240103T100000Z
DTSTAMP:20240101T000000Z
DTSTART:20240103T120000Z
END:VEVENT
BEGIN:VTODO
DTSTAMP:20240101T000000Z
SUMMARY:no uid
END:VTODO
END:VCALENDAR
`)
	objects, warnings := Aggregate(doc.Components)

	if len(objects) != 1 {
		t.Fatalf("expected a single object, got %d", len(objects))
	}
	if got := objects[0].Master.Props.Get(ical.PropSummary).Value; got != "first" {
		t.Errorf("first master should win, got %q", got)
	}
	if objects[0].Master.Props.Get(ical.PropRecurrenceRule) == nil {
		t.Error("invalid rule text should be stored unchanged")
	}

	kinds := map[string]int{}
	for _, w := range warnings {
		kinds[w.Kind]++
	}
	for _, kind := range []string{WarningDuplicateMaster, WarningDuplicateOverride, WarningMissingUID, WarningInvalidRRule} {
		if kinds[kind] != 1 {
			t.Errorf("expected one %s warning, got %d (%+v)", kind, kinds[kind], warnings)
		}
	}
}

func TestParticipantScheduleAgent(t *testing.T) {
	cases := map[string]bool{"": true, "SERVER": true, "server": true, "CLIENT": false, "NONE": false}
	for agent, want := range cases {
		if got := (Participant{ScheduleAgent: agent}).ServerScheduled(); got != want {
			t.Errorf("ServerScheduled(%q) = %v, want %v", agent, got, want)
		}
	}
}
