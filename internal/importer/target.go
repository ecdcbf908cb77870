package importer

import (
	"net/url"
	"strings"

	"gitea.jw6.us/james/calsched/internal/caldoc"
)

// Target is the collection an import document is addressed to.
type Target struct {
	// PrincipalUID is set for /calendars/__uids__/ locators.
	PrincipalUID string
	// ShortName is set for /calendars/users/ locators and must be mapped to a
	// UID through the directory.
	ShortName  string
	Collection string
}

// ResolveTarget extracts the destination from the document's SOURCE locator.
func ResolveTarget(doc *caldoc.Document) (Target, error) {
	if doc == nil || strings.TrimSpace(doc.Source) == "" {
		return Target{}, &ValidationError{Reason: ReasonMissingSource}
	}
	u, err := url.Parse(strings.TrimSpace(doc.Source))
	if err != nil {
		return Target{}, &ValidationError{Reason: ReasonMissingSource, Detail: "unparsable source locator"}
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for _, s := range segments {
		if s == "" || s == "." || s == ".." {
			return Target{}, malformed(doc.Source)
		}
	}
	if len(segments) != 4 || segments[0] != "calendars" {
		return Target{}, malformed(doc.Source)
	}

	switch segments[1] {
	case "__uids__":
		return Target{PrincipalUID: segments[2], Collection: segments[3]}, nil
	case "users":
		return Target{ShortName: segments[2], Collection: segments[3]}, nil
	default:
		return Target{}, malformed(doc.Source)
	}
}

func malformed(source string) error {
	return &ValidationError{Reason: ReasonMissingSource, Detail: "malformed source locator " + source}
}
