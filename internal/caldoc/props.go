package caldoc

import (
	"sort"

	"github.com/emersion/go-ical"
)

// Props is a map, so iteration needs a stable order for deterministic output.
func sortedPropNames(props ical.Props) []string {
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
