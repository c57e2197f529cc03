package messaging

import "strings"

// Subjects follow {domain}.{kind}.{resource}.{action}.
const (
	// SubjectCorrespondenceEvents prefixes every lifecycle event.
	SubjectCorrespondenceEvents = "correspondence.events"

	// SubjectCorrespondenceEventsAll matches every lifecycle event.
	SubjectCorrespondenceEventsAll = SubjectCorrespondenceEvents + ".>"
)

// EventSubject maps an event type such as "correspondence.published" to the
// subject it is published on, e.g. correspondence.events.correspondence.published.
// Characters that NATS treats as wildcards or separators are replaced.
func EventSubject(eventType string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '*', '>', ' ':
			return '_'
		}
		return r
	}, strings.Trim(eventType, "."))
	if cleaned == "" {
		cleaned = "unknown"
	}
	return SubjectCorrespondenceEvents + "." + cleaned
}
