package remote

import "regexp"

// ResourceKind names a remote collection whose members are addressed by a
// numeric id in their URL.
type ResourceKind string

const (
	KindEvents ResourceKind = "events"
	KindRoutes ResourceKind = "routes"
)

// The id may be followed by a slug ("/events/123-saturday-a"), a sub path,
// a format suffix, a query or a fragment, but never by more word characters.
var (
	anyIDPattern   = regexp.MustCompile(`/(?:events|routes)/(\d+)(?:$|[-/.?#])`)
	eventIDPattern = regexp.MustCompile(`/events/(\d+)(?:$|[-/.?#])`)
	routeIDPattern = regexp.MustCompile(`/routes/(\d+)(?:$|[-/.?#])`)
)

// ExtractID returns the numeric id of the first event or route reference in
// url. It never fails; ok is false when nothing matches.
func ExtractID(url string) (id string, ok bool) {
	return match(anyIDPattern, url)
}

// ExtractKindID is ExtractID restricted to one resource kind.
func ExtractKindID(url string, kind ResourceKind) (string, bool) {
	switch kind {
	case KindEvents:
		return match(eventIDPattern, url)
	case KindRoutes:
		return match(routeIDPattern, url)
	}
	return "", false
}

func match(re *regexp.Regexp, s string) (string, bool) {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return m[1], true
}
