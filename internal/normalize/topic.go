package normalize

import "strings"

// TopicMatches applies MQTT filter semantics: "+" matches one level, a
// trailing "#" matches the parent level and everything below it.
func TopicMatches(filter, topic string) bool {
	filter = strings.TrimSpace(filter)
	if filter == "" || filter == "#" {
		return true
	}
	if !HasWildcard(filter) {
		return filter == topic
	}
	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")
	for i, part := range fl {
		if part == "#" {
			return i == len(fl)-1
		}
		if i >= len(tl) {
			return false
		}
		if part != "+" && part != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}

func HasWildcard(filter string) bool {
	return strings.ContainsAny(filter, "+#")
}
