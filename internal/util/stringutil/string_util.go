package stringutil

import "fmt"

const (
	sampleEdge  = 50
	sampleLimit = 2 * sampleEdge
)

// SampleLong shortens a string that's about to be reflected into a log line by
// keeping some content from its beginning and end. Lengths are counted in
// characters rather than bytes so that user input containing multi-byte
// characters is never cut in the middle of one.
func SampleLong(s string) string {
	runes := []rune(s)
	if len(runes) <= sampleLimit {
		return s
	}

	return fmt.Sprintf("%s ... [TRUNCATED; total_length: %v characters] ... %s",
		string(runes[:sampleEdge]), len(runes), string(runes[len(runes)-sampleEdge:]))
}
