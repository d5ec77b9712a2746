package idgen

import "strings"

// Shortened wraps another generator, and rewrites the IDs which it returns
// from their full IRI form (http://purl.obolibrary.org/obo/FOO_1234567) to the
// short CURIE form (FOO:1234567). IDs which don't look like that are returned
// unchanged. The inner generator (and so its checker) only ever sees the full
// form.
type Shortened struct {
	Inner Generator
}

func Shorten(g Generator) *Shortened {
	return &Shortened{Inner: g}
}

func (s *Shortened) Next() (string, error) {
	id, err := s.Inner.Next()
	if err != nil {
		return "", err
	}

	return ShortForm(id), nil
}

// ShortForm returns the short form of a full ID.
func ShortForm(id string) string {
	i := strings.LastIndexByte(id, '/')
	if i == -1 {
		return id
	}

	suffix := id[i+1:]
	j := strings.IndexByte(suffix, '_')
	if j == -1 {
		return id
	}

	return suffix[:j] + ":" + suffix[j+1:]
}
