package transaction

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sushant-115/collagecommit/core/wal"
)

// ErrInvalidSource is returned for source strings that are not
// "participant:resource".
var ErrInvalidSource = errors.New("invalid source")

// Source is one resource used by a collage and the participant owning it.
type Source struct {
	Participant string
	Resource    string
}

// ParseSource splits s at its first colon.
func ParseSource(s string) (Source, error) {
	participant, resource, ok := strings.Cut(s, ":")
	if !ok || participant == "" || resource == "" {
		return Source{}, fmt.Errorf("%w: %q is not participant:resource", ErrInvalidSource, s)
	}
	if !wal.ValidField(participant) || !wal.ValidField(resource) {
		return Source{}, fmt.Errorf("%w: %q contains a reserved character", ErrInvalidSource, s)
	}
	return Source{Participant: participant, Resource: resource}, nil
}

// ParseSources parses every entry of raw; an empty list is invalid.
func ParseSources(raw []string) ([]Source, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: no sources", ErrInvalidSource)
	}
	sources := make([]Source, 0, len(raw))
	for _, s := range raw {
		src, err := ParseSource(s)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, nil
}

func (s Source) String() string { return s.Participant + ":" + s.Resource }

// SourceStrings renders sources in their log form.
func SourceStrings(sources []Source) []string {
	out := make([]string, len(sources))
	for i, s := range sources {
		out[i] = s.String()
	}
	return out
}

// groupSources returns participants in order of first appearance and each
// participant's resources, deduplicated in order of first appearance.
func groupSources(sources []Source) ([]string, map[string][]string) {
	var participants []string
	resources := make(map[string][]string)
	seen := make(map[Source]struct{})
	for _, s := range sources {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		if _, known := resources[s.Participant]; !known {
			participants = append(participants, s.Participant)
		}
		resources[s.Participant] = append(resources[s.Participant], s.Resource)
	}
	return participants, resources
}
