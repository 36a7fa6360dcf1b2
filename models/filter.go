package models

import (
	"fmt"
	"strings"
)

type FilterMode string

const (
	FilterAll          FilterMode = "all"
	FilterOwned        FilterMode = "owned"
	FilterCollaborator FilterMode = "collaborator"
	FilterAssigned     FilterMode = "assigned"
)

func ParseFilterMode(raw string) (FilterMode, error) {
	switch mode := FilterMode(strings.ToLower(strings.TrimSpace(raw))); mode {
	case "":
		return FilterAll, nil
	case FilterAll, FilterOwned, FilterCollaborator, FilterAssigned:
		return mode, nil
	default:
		return "", fmt.Errorf("unknown filter mode %q", raw)
	}
}

// Delegable reports whether the task store can apply the filter itself.
// The store knows nothing about collaborator edges.
func (m FilterMode) Delegable() bool {
	return m == FilterAll || m == FilterOwned || m == FilterAssigned
}
