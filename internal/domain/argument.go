package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Claim is one node of the argument map.
type Claim struct {
	ID               string   `json:"id"`
	Text             string   `json:"text"`
	EvidenceNeeded   []string `json:"evidence_needed,omitempty"`
	CounterArguments []string `json:"counter_arguments,omitempty"`
	Dependencies     []string `json:"dependencies,omitempty"`
}

// ArgumentMap is produced once in planning and is read-only afterwards.
type ArgumentMap struct {
	Thesis string  `json:"thesis"`
	Claims []Claim `json:"claims"`
}

// ErrDependencyCycle reports a cycle among claim dependencies.
var ErrDependencyCycle = errors.New("claim dependencies form a cycle")

// Validate checks ids are unique, dependencies resolve and the graph is acyclic.
func (m ArgumentMap) Validate() error {
	if strings.TrimSpace(m.Thesis) == "" {
		return errors.New("thesis is empty")
	}
	if len(m.Claims) == 0 {
		return errors.New("argument map has no claims")
	}

	index := make(map[string]int, len(m.Claims))
	for i, c := range m.Claims {
		if strings.TrimSpace(c.ID) == "" {
			return fmt.Errorf("claim %d has no id", i)
		}
		if strings.TrimSpace(c.Text) == "" {
			return fmt.Errorf("claim %s has no text", c.ID)
		}
		if _, dup := index[c.ID]; dup {
			return fmt.Errorf("duplicate claim id %s", c.ID)
		}
		index[c.ID] = i
	}
	for _, c := range m.Claims {
		for _, dep := range c.Dependencies {
			if _, ok := index[dep]; !ok {
				return fmt.Errorf("claim %s depends on unknown claim %s", c.ID, dep)
			}
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make([]int, len(m.Claims))
	var visit func(i int) error
	visit = func(i int) error {
		switch state[i] {
		case visiting:
			return fmt.Errorf("%w at claim %s", ErrDependencyCycle, m.Claims[i].ID)
		case done:
			return nil
		}
		state[i] = visiting
		for _, dep := range m.Claims[i].Dependencies {
			if err := visit(index[dep]); err != nil {
				return err
			}
		}
		state[i] = done
		return nil
	}
	for i := range m.Claims {
		if err := visit(i); err != nil {
			return err
		}
	}
	return nil
}

// Claim returns the claim with the given id.
func (m ArgumentMap) Claim(id string) (Claim, bool) {
	for _, c := range m.Claims {
		if c.ID == id {
			return c, true
		}
	}
	return Claim{}, false
}
