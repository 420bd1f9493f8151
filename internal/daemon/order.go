package daemon

import (
	"fmt"
	"log/slog"
	"strings"
)

type visitState int

const (
	unvisited visitState = iota
	visiting
	visited
)

// resolveOrder returns component names so that every component comes after
// its dependencies. Ties keep registration order.
func (d *Daemon) resolveOrder() ([]string, error) {
	d.mu.RLock()
	components := append([]Component(nil), d.components...)
	d.mu.RUnlock()

	byName := make(map[string]Component, len(components))
	for _, comp := range components {
		if _, dup := byName[comp.Name()]; dup {
			return nil, fmt.Errorf("component %s registered twice", comp.Name())
		}
		byName[comp.Name()] = comp
	}
	for _, comp := range components {
		for _, dep := range comp.Dependencies() {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("component %s depends on %s which is not registered", comp.Name(), dep)
			}
		}
	}

	state := make(map[string]visitState, len(components))
	order := make([]string, 0, len(components))
	var path []string

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visited:
			return nil
		case visiting:
			return fmt.Errorf("circular dependency detected: %s -> %s", strings.Join(path, " -> "), name)
		}

		state[name] = visiting
		path = append(path, name)
		for _, dep := range byName[name].Dependencies() {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		state[name] = visited
		order = append(order, name)
		return nil
	}

	for _, comp := range components {
		if err := visit(comp.Name()); err != nil {
			return nil, err
		}
	}

	slog.Info("Component order resolved", "order", order)
	return order, nil
}
