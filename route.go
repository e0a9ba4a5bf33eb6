package avalia

import (
	"errors"
	"fmt"
	"strings"
)

// page components a route can render
const (
	ComponentEvaluation = "evaluation"
	ComponentThanks     = "thanks"
	ComponentAdmin      = "admin"
)

var ErrInvalidRoute = errors.New("invalid route")

// NOTE if route json changes, then the route struct must change
type Route struct {
	Name        string
	Path        string
	Component   string
	Description string `json:",omitempty"`
}

// DefaultRoutes is the route table the form ships with.
func DefaultRoutes() []Route {
	return []Route{
		{
			Name:        "avaliacao",
			Path:        "/",
			Component:   ComponentEvaluation,
			Description: "evaluation form",
		},
		{
			Name:        "agradecimento",
			Path:        "/agradecimento",
			Component:   ComponentThanks,
			Description: "thank-you page",
		},
		{
			Name:        "admin",
			Path:        "/admin",
			Component:   ComponentAdmin,
			Description: "submitted evaluations",
		},
	}
}

func isComponent(c string) bool {
	switch c {
	case ComponentEvaluation, ComponentThanks, ComponentAdmin:
		return true
	}
	return false
}

func ValidateRoutes(routes []Route) error {
	names := make(map[string]bool)
	paths := make(map[string]bool)
	for i, r := range routes {
		switch {
		case r.Name == "":
			return fmt.Errorf("%w: route %d has no name", ErrInvalidRoute, i)
		case !strings.HasPrefix(r.Path, "/"):
			return fmt.Errorf("%w: route %s path %q must start with /", ErrInvalidRoute, r.Name, r.Path)
		case !isComponent(r.Component):
			return fmt.Errorf("%w: route %s has unknown component %q", ErrInvalidRoute, r.Name, r.Component)
		case names[r.Name]:
			return fmt.Errorf("%w: duplicate route name %s", ErrInvalidRoute, r.Name)
		case paths[r.Path]:
			return fmt.Errorf("%w: duplicate route path %s", ErrInvalidRoute, r.Path)
		}
		names[r.Name] = true
		paths[r.Path] = true
	}
	return nil
}

// RouteFor returns the first route rendering the given component.
func RouteFor(routes []Route, component string) (Route, bool) {
	for _, r := range routes {
		if r.Component == component {
			return r, true
		}
	}
	return Route{}, false
}
