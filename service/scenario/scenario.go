// Package scenario runs units that fault under different handler setups.
package scenario

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/safing/faultmgr/service/mgr"
)

// ErrInvalidScenario is returned when a scenario definition cannot be run.
var ErrInvalidScenario = errors.New("invalid scenario")

// DefaultFault is the fault message used when a scenario does not define one.
const DefaultFault = "exception!"

// Scenario describes a single unit that faults and the handlers installed
// around it.
type Scenario struct {
	Name        string     `yaml:"name"`
	Unit        string     `yaml:"unit,omitempty"`
	Fault       string     `yaml:"fault,omitempty"`
	ReturnError bool       `yaml:"return_error,omitempty"`
	Specific    bool       `yaml:"specific,omitempty"`
	Global      bool       `yaml:"global,omitempty"`
	Group       *GroupSpec `yaml:"group,omitempty"`
}

// GroupSpec describes the group the unit of a scenario is created in.
type GroupSpec struct {
	Name   string `yaml:"name"`
	Custom bool   `yaml:"custom,omitempty"`
}

type file struct {
	Scenarios []Scenario `yaml:"scenarios"`
}

// Defaults returns the built-in scenarios: one per precedence level.
func Defaults() []Scenario {
	return []Scenario{
		{
			Name:     "handled_specific",
			Specific: true,
		},
		{
			Name:   "handled_global",
			Global: true,
		},
		{
			Name: "handled_group",
			Group: &GroupSpec{
				Name:   "My Thread Group",
				Custom: true,
			},
		},
		{
			Name: "unhandled",
		},
	}
}

// Expected returns the handler kind the fault of the scenario must be dispatched to.
func (s Scenario) Expected() mgr.HandlerKind {
	switch {
	case s.Specific:
		return mgr.HandlerSpecific
	case s.Group != nil && s.Group.Custom:
		return mgr.HandlerGroup
	case s.Global:
		return mgr.HandlerGlobal
	default:
		return mgr.HandlerDefault
	}
}

func (s Scenario) faultMessage() string {
	if s.Fault == "" {
		return DefaultFault
	}
	return s.Fault
}

// Load reads scenarios in YAML format and validates them.
func Load(r io.Reader) ([]Scenario, error) {
	var f file
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode scenarios: %w", err)
	}

	if err := Validate(f.Scenarios); err != nil {
		return nil, err
	}
	return f.Scenarios, nil
}

// LoadFile reads scenarios from the given YAML file.
func LoadFile(path string) ([]Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scenario file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	return Load(f)
}

// Validate checks all scenarios and reports every problem found.
func Validate(scenarios []Scenario) error {
	var errs *multierror.Error

	if len(scenarios) == 0 {
		errs = multierror.Append(errs, fmt.Errorf("%w: no scenarios defined", ErrInvalidScenario))
	}

	seen := make(map[string]struct{}, len(scenarios))
	for i, s := range scenarios {
		if s.Name == "" {
			errs = multierror.Append(errs, fmt.Errorf("%w: scenario #%d has no name", ErrInvalidScenario, i+1))
			continue
		}
		if _, ok := seen[s.Name]; ok {
			errs = multierror.Append(errs, fmt.Errorf("%w: duplicate scenario name %q", ErrInvalidScenario, s.Name))
		}
		seen[s.Name] = struct{}{}

		if s.Group != nil && s.Group.Name == "" {
			errs = multierror.Append(errs, fmt.Errorf("%w: group of scenario %q has no name", ErrInvalidScenario, s.Name))
		}
	}

	return errs.ErrorOrNil()
}

// Select returns the scenarios with the given names, in the given order.
// No names selects all scenarios.
func Select(scenarios []Scenario, names []string) ([]Scenario, error) {
	if len(names) == 0 {
		return scenarios, nil
	}

	var errs *multierror.Error
	selected := make([]Scenario, 0, len(names))
	for _, name := range names {
		index := slices.IndexFunc(scenarios, func(s Scenario) bool {
			return s.Name == name
		})
		if index < 0 {
			errs = multierror.Append(errs, fmt.Errorf("%w: unknown scenario %q", ErrInvalidScenario, name))
			continue
		}
		selected = append(selected, scenarios[index])
	}

	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return selected, nil
}
