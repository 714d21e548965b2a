package metrics

import (
	"errors"

	vm "github.com/VictoriaMetrics/metrics"
)

// Counter is a counter metric.
type Counter struct {
	*metricBase
	*vm.Counter
}

// NewCounter registers a new counter metric.
func (s *Set) NewCounter(id string, labels map[string]string) (*Counter, error) {
	// Make base.
	base, err := s.newMetricBase(id, labels)
	if err != nil {
		return nil, err
	}

	// Create metric struct and metric in set.
	m := &Counter{
		metricBase: base,
		Counter:    s.set.GetOrCreateCounter(base.LabeledID()),
	}

	// Register metric.
	err = s.register(m)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// GetCounter returns the registered counter with the given ID and labels,
// or registers a new one.
func (s *Set) GetCounter(id string, labels map[string]string) (*Counter, error) {
	c, err := s.NewCounter(id, labels)
	if !errors.Is(err, ErrAlreadyRegistered) {
		return c, err
	}

	base, err := s.newMetricBase(id, labels)
	if err != nil {
		return nil, err
	}

	s.registryLock.RLock()
	defer s.registryLock.RUnlock()

	existing, ok := s.registry[base.LabeledID()].(*Counter)
	if !ok {
		return nil, ErrAlreadyRegistered
	}
	return existing, nil
}

// CurrentValue returns the current counter value.
func (c *Counter) CurrentValue() uint64 {
	return c.Get()
}
