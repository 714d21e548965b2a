package metrics

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"sync"

	vm "github.com/VictoriaMetrics/metrics"
)

// PrometheusFormatRequirement is required format defined by prometheus for
// metric and label names.
const (
	prometheusBaseFormt         = "[a-zA-Z_][a-zA-Z0-9_]*"
	PrometheusFormatRequirement = "^" + prometheusBaseFormt + "$"
)

var prometheusFormat = regexp.MustCompile(PrometheusFormatRequirement)

// ErrAlreadyRegistered is returned when a metric with the same labeled ID is
// registered again.
var ErrAlreadyRegistered = errors.New("metric already registered")

// Metric represents one or more metrics.
type Metric interface {
	ID() string
	LabeledID() string
}

type metricBase struct {
	Identifier        string
	Labels            map[string]string
	LabeledIdentifier string
}

// Set is a namespaced collection of metrics.
type Set struct {
	namespace    string
	globalLabels map[string]string

	set *vm.Set

	registry     map[string]Metric
	registryLock sync.RWMutex
}

// NewSet returns a new metric set. All metric IDs are prefixed with the
// namespace and all metrics get the global labels, unless they define the
// label themselves.
func NewSet(namespace string, globalLabels map[string]string) (*Set, error) {
	if namespace != "" && !prometheusFormat.MatchString(namespace) {
		return nil, fmt.Errorf("metric namespace %q must match %s", namespace, PrometheusFormatRequirement)
	}
	for labelName := range globalLabels {
		if !prometheusFormat.MatchString(labelName) {
			return nil, fmt.Errorf("metric label name %q must match %s", labelName, PrometheusFormatRequirement)
		}
	}

	return &Set{
		namespace:    namespace,
		globalLabels: globalLabels,
		set:          vm.NewSet(),
		registry:     make(map[string]Metric),
	}, nil
}

func (s *Set) newMetricBase(id string, labels map[string]string) (*metricBase, error) {
	// Check formats.
	if !prometheusFormat.MatchString(strings.ReplaceAll(id, "/", "_")) {
		return nil, fmt.Errorf("metric name %q must match %s", id, PrometheusFormatRequirement)
	}
	for labelName := range labels {
		if !prometheusFormat.MatchString(labelName) {
			return nil, fmt.Errorf("metric label name %q must match %s", labelName, PrometheusFormatRequirement)
		}
	}

	// Copy labels, as global labels are merged in.
	merged := make(map[string]string, len(labels)+len(s.globalLabels))
	for labelName, labelValue := range labels {
		merged[labelName] = labelValue
	}

	base := &metricBase{
		Identifier: id,
		Labels:     merged,
	}
	base.LabeledIdentifier = s.buildLabeledID(base)
	return base, nil
}

// ID returns the given ID of the metric.
func (m *metricBase) ID() string {
	return m.Identifier
}

// LabeledID returns the Prometheus-compatible labeled ID of the metric.
func (m *metricBase) LabeledID() string {
	return m.LabeledIdentifier
}

func (s *Set) buildLabeledID(m *metricBase) string {
	// Build ID from Identifier.
	metricID := strings.TrimSpace(strings.ReplaceAll(m.Identifier, "/", "_"))

	// Add namespace to ID.
	if s.namespace != "" {
		metricID = s.namespace + "_" + metricID
	}

	// Add global labels to the custom ones, if they don't exist yet.
	for labelName, labelValue := range s.globalLabels {
		if _, ok := m.Labels[labelName]; !ok {
			m.Labels[labelName] = labelValue
		}
	}

	// Return now if no labels are defined.
	if len(m.Labels) == 0 {
		return metricID
	}

	// Render labels into a slice and sort them in order to make the labeled ID
	// reproducible.
	labels := make([]string, 0, len(m.Labels))
	for labelName, labelValue := range m.Labels {
		labels = append(labels, fmt.Sprintf("%s=%q", labelName, labelValue))
	}
	sort.Strings(labels)

	return fmt.Sprintf("%s{%s}", metricID, strings.Join(labels, ","))
}

func (s *Set) register(m Metric) error {
	s.registryLock.Lock()
	defer s.registryLock.Unlock()

	if _, ok := s.registry[m.LabeledID()]; ok {
		return ErrAlreadyRegistered
	}
	s.registry[m.LabeledID()] = m
	return nil
}

// WritePrometheus writes all metrics of the set in the prometheus format to the given writer.
func (s *Set) WritePrometheus(w io.Writer) {
	s.set.WritePrometheus(w)
}
