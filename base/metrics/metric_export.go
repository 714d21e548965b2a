package metrics

// UIntMetric is an interface for special functions of uint metrics.
type UIntMetric interface {
	CurrentValue() uint64
}

// ExportValues exports the values of all supported metrics by their labeled ID.
func (s *Set) ExportValues() map[string]uint64 {
	s.registryLock.RLock()
	defer s.registryLock.RUnlock()

	export := make(map[string]uint64, len(s.registry))
	for labeledID, metric := range s.registry {
		if uintMetric, ok := metric.(UIntMetric); ok {
			export[labeledID] = uintMetric.CurrentValue()
		}
	}

	return export
}
