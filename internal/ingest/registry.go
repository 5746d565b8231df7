package ingest

import (
	"strings"

	"github.com/orderpulse/orderpulse/internal/ingest/domain"
)

// Registry resolves the mapper for a partner name.
type Registry struct {
	mappers map[string]domain.Mapper
}

func NewRegistry(mappers ...domain.Mapper) *Registry {
	byName := make(map[string]domain.Mapper, len(mappers))
	for _, mapper := range mappers {
		byName[strings.ToLower(mapper.Partner())] = mapper
	}
	return &Registry{mappers: byName}
}

func (r *Registry) Get(partner string) (domain.Mapper, bool) {
	mapper, ok := r.mappers[strings.ToLower(strings.TrimSpace(partner))]
	return mapper, ok
}

func (r *Registry) Partners() []string {
	names := make([]string, 0, len(r.mappers))
	for name := range r.mappers {
		names = append(names, name)
	}
	return names
}
