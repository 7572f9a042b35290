package sources

import (
	"fmt"
	"sort"
	"sync"

	"tiace/internal/domain/models"
	"tiace/pkg/logger"
)

// Registry manages the connector of each feed type
type Registry struct {
	connectors map[models.FeedType]Connector
	mu         sync.RWMutex
	logger     *logger.Logger
}

// NewRegistry creates a new connector registry
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		connectors: make(map[models.FeedType]Connector),
		logger:     log.WithComponent("source-registry"),
	}
}

// Register registers a connector
func (r *Registry) Register(connector Connector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := connector.Type()
	if _, exists := r.connectors[t]; exists {
		return fmt.Errorf("connector already registered: %s", t)
	}

	r.connectors[t] = connector
	r.logger.Debug().Str("type", string(t)).Msg("registered connector")
	return nil
}

// Get returns the connector for a feed type
func (r *Registry) Get(t models.FeedType) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connectors[t]
	return conn, ok
}

// List returns the registered feed types in a stable order
func (r *Registry) List() []models.FeedType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]models.FeedType, 0, len(r.connectors))
	for t := range r.connectors {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Count returns the number of registered connectors
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connectors)
}
