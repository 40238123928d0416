package connectors

import (
	"fmt"
	"sync"

	"github.com/revlake/revlake-engine/pkg/apperrors"
	"github.com/revlake/revlake-engine/pkg/models"
)

// Info describes a registered connector for UI discovery.
type Info struct {
	Source      models.Source `json:"source"`
	DisplayName string        `json:"display_name"`
	Description string        `json:"description"`
}

// Registration contains info plus the factory for creating the connector.
type Registration struct {
	Info    Info
	Factory func(opts Options) Connector
}

var (
	registryMu sync.RWMutex
	registry   = make(map[models.Source]Registration)
)

// Register is called by each connector package's init() function.
// Thread-safe for concurrent init() calls.
func Register(reg Registration) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[reg.Info.Source] = reg
}

// Registered returns info for all registered connectors.
func Registered() []Info {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]Info, 0, len(registry))
	for _, reg := range registry {
		result = append(result, reg.Info)
	}
	return result
}

// New builds the connector for a source, or ErrConnectorNotRegistered.
func New(source models.Source, opts Options) (Connector, error) {
	registryMu.RLock()
	reg, ok := registry[source]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrConnectorNotRegistered, source)
	}
	return reg.Factory(opts), nil
}
