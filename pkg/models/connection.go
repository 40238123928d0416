package models

import (
	"time"
)

// Source identifies an external CRM system.
type Source string

const (
	SourceOdoo       Source = "odoo"
	SourceSalesforce Source = "salesforce"
	SourceHubSpot    Source = "hubspot"
	SourceMS365      Source = "ms365"
)

// KnownSources lists every source the engine ships a connector for.
var KnownSources = []Source{SourceOdoo, SourceSalesforce, SourceHubSpot, SourceMS365}

// IsKnownSource reports whether s names a shipped connector.
func IsKnownSource(s Source) bool {
	for _, known := range KnownSources {
		if s == known {
			return true
		}
	}
	return false
}

// Connection represents the stored configuration for one external source.
// Credentials contains secrets (API keys, passwords, client secrets) and is
// encrypted at rest by the service layer; it is never returned to the UI
// unredacted. A connection never auto-expires - re-testing is manual.
type Connection struct {
	ID              int64          `json:"id"`
	Source          Source         `json:"source"`
	InstanceURL     string         `json:"instance_url"`
	Credentials     map[string]any `json:"-"` // Decrypted by the service layer, structure varies by source
	IsConnected     bool           `json:"is_connected"`
	LastConnectedAt *time.Time     `json:"last_connected_at,omitempty"`
	SourceVersion   string         `json:"source_version,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}
