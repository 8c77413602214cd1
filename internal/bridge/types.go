package bridge

// Status is the connection readout exposed on the control surface.
type Status struct {
	Connected      bool              `json:"connected"`
	AgentID        string            `json:"agent_id,omitempty"`
	URL            string            `json:"url"`
	LastObsTick    uint64            `json:"last_obs_tick"`
	CurrentWorldID string            `json:"current_world_id,omitempty"`
	CatalogDigests map[string]string `json:"catalog_digests,omitempty"`
	Catalogs       []string          `json:"catalogs,omitempty"`
	InFlight       int               `json:"in_flight"`
	LastError      string            `json:"last_error,omitempty"`
}
