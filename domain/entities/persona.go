package entities

// Tool is a function the remote model may call.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// PersonaConfig is a named agent profile applied to a realtime session.
type PersonaConfig struct {
	Name         string `json:"name"`
	Instructions string `json:"instructions"`
	Voice        string `json:"voice"`
	Tools        []Tool `json:"tools"`
}

// HasTool reports whether the persona exposes the named function.
func (p PersonaConfig) HasTool(name string) bool {
	for _, t := range p.Tools {
		if t.Name == name {
			return true
		}
	}
	return false
}
