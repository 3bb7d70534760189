package phase

import (
	"encoding/json"
	"fmt"
	"os"
)

// phaseFile mirrors the on-disk phases.json schema: an ordered array
// of phase objects with defaulted optional fields.
type phaseFile struct {
	Number         string                `json:"number"`
	Name           string                `json:"name"`
	Description    string                `json:"description,omitempty"`
	Promise        string                `json:"promise"`
	Budget         int                   `json:"budget,omitempty"`
	DependsOn      []string              `json:"depends_on,omitempty"`
	Skills         []string              `json:"skills,omitempty"`
	PermissionMode PermissionMode        `json:"permission_mode,omitempty"`
	Review         *ReviewConfig         `json:"review,omitempty"`
	Decomposition  *DecompositionConfig  `json:"decomposition,omitempty"`
}

// defaultBudget is applied when phases.json omits the budget field.
const defaultBudget = 8

// LoadFile reads and parses a phases.json file at path, applying field
// defaults, and returns the resulting Phase slice. It does not build the
// graph; call Build separately to validate dependencies and acyclicity.
func LoadFile(path string) ([]Phase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("phase: reading %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes phases.json content into a Phase slice, applying the same
// defaults as LoadFile.
func Parse(data []byte) ([]Phase, error) {
	var raw []phaseFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("phase: decoding phases.json: %w", err)
	}

	phases := make([]Phase, 0, len(raw))
	for i, r := range raw {
		if r.Number == "" {
			return nil, fmt.Errorf("phase: entry %d: number is required", i)
		}
		if r.Promise == "" {
			return nil, fmt.Errorf("phase %q: promise is required", r.Number)
		}
		budget := r.Budget
		if budget == 0 {
			budget = defaultBudget
		}
		mode := r.PermissionMode
		if mode == "" {
			mode = PermissionStandard
		}
		phases = append(phases, Phase{
			Number:         r.Number,
			Name:           r.Name,
			Description:    r.Description,
			PromiseToken:   r.Promise,
			Budget:         budget,
			DependsOn:      r.DependsOn,
			Skills:         r.Skills,
			PermissionMode: mode,
			Review:         r.Review,
			Decomposition:  r.Decomposition,
		})
	}
	return phases, nil
}

// Marshal encodes phases back into the phases.json wire format, mirroring
// the field names and defaults accepted by Parse. Used by the Pipeline
// Bridge and Decomposition Engine to persist generated phase sets.
func Marshal(phases []Phase) ([]byte, error) {
	raw := make([]phaseFile, 0, len(phases))
	for _, p := range phases {
		raw = append(raw, phaseFile{
			Number:         p.Number,
			Name:           p.Name,
			Description:    p.Description,
			Promise:        p.PromiseToken,
			Budget:         p.Budget,
			DependsOn:      p.DependsOn,
			Skills:         p.Skills,
			PermissionMode: p.PermissionMode,
			Review:         p.Review,
			Decomposition:  p.Decomposition,
		})
	}
	return json.MarshalIndent(raw, "", "  ")
}
