package supervisor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/orbitalops/fds-service/internal/core/domain"
)

var ErrInvalidDefinition = errors.New("invalid module definition")

type definitionsFile struct {
	Modules []domain.ModuleDefinition `json:"modules"`
}

// LoadDefinitions reads the module definitions file. The file holds either
// a JSON array of definitions or an object with a "modules" array.
func LoadDefinitions(path string) ([]domain.ModuleDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read module definitions: %w", err)
	}
	return ParseDefinitions(raw)
}

// ParseDefinitions decodes and validates definitions. A definition without
// an id gets its 1-based position in the list.
func ParseDefinitions(raw []byte) ([]domain.ModuleDefinition, error) {
	raw = bytes.TrimSpace(raw)
	var defs []domain.ModuleDefinition
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &defs); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
		}
	} else {
		var f definitionsFile
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
		}
		defs = f.Modules
	}

	ids := make(map[uint32]string, len(defs))
	names := make(map[string]struct{}, len(defs))
	for i := range defs {
		d := &defs[i]
		if d.ID == 0 {
			d.ID = uint32(i + 1)
		}
		if d.Kind == "" {
			d.Kind = domain.ModuleExternal
		}
		if err := validateDefinition(*d); err != nil {
			return nil, err
		}
		if other, ok := ids[d.ID]; ok {
			return nil, fmt.Errorf("%w: modules %q and %q share id %d", ErrInvalidDefinition, other, d.Name, d.ID)
		}
		if _, ok := names[d.Name]; ok {
			return nil, fmt.Errorf("%w: duplicate module name %q", ErrInvalidDefinition, d.Name)
		}
		ids[d.ID] = d.Name
		names[d.Name] = struct{}{}
	}

	sort.SliceStable(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs, nil
}

func validateDefinition(d domain.ModuleDefinition) error {
	if d.Name == "" {
		return fmt.Errorf("%w: module %d has no name", ErrInvalidDefinition, d.ID)
	}
	if d.Kind != domain.ModuleInternal && d.Kind != domain.ModuleExternal {
		return fmt.Errorf("%w: module %q has unknown kind %q", ErrInvalidDefinition, d.Name, d.Kind)
	}
	if d.Kind == domain.ModuleExternal && d.Executable == "" {
		return fmt.Errorf("%w: module %q has no executable", ErrInvalidDefinition, d.Name)
	}
	if len(d.MessageCodes) == 0 {
		return fmt.Errorf("%w: module %q declares no message codes", ErrInvalidDefinition, d.Name)
	}
	for _, c := range d.MessageCodes {
		if c == "" {
			return fmt.Errorf("%w: module %q declares an empty message code", ErrInvalidDefinition, d.Name)
		}
		if domain.IsBuiltin(c) {
			return fmt.Errorf("%w: module %q cannot serve built-in code %q", ErrInvalidDefinition, d.Name, c)
		}
	}
	return nil
}
