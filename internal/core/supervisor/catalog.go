package supervisor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/orbitalops/fds-service/internal/core/domain"
)

const (
	CatalogModuleName = "catalog"
	CodeGetModuleList = "get_module_list"
)

// CatalogDefinition is the Internal definition served by Catalog.
func CatalogDefinition(id uint32) domain.ModuleDefinition {
	return domain.ModuleDefinition{
		ID:           id,
		Name:         CatalogModuleName,
		Description:  "Lists the modules registered with this service.",
		Kind:         domain.ModuleInternal,
		MessageCodes: []string{CodeGetModuleList},
		Outputs: []domain.Variable{
			{Name: "modules", Type: "array"},
		},
	}
}

// WithCatalog appends the catalog definition when no definition already
// serves get_module_list. The new id follows the highest existing one.
func WithCatalog(defs []domain.ModuleDefinition) []domain.ModuleDefinition {
	var maxID uint32
	for _, d := range defs {
		if d.Handles(CodeGetModuleList) {
			return defs
		}
		if d.ID > maxID {
			maxID = d.ID
		}
	}
	return append(defs, CatalogDefinition(maxID+1))
}

// CatalogEntry describes one module in a get_module_list reply.
type CatalogEntry struct {
	ModuleID     uint32               `json:"module_id"`
	Name         string               `json:"name"`
	Description  string               `json:"description"`
	Kind         domain.ModuleKind    `json:"kind"`
	MessageCodes []string             `json:"message_codes"`
	Inputs       []domain.Variable    `json:"inputs"`
	Outputs      []domain.Variable    `json:"outputs"`
	State        domain.InstanceState `json:"state"`
}

// ModuleLister exposes what the catalog reports.
type ModuleLister interface {
	Definitions() []domain.ModuleDefinition
	Instances() []domain.InstanceInfo
}

// Catalog answers get_module_list in-process.
type Catalog struct {
	lister ModuleLister
}

func NewCatalog() *Catalog {
	return &Catalog{}
}

// Bind attaches the lister. The supervisor is built after its internal
// modules, so the catalog is bound once the supervisor exists.
func (c *Catalog) Bind(lister ModuleLister) {
	c.lister = lister
}

func (c *Catalog) Handle(_ context.Context, _ domain.ModuleDefinition, frame []byte) ([]byte, error) {
	var hdr frameHeader
	if err := json.Unmarshal(frame, &hdr); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if hdr.MsgCode != CodeGetModuleList {
		return nil, fmt.Errorf("%w: catalog cannot serve %q", domain.ErrHandlerNotFound, hdr.MsgCode)
	}
	if c.lister == nil {
		return nil, fmt.Errorf("%w: catalog not bound", domain.ErrModuleUnavailable)
	}

	states := make(map[uint32]domain.InstanceState)
	for _, inst := range c.lister.Instances() {
		states[inst.ModuleID] = inst.State
	}
	defs := c.lister.Definitions()
	entries := make([]CatalogEntry, 0, len(defs))
	for _, d := range defs {
		entries = append(entries, CatalogEntry{
			ModuleID:     d.ID,
			Name:         d.Name,
			Description:  d.Description,
			Kind:         d.Kind,
			MessageCodes: d.MessageCodes,
			Inputs:       d.Inputs,
			Outputs:      d.Outputs,
			State:        states[d.ID],
		})
	}

	result, err := json.Marshal(map[string]any{"modules": entries})
	if err != nil {
		return nil, err
	}
	return json.Marshal(domain.RestResponse{
		MsgID:   hdr.MsgID,
		MsgCode: domain.ResponseCode(CodeGetModuleList),
		Status:  200,
		Result:  result,
	})
}
