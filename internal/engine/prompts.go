package engine

import (
	"fmt"

	"github.com/crewkit/crew/internal/registry"
)

// RegistryPrompts serves node prompts from the work item registry.
func RegistryPrompts(reg *registry.Registry) PromptSource {
	return registryPrompts{reg: reg}
}

type registryPrompts struct {
	reg *registry.Registry
}

func (r registryPrompts) Prompt(nodeID string) (string, error) {
	item, ok := r.reg.Get(nodeID)
	if !ok {
		return "", fmt.Errorf("no work item registered for node %s", nodeID)
	}
	return item.Content, nil
}
