package capability

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/tabula/model"
)

// policyFile maps roles to capabilities. Authenticated lists capabilities
// every signed-in principal holds regardless of role.
type policyFile struct {
	Authenticated []string            `yaml:"authenticated"`
	Roles         map[string][]string `yaml:"roles"`
}

// StaticPolicy resolves capabilities from a role map, optionally loaded
// from a YAML file. It implements model.PolicyEvaluator.
type StaticPolicy struct {
	path string

	mu     sync.RWMutex
	policy policyFile
}

// NewStaticPolicy creates a policy from an in-memory role map.
func NewStaticPolicy(roles map[string][]string, authenticated ...string) *StaticPolicy {
	return &StaticPolicy{policy: policyFile{Authenticated: authenticated, Roles: roles}}
}

// LoadStaticPolicy creates a policy backed by the YAML file at path.
func LoadStaticPolicy(path string) (*StaticPolicy, error) {
	p := &StaticPolicy{path: path}
	if err := p.Sync(); err != nil {
		return nil, err
	}
	return p, nil
}

// ResolveCapabilities returns the union of the capabilities of every role
// of rctx plus the authenticated set.
func (p *StaticPolicy) ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	caps := make(model.CapabilitySet)
	if rctx.Anonymous() {
		return caps, nil
	}
	for _, c := range p.policy.Authenticated {
		caps[c] = true
	}
	for _, role := range rctx.Roles {
		for _, c := range p.policy.Roles[role] {
			caps[c] = true
		}
	}
	return caps, nil
}

// Roles returns the number of roles in the policy.
func (p *StaticPolicy) Roles() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.policy.Roles)
}

// Sync reloads the policy file. A policy built in memory has nothing to
// reload.
func (p *StaticPolicy) Sync() error {
	if p.path == "" {
		return nil
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("capability: reading policy file %s: %w", p.path, err)
	}

	var pf policyFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("capability: parsing policy file %s: %w", p.path, err)
	}

	p.mu.Lock()
	p.policy = pf
	p.mu.Unlock()
	return nil
}
