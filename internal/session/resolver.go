package session

import "strings"

// Resolver finds the active instance of a session. It holds no state, so
// every call reflects the registry as it is now.
type Resolver struct {
	reg *Registry
}

// NewResolver returns a resolver over reg.
func NewResolver(reg *Registry) Resolver { return Resolver{reg: reg} }

// belongs reports whether inst is part of sessionID. Instances created with
// an explicit id and no session fall back to the id prefix.
func (r Resolver) belongs(inst *Instance, sessionID string) bool {
	if inst.sessionID != "" {
		return inst.sessionID == sessionID
	}
	return strings.HasPrefix(inst.id, sessionID+r.reg.sep)
}

// Instances returns the instances of sessionID sorted by id.
func (r Resolver) Instances(sessionID string) []*Instance {
	var out []*Instance
	for _, inst := range r.reg.All() {
		if r.belongs(inst, sessionID) {
			out = append(out, inst)
		}
	}
	return out
}

// Active returns the most recently updated instance of sessionID. Equal
// timestamps resolve to the one with the greatest id.
func (r Resolver) Active(sessionID string) (*Instance, bool) {
	var best *Instance
	for _, inst := range r.Instances(sessionID) {
		if best == nil || !inst.UpdatedAt().Before(best.UpdatedAt()) {
			best = inst
		}
	}
	return best, best != nil
}
