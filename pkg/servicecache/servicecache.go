// Package servicecache holds the per-serviceID snapshot the dispatcher
// needs while reconciling: the service version and local content path
// currently backing at least one running instance. Entries are rebuilt
// from the reconcile set on every cycle and purged once no instance
// references them, per spec §4: "the service cache never contains a
// service_id with no referencing instance at the end of a reconcile."
//
// Grounded on the per-cycle map rebuild in pkg/scheduler/scheduler.go
// (scheduleGlobalService's nodeContainerMap), adapted from per-node
// container bookkeeping to per-service descriptor bookkeeping.
package servicecache

import (
	"github.com/cuemby/edgelauncher/pkg/model"
)

// Cache is a per-serviceID snapshot of the latest ServiceData known to
// be in use, refcounted by the instances that reference it. It is not
// safe for concurrent use on its own; the dispatcher guards it with the
// same mutex it uses for the instance map (spec §5, "shared-resource
// policy").
type Cache struct {
	entries map[string]*entry
}

type entry struct {
	data model.ServiceData
	refs map[model.InstanceIdent]struct{}
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{entries: make(map[string]*entry)}
}

// Put records data as the current snapshot for its ServiceID and marks
// ident as one of its referencing instances.
func (c *Cache) Put(ident model.InstanceIdent, data model.ServiceData) {
	e, ok := c.entries[data.ServiceID]
	if !ok {
		e = &entry{refs: make(map[model.InstanceIdent]struct{})}
		c.entries[data.ServiceID] = e
	}
	e.data = data
	e.refs[ident] = struct{}{}
}

// Release drops ident's reference to serviceID. It does not remove the
// entry even if that was the last reference; call Purge at the end of
// a cycle to do that in one pass (spec §4 step 3: "After step 6 purge
// service_ids no longer referenced").
func (c *Cache) Release(ident model.InstanceIdent, serviceID string) {
	e, ok := c.entries[serviceID]
	if !ok {
		return
	}
	delete(e.refs, ident)
}

// Get returns the current snapshot for serviceID, if any.
func (c *Cache) Get(serviceID string) (model.ServiceData, bool) {
	e, ok := c.entries[serviceID]
	if !ok {
		return model.ServiceData{}, false
	}
	return e.data, true
}

// Purge removes every entry with no remaining referencing instance,
// returning the serviceIDs it dropped.
func (c *Cache) Purge() []string {
	var dropped []string
	for id, e := range c.entries {
		if len(e.refs) == 0 {
			dropped = append(dropped, id)
			delete(c.entries, id)
		}
	}
	return dropped
}

// ServiceIDs returns the set of serviceIDs currently cached.
func (c *Cache) ServiceIDs() []string {
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	return ids
}

// Len reports the number of cached service entries.
func (c *Cache) Len() int {
	return len(c.entries)
}

// Clone returns a deep copy of c, used to snapshot the cache before a
// reconcile so it can be restored if the cycle aborts on an
// infrastructure error.
func (c *Cache) Clone() *Cache {
	clone := New()
	for id, e := range c.entries {
		ce := &entry{data: e.data, refs: make(map[model.InstanceIdent]struct{}, len(e.refs))}
		for ident := range e.refs {
			ce.refs[ident] = struct{}{}
		}
		clone.entries[id] = ce
	}
	return clone
}
