package modelrouter

import (
	"fmt"
	"sync/atomic"
)

// Decision is the result of resolving a client-requested model.
type Decision struct {
	RequestedModel     string // as the client sent it
	AliasResolvedModel string // after alias lookup
	NativeModel        string // after provider lookup, the upstream-facing model id
	Endpoint           string
	AccessKey          string
	ClusterName        string
}

// ErrNoRoute is returned when neither the provider table nor its default
// entry can resolve a model.
type ErrNoRoute struct{ Model string }

func (e *ErrNoRoute) Error() string { return fmt.Sprintf("modelrouter: no route for model %q", e.Model) }

// Router holds a hot-swappable snapshot of the alias table and provider
// table, read by every request and replaced wholesale on reload.
type Router struct {
	snapshot atomic.Pointer[routerSnapshot]
}

type routerSnapshot struct {
	aliases  AliasTable
	provider *Table
}

// NewRouter constructs a Router from an initial provider table and alias
// table. aliases may be nil.
func NewRouter(table *Table, aliases AliasTable) *Router {
	r := &Router{}
	r.snapshot.Store(&routerSnapshot{aliases: aliases, provider: table})
	return r
}

// Reload atomically swaps in a new provider table and alias table.
func (r *Router) Reload(table *Table, aliases AliasTable) {
	r.snapshot.Store(&routerSnapshot{aliases: aliases, provider: table})
}

// Resolve picks the upstream route for a client-requested model: the alias
// target (if any) is looked up in the provider table, falling back to the
// table's default entry with the alias-resolved id as its model. Without a
// match and without a default entry it returns *ErrNoRoute.
func (r *Router) Resolve(requestedModel string) (Decision, error) {
	snap := r.snapshot.Load()
	if snap == nil || snap.provider == nil {
		return Decision{}, &ErrNoRoute{Model: requestedModel}
	}

	aliasResolved := snap.aliases.Resolve(requestedModel)

	entry, ok := snap.provider.Get(aliasResolved)
	if !ok {
		if def, hasDefault := snap.provider.Default(); hasDefault {
			entry = def
			entry.Model = aliasResolved
		} else {
			return Decision{}, &ErrNoRoute{Model: requestedModel}
		}
	}

	return Decision{
		RequestedModel:     requestedModel,
		AliasResolvedModel: aliasResolved,
		NativeModel:        entry.Model,
		Endpoint:           entry.Endpoint,
		AccessKey:          entry.AccessKey,
		ClusterName:        entry.ClusterName,
	}, nil
}
