package modelrouter

// Alias maps a client-facing model name to the target model actually sent
// upstream, mirroring a configured model_aliases map.
type Alias struct {
	Target string
}

// AliasTable is a snapshot-friendly set of model aliases; nil is valid and
// resolves every model to itself.
type AliasTable map[string]Alias

// Resolve returns the alias target for model, or model unchanged when no
// alias is configured. A nil table is a no-op.
func (t AliasTable) Resolve(model string) string {
	if t == nil {
		return model
	}
	if a, ok := t[model]; ok {
		return a.Target
	}
	return model
}
