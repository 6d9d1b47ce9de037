package types

// FetchResult is the transformed view of a module: the local files it depends on.
type FetchResult struct {
	ID      string   `json:"id"`
	Package string   `json:"package,omitempty"`
	Imports []string `json:"imports,omitempty"`
	Deps    []string `json:"deps,omitempty"`
}

// ResolveResult is the outcome of resolving an import from an importer
type ResolveResult struct {
	ID       string `json:"id"`
	External bool   `json:"external"`
}
