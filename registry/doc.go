// Package registry discovers the gallery's applications from filesystem glob
// patterns and renders them on demand.
//
// Discovery derives each route name from the file name alone, stripped of its
// directory and extension, so the URL namespace is flat. The discovered set is
// validated once at startup and then snapshotted into a Manifest; worker
// processes rebuild their registry from that manifest instead of globbing
// again, which keeps every replica serving an identical route set even while
// files churn on disk.
//
// Three loader kinds are supported. Script files are executed through a
// configured interpreter and their stdout becomes the response body. Jupyter
// notebook files are parsed and rendered to a static HTML document. WASI
// command modules are compiled once and instantiated per request. All three
// re-render on every call; nothing is cached between requests.
package registry
