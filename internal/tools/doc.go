// Package tools defines the Tool capability and the catalog sessions call into.
//
// A Tool has a name, a description, a JSON Schema for its arguments, an
// optional set of required token scopes, and an Invoke method. Tools are
// independent values registered into a Catalog:
//
//	catalog := tools.NewCatalog(tools.CatalogConfig{Timeout: 30 * time.Second})
//	err := catalog.Register(tools.Builtins()...)
//
// Catalog.Call validates arguments against the compiled schema before
// invoking the tool. Failures inside a tool come back as *ToolError so the
// session layer can report them without closing the session.
package tools
