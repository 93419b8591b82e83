// ABOUTME: Tool catalog mapping agent tool names to display names and categories
// ABOUTME: Built-in entries can be overridden or extended from a TOML file

package translator

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// ToolInfo is how a tool is presented to the client.
type ToolInfo struct {
	Display  string `toml:"display"`
	Category string `toml:"category"`
}

// Catalog maps tool function names to their presentation.
type Catalog map[string]ToolInfo

// DefaultCatalog returns the built-in knowledge-base search tools.
func DefaultCatalog() Catalog {
	return Catalog{
		"search_document_db":  {Display: "literature library", Category: "domestic"},
		"search_guideline_db": {Display: "clinical guidelines", Category: "international"},
		"search_personal_db":  {Display: "personal knowledge base", Category: "personal"},
	}
}

// Lookup returns the entry for name. Unknown tools are shown under their
// raw name with no category.
func (c Catalog) Lookup(name string) ToolInfo {
	if info, ok := c[name]; ok {
		if info.Display == "" {
			info.Display = name
		}
		return info
	}
	return ToolInfo{Display: name}
}

// catalogFile is the on-disk layout:
//
//	[tools.search_document_db]
//	display = "literature library"
//	category = "domestic"
type catalogFile struct {
	Tools map[string]ToolInfo `toml:"tools"`
}

// LoadToolCatalog reads a TOML catalog and layers it over the defaults.
// An empty path returns the defaults.
func LoadToolCatalog(path string) (Catalog, error) {
	catalog := DefaultCatalog()
	if path == "" {
		return catalog, nil
	}

	var file catalogFile
	md, err := toml.DecodeFile(path, &file)
	if err != nil {
		return nil, fmt.Errorf("reading tool catalog %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("tool catalog %s: unknown keys %v", path, undecoded)
	}

	for name, info := range file.Tools {
		catalog[name] = info
	}
	return catalog, nil
}
