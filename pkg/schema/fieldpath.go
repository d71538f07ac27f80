package schema

import (
	"strings"

	"github.com/leapstack-labs/leaplineage/pkg/core"
)

// SchemaField is one field of a catalog schema aspect.
type SchemaField struct {
	FieldPath      string `json:"fieldPath"`
	NativeDataType string `json:"nativeDataType,omitempty"`
}

// SchemaMetadata is the schema aspect of a dataset as the catalog stores it.
type SchemaMetadata struct {
	Fields []SchemaField `json:"fields"`
}

// defaultFieldType is used when the catalog does not know a field's type.
const defaultFieldType = "str"

// ToSchemaInfo converts a schema aspect into a SchemaInfo keyed by
// simple field paths.
func (m *SchemaMetadata) ToSchemaInfo() core.SchemaInfo {
	info := make(core.SchemaInfo, len(m.Fields))
	for _, f := range m.Fields {
		path := SimpleFieldPath(f.FieldPath)
		if path == "" {
			continue
		}
		typ := f.NativeDataType
		if typ == "" {
			typ = defaultFieldType
		}
		info[path] = typ
	}
	return info
}

// SimpleFieldPath strips the type annotations from a v2 field path, so
// "[version=2.0].[type=struct].address.[type=string].city" becomes
// "address.city". Paths without a version marker are returned unchanged.
func SimpleFieldPath(path string) string {
	if !strings.HasPrefix(path, "[version=2.0]") {
		return path
	}
	parts := strings.Split(path, ".")
	kept := parts[:0]
	for _, p := range parts {
		if p == "" || strings.HasPrefix(p, "[") {
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, ".")
}
