// Package jsonschema holds the small JSON Schema dialect used by input nodes
// and skill descriptors.
//
// A [Schema] is plain data that round-trips through encoding/json. [Validate]
// checks a decoded JSON value against it, supporting type, required,
// properties, items, enum, numeric and length bounds, pattern,
// additionalProperties and local "#/$defs/<name>" references.
package jsonschema
