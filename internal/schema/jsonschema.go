package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"sketch/internal/jsonval"
)

// draft is the JSON Schema dialect the built-in codec emits.
const draft = "https://json-schema.org/draft/2020-12/schema"

func init() {
	RegisterCodec(JSONSchemaCodec{})
}

// JSONSchemaCodec renders a Schema as a JSON Schema document and parses one
// back. Round-tripping yields an Equivalent schema; rendering is
// byte-deterministic because property order follows field declaration order.
type JSONSchemaCodec struct{}

func (JSONSchemaCodec) Name() string { return "json-schema" }

// Render produces a draft 2020-12 document. Nested paths become nested
// "properties"; "[]" segments become array "items".
func (JSONSchemaCodec) Render(s Schema) ([]byte, error) {
	root := newTreeNode()
	for i := range s.Fields {
		if err := root.insert(s.Fields[i].Path, &s.Fields[i]); err != nil {
			return nil, fmt.Errorf("json-schema: %w", err)
		}
	}

	doc := newOrderedMap()
	doc.set("$schema", draft)
	if s.Name != "" {
		doc.set("title", s.Name)
	}
	if s.Description != "" {
		doc.set("description", s.Description)
	}
	doc.set("type", "object")
	props, required := root.renderChildren()
	doc.set("properties", props)
	if len(required) > 0 {
		doc.set("required", required)
	}

	return json.MarshalIndent(doc, "", "  ")
}

// Parse reads a JSON Schema document. Unsupported constructs ($ref, allOf,
// conditional keywords) are reported as item errors and skipped; the rest of
// the document still parses.
func (JSONSchemaCodec) Parse(text []byte) (Schema, []error) {
	doc, err := jsonval.Parse(text)
	if err != nil {
		return Schema{}, []error{fmt.Errorf("json-schema: %w", err)}
	}
	if doc.Kind != jsonval.Object {
		return Schema{}, []error{fmt.Errorf("json-schema: document root is %s, want object", doc.Kind)}
	}

	var s Schema
	var errs []error
	if title, ok := doc.Lookup("title"); ok && title.Kind == jsonval.String {
		s.Name = title.StrVal
	}
	if desc, ok := doc.Lookup("description"); ok && desc.Kind == jsonval.String {
		s.Description = desc.StrVal
	}

	parseObjectNode(doc, "", &s, &errs)
	return s, errs
}

// parseObjectNode walks one object-typed schema node, appending fields for
// each property under the given path prefix.
func parseObjectNode(node jsonval.Value, prefix string, s *Schema, errs *[]error) {
	props, ok := node.Lookup("properties")
	if !ok || props.Kind != jsonval.Object {
		return
	}

	required := make(map[string]bool)
	if req, ok := node.Lookup("required"); ok && req.Kind == jsonval.Array {
		for _, item := range req.Items {
			if item.Kind == jsonval.String {
				required[item.StrVal] = true
			}
		}
	}

	for _, m := range props.Members {
		path := m.Key
		if prefix != "" {
			path = prefix + "." + m.Key
		}
		parsePropertyNode(m.Value, path, required[m.Key], s, errs)
	}
}

func parsePropertyNode(prop jsonval.Value, path string, required bool, s *Schema, errs *[]error) {
	if prop.Kind != jsonval.Object {
		*errs = append(*errs, fmt.Errorf("json-schema: property %q is %s, want object", path, prop.Kind))
		return
	}
	if _, ok := prop.Lookup("$ref"); ok {
		*errs = append(*errs, fmt.Errorf("json-schema: property %q: $ref is not supported", path))
		return
	}

	types := propertyTypes(prop)
	if len(types) == 0 {
		*errs = append(*errs, fmt.Errorf("json-schema: property %q has no type", path))
		return
	}

	f := Field{
		Path:     path,
		Required: required,
	}
	for _, t := range types {
		if t == "null" {
			f.Nullable = true
		}
		f.Types = append(f.Types, t)
	}
	if format, ok := prop.Lookup("format"); ok && format.Kind == jsonval.String {
		f.Format = format.StrVal
	}
	if desc, ok := prop.Lookup("description"); ok && desc.Kind == jsonval.String {
		f.Description = desc.StrVal
	}
	s.Fields = append(s.Fields, f)

	for _, t := range types {
		switch t {
		case "object":
			parseObjectNode(prop, path, s, errs)
		case "array":
			if items, ok := prop.Lookup("items"); ok {
				parsePropertyNode(items, path+ArrayMarker, false, s, errs)
			}
		}
	}
}

// propertyTypes extracts the type union of one property node, flattening a
// oneOf of scalar-typed alternatives.
func propertyTypes(prop jsonval.Value) []string {
	if t, ok := prop.Lookup("type"); ok {
		switch t.Kind {
		case jsonval.String:
			return []string{t.StrVal}
		case jsonval.Array:
			var out []string
			for _, item := range t.Items {
				if item.Kind == jsonval.String {
					out = append(out, item.StrVal)
				}
			}
			return out
		}
	}
	if oneOf, ok := prop.Lookup("oneOf"); ok && oneOf.Kind == jsonval.Array {
		var out []string
		for _, alt := range oneOf.Items {
			if t, ok := alt.Lookup("type"); ok && t.Kind == jsonval.String {
				out = append(out, t.StrVal)
			}
		}
		return out
	}
	return nil
}

//
// Render-side path tree
//

// treeNode is one structural position: either a leaf field or an object
// with ordered children. arrayElem holds the "[]" continuation of a path.
type treeNode struct {
	field     *Field
	order     []string
	children  map[string]*treeNode
	arrayElem *treeNode
}

func newTreeNode() *treeNode {
	return &treeNode{children: make(map[string]*treeNode)}
}

// insert places a field at its path, creating intermediate nodes as needed.
// A path like "items[].sku" traverses items → array element → sku.
func (n *treeNode) insert(path string, f *Field) error {
	node := n
	segments := strings.Split(path, ".")
	for i, seg := range segments {
		arrays := 0
		for strings.HasSuffix(seg, ArrayMarker) {
			seg = strings.TrimSuffix(seg, ArrayMarker)
			arrays++
		}
		if seg == "" {
			return fmt.Errorf("bad path %q", path)
		}

		child, ok := node.children[seg]
		if !ok {
			child = newTreeNode()
			node.children[seg] = child
			node.order = append(node.order, seg)
		}
		node = child

		for a := 0; a < arrays; a++ {
			if node.arrayElem == nil {
				node.arrayElem = newTreeNode()
			}
			node = node.arrayElem
		}

		if i == len(segments)-1 {
			node.field = f
		}
	}
	return nil
}

// renderChildren renders this node's children as a properties map and the
// required-name list, both in declaration order.
func (n *treeNode) renderChildren() (*orderedMap, []string) {
	props := newOrderedMap()
	var required []string
	for _, name := range n.order {
		child := n.children[name]
		props.set(name, child.render())
		if child.field != nil && child.field.Required && !child.field.Nullable {
			required = append(required, name)
		}
	}
	return props, required
}

// render produces the schema object for one node.
func (n *treeNode) render() *orderedMap {
	out := newOrderedMap()

	var types []string
	if n.field != nil {
		types = n.field.Types
	}
	// Paths can imply structure the field list never stated explicitly
	// (a parent created only by insert); infer the missing type.
	if len(types) == 0 {
		if n.arrayElem != nil {
			types = []string{"array"}
		} else if len(n.order) > 0 {
			types = []string{"object"}
		}
	}

	switch len(types) {
	case 0:
		// Unknown: empty schema accepts anything.
	case 1:
		out.set("type", types[0])
	default:
		arr := make([]any, len(types))
		for i, t := range types {
			arr[i] = t
		}
		out.set("type", arr)
	}

	if n.field != nil {
		if n.field.Format != "" {
			out.set("format", n.field.Format)
		}
		if n.field.Description != "" {
			out.set("description", n.field.Description)
		}
		if len(n.field.Examples) > 0 {
			out.set("examples", n.field.Examples)
		}
	}

	if n.arrayElem != nil {
		out.set("items", n.arrayElem.render())
	}
	if len(n.order) > 0 {
		props, required := n.renderChildren()
		out.set("properties", props)
		if len(required) > 0 {
			out.set("required", required)
		}
	}
	return out
}

//
// Order-preserving JSON object
//

// orderedMap marshals its entries in insertion order. encoding/json sorts
// plain maps, which would break declaration-order output.
type orderedMap struct {
	keys []string
	vals map[string]any
}

func newOrderedMap() *orderedMap {
	return &orderedMap{vals: make(map[string]any)}
}

func (m *orderedMap) set(key string, val any) {
	if _, exists := m.vals[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.vals[key] = val
}

func (m *orderedMap) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		b.Write(kb)
		b.WriteByte(':')
		vb, err := json.Marshal(m.vals[k])
		if err != nil {
			return nil, err
		}
		b.Write(vb)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}
