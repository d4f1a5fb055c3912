package replicant

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Schema is a fully resolved JSON schema: every $ref inlined, canonicalized,
// digested and compiled. Sum is the only token used on the wire to compare
// schema versions, so the canonical form must be stable across platforms:
// object keys sorted, no whitespace, integral numbers below 1e15 in magnitude
// rendered as integers and all other numbers in shortest 'g' form.
type Schema struct {
	Doc map[string]any
	Sum string

	compiled *jsonschema.Schema
}

// LoadSchema reads a schema file and transitively inlines every $ref against
// files in the same directory. Cyclic refs cannot inline and fail the load.
func LoadSchema(path string) (*Schema, error) {
	dir := filepath.Dir(path)
	file := filepath.Base(path)

	r := &refResolver{
		dir:    dir,
		docs:   map[string]any{},
		active: map[string]bool{},
	}
	doc, err := r.load(file)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSchemaLoadFailed, err)
	}
	resolved, err := r.inline(doc, file)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSchemaLoadFailed, err)
	}
	docMap, ok := resolved.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: schema root is not an object", ErrSchemaLoadFailed)
	}
	return SchemaFromDoc(docMap)
}

// SchemaFromDoc builds a schema from an already resolved document, as
// received in a declare reply.
func SchemaFromDoc(doc map[string]any) (*Schema, error) {
	canon, err := canonicalJson(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSchemaLoadFailed, err)
	}
	sum := sha256.Sum256(canon)

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(canon)); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSchemaLoadFailed, err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSchemaLoadFailed, err)
	}

	return &Schema{
		Doc:      doc,
		Sum:      hex.EncodeToString(sum[:]),
		compiled: compiled,
	}, nil
}

// Validate checks a normalized value tree against the schema.
func (self *Schema) Validate(value any) error {
	if err := self.compiled.Validate(value); err != nil {
		return fmt.Errorf("%w: %s", ErrValueInvalid, err)
	}
	return nil
}

// Defaults synthesizes a default value from the schema: an explicit default
// wins, objects assemble the defaults of their properties, arrays start
// empty.
func (self *Schema) Defaults() any {
	value, _ := schemaDefaults(self.Doc)
	return value
}

func schemaDefaults(schema any) (any, bool) {
	m, ok := schema.(map[string]any)
	if !ok {
		return nil, false
	}
	if d, ok := m["default"]; ok {
		return deepClone(d), true
	}
	switch schemaType(m) {
	case "object":
		out := map[string]any{}
		if props, ok := m["properties"].(map[string]any); ok {
			for key, sub := range props {
				if value, ok := schemaDefaults(sub); ok {
					out[key] = value
				}
			}
		}
		return out, true
	case "array":
		return []any{}, true
	}
	return nil, false
}

func schemaType(m map[string]any) string {
	switch t := m["type"].(type) {
	case string:
		return t
	case []any:
		if 0 < len(t) {
			if s, ok := t[0].(string); ok {
				return s
			}
		}
	}
	return ""
}

type refResolver struct {
	dir    string
	docs   map[string]any
	active map[string]bool
}

func (self *refResolver) load(file string) (any, error) {
	if doc, ok := self.docs[file]; ok {
		return doc, nil
	}
	raw, err := os.ReadFile(filepath.Join(self.dir, file))
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%s: %s", file, err)
	}
	self.docs[file] = doc
	return doc, nil
}

// inline walks the node and replaces every $ref with its resolved target.
// file names the document the node came from, so fragment-only refs resolve
// against the right root.
func (self *refResolver) inline(node any, file string) (any, error) {
	switch n := node.(type) {
	case map[string]any:
		if ref, ok := n["$ref"].(string); ok {
			return self.resolveRef(ref, file)
		}
		for key, child := range n {
			resolved, err := self.inline(child, file)
			if err != nil {
				return nil, err
			}
			n[key] = resolved
		}
		return n, nil
	case []any:
		for i, child := range n {
			resolved, err := self.inline(child, file)
			if err != nil {
				return nil, err
			}
			n[i] = resolved
		}
		return n, nil
	}
	return node, nil
}

func (self *refResolver) resolveRef(ref string, file string) (any, error) {
	targetFile := file
	pointer := ""
	if i := strings.IndexByte(ref, '#'); 0 <= i {
		if 0 < i {
			targetFile = ref[:i]
		}
		pointer = ref[i+1:]
	} else if ref != "" {
		targetFile = ref
	}

	key := targetFile + "#" + pointer
	if self.active[key] {
		return nil, fmt.Errorf("cyclic $ref %s", ref)
	}

	doc, err := self.load(targetFile)
	if err != nil {
		return nil, err
	}
	target, err := jsonPointer(doc, pointer)
	if err != nil {
		return nil, fmt.Errorf("%s: %s", ref, err)
	}

	self.active[key] = true
	resolved, err := self.inline(deepClone(target), targetFile)
	delete(self.active, key)
	return resolved, err
}

func jsonPointer(doc any, pointer string) (any, error) {
	if pointer == "" || pointer == "/" {
		return doc, nil
	}
	if pointer[0] != '/' {
		return nil, fmt.Errorf("bad pointer %q", pointer)
	}
	current := doc
	for _, part := range strings.Split(pointer[1:], "/") {
		part = strings.ReplaceAll(part, "~1", "/")
		part = strings.ReplaceAll(part, "~0", "~")
		switch container := current.(type) {
		case map[string]any:
			child, ok := container[part]
			if !ok {
				return nil, fmt.Errorf("pointer %q not found", pointer)
			}
			current = child
		case []any:
			index, err := strconv.Atoi(part)
			if err != nil || index < 0 || len(container) <= index {
				return nil, fmt.Errorf("pointer %q not found", pointer)
			}
			current = container[index]
		default:
			return nil, fmt.Errorf("pointer %q not found", pointer)
		}
	}
	return current, nil
}

// canonicalJson renders a normalized value in the canonical form the schema
// digest is computed over.
func canonicalJson(value any) ([]byte, error) {
	var out bytes.Buffer
	if err := writeCanonical(&out, value); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func writeCanonical(out *bytes.Buffer, value any) error {
	switch v := value.(type) {
	case nil:
		out.WriteString("null")
	case bool:
		out.WriteString(strconv.FormatBool(v))
	case string:
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		out.Write(b)
	case float64:
		out.WriteString(canonicalNumber(v))
	case json.Number:
		out.WriteString(v.String())
	case map[string]any:
		keys := maps.Keys(v)
		slices.Sort(keys)
		out.WriteByte('{')
		for i, key := range keys {
			if 0 < i {
				out.WriteByte(',')
			}
			b, err := json.Marshal(key)
			if err != nil {
				return err
			}
			out.Write(b)
			out.WriteByte(':')
			if err := writeCanonical(out, v[key]); err != nil {
				return err
			}
		}
		out.WriteByte('}')
	case []any:
		out.WriteByte('[')
		for i, child := range v {
			if 0 < i {
				out.WriteByte(',')
			}
			if err := writeCanonical(out, child); err != nil {
				return err
			}
		}
		out.WriteByte(']')
	default:
		return fmt.Errorf("not canonicalizable: %T", value)
	}
	return nil
}

func canonicalNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
