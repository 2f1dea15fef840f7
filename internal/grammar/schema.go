package grammar

import (
	"fmt"

	json "github.com/goccy/go-json"
)

type schemaDef struct {
	typ      string
	enum     []string
	props    []property
	required []string
	items    *schemaDef
	minItems int
	maxItems int // -1 = unbounded
}

type property struct {
	name string
	def  *schemaDef
}

// parseSchema consumes one schema object from the decoder. Token-level
// parsing keeps the declaration order of "properties", which fixes the
// key order the automaton will demand.
func parseSchema(dec *json.Decoder) (*schemaDef, error) {
	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}
	def := &schemaDef{maxItems: -1}
	for dec.More() {
		key, err := stringToken(dec)
		if err != nil {
			return nil, err
		}
		switch key {
		case "type":
			if def.typ, err = stringToken(dec); err != nil {
				return nil, err
			}
		case "enum":
			if def.enum, err = stringArray(dec); err != nil {
				return nil, err
			}
		case "required":
			if def.required, err = stringArray(dec); err != nil {
				return nil, err
			}
		case "properties":
			if err := expectDelim(dec, '{'); err != nil {
				return nil, err
			}
			for dec.More() {
				name, err := stringToken(dec)
				if err != nil {
					return nil, err
				}
				child, err := parseSchema(dec)
				if err != nil {
					return nil, err
				}
				def.props = append(def.props, property{name: name, def: child})
			}
			if err := expectDelim(dec, '}'); err != nil {
				return nil, err
			}
		case "items":
			if def.items, err = parseSchema(dec); err != nil {
				return nil, err
			}
		case "minItems":
			if def.minItems, err = intToken(dec); err != nil {
				return nil, err
			}
		case "maxItems":
			if def.maxItems, err = intToken(dec); err != nil {
				return nil, err
			}
		default:
			if err := skipValue(dec); err != nil {
				return nil, err
			}
		}
	}
	if err := expectDelim(dec, '}'); err != nil {
		return nil, err
	}
	return def, nil
}

func expectDelim(dec *json.Decoder, want rune) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	if d, ok := tok.(json.Delim); !ok || rune(d) != want {
		return fmt.Errorf("%w: expected %q, got %v", ErrSchema, want, tok)
	}
	return nil
}

func stringToken(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSchema, err)
	}
	s, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("%w: expected string, got %v", ErrSchema, tok)
	}
	return s, nil
}

func intToken(dec *json.Decoder) (int, error) {
	tok, err := dec.Token()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	num, ok := tok.(json.Number)
	if !ok {
		return 0, fmt.Errorf("%w: expected number, got %v", ErrSchema, tok)
	}
	v, err := num.Int64()
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: bad count %v", ErrSchema, num)
	}
	return int(v), nil
}

func stringArray(dec *json.Decoder) ([]string, error) {
	if err := expectDelim(dec, '['); err != nil {
		return nil, err
	}
	var out []string
	for dec.More() {
		s, err := stringToken(dec)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := expectDelim(dec, ']'); err != nil {
		return nil, err
	}
	return out, nil
}

func skipValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	d, ok := tok.(json.Delim)
	if !ok {
		return nil
	}
	switch rune(d) {
	case '{':
		for dec.More() {
			if _, err := stringToken(dec); err != nil {
				return err
			}
			if err := skipValue(dec); err != nil {
				return err
			}
		}
		return expectDelim(dec, '}')
	case '[':
		for dec.More() {
			if err := skipValue(dec); err != nil {
				return err
			}
		}
		return expectDelim(dec, ']')
	}
	return nil
}

// compileNode lowers a parsed schema to automaton nodes.
func compileNode(def *schemaDef) (*node, error) {
	if len(def.enum) > 0 {
		opts := make([]string, 0, len(def.enum))
		seen := make(map[string]bool, len(def.enum))
		for _, v := range def.enum {
			if seen[v] {
				return nil, fmt.Errorf("%w: duplicate enum value %q", ErrSchema, v)
			}
			seen[v] = true
			opts = append(opts, quoteJSON(v))
		}
		return &node{kind: nAlt, opts: opts}, nil
	}

	switch def.typ {
	case "object":
		names := make(map[string]bool, len(def.props))
		seq := []*node{litNode("{")}
		for i, p := range def.props {
			if names[p.name] {
				return nil, fmt.Errorf("%w: duplicate property %q", ErrSchema, p.name)
			}
			names[p.name] = true
			if i > 0 {
				seq = append(seq, litNode(","))
			}
			child, err := compileNode(p.def)
			if err != nil {
				return nil, err
			}
			seq = append(seq, litNode(quoteJSON(p.name)), litNode(":"), child)
		}
		for _, r := range def.required {
			if !names[r] {
				return nil, fmt.Errorf("%w: required property %q not declared", ErrSchema, r)
			}
		}
		seq = append(seq, litNode("}"))
		return &node{kind: nSeq, seq: seq}, nil
	case "array":
		if def.items == nil {
			return nil, fmt.Errorf("%w: array without items", ErrSchema)
		}
		item, err := compileNode(def.items)
		if err != nil {
			return nil, err
		}
		if def.maxItems >= 0 && def.minItems > def.maxItems {
			return nil, fmt.Errorf("%w: minItems %d > maxItems %d", ErrSchema, def.minItems, def.maxItems)
		}
		return &node{kind: nArray, item: item, min: def.minItems, max: def.maxItems}, nil
	case "string":
		return &node{kind: nString}, nil
	case "integer":
		return &node{kind: nNumber, intOnly: true}, nil
	case "number":
		return &node{kind: nNumber}, nil
	case "boolean":
		return &node{kind: nAlt, opts: []string{"true", "false"}}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrSchema)
	default:
		return nil, fmt.Errorf("%w: unsupported type %q", ErrSchema, def.typ)
	}
}

func quoteJSON(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
