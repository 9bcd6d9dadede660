package normalize

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DecodePayload resolves a stored payload into a mapping. Strings are decoded
// as a JSON object first, then as a flow-mapping literal such as
// {'motion_detected': True}. Neither path evaluates anything; input that does
// not yield a mapping fails with ErrUnparsablePayload.
func DecodePayload(payload any) (map[string]any, error) {
	switch p := payload.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return p, nil
	case string:
		return decodeString(p)
	case []byte:
		return decodeString(string(p))
	case json.RawMessage:
		return decodeString(string(p))
	}
	return nil, fmt.Errorf("%w: unsupported payload type %T", ErrUnparsablePayload, payload)
}

func decodeString(s string) (map[string]any, error) {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		return nil, fmt.Errorf("%w: not a mapping: %s", ErrUnparsablePayload, describe(trimmed))
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err == nil && obj != nil {
		return obj, nil
	}
	obj, err := decodeLiteral(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparsablePayload, err)
	}
	return obj, nil
}

func decodeLiteral(s string) (map[string]any, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(s), &doc); err != nil {
		return nil, err
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) != 1 {
		return nil, fmt.Errorf("expected a single mapping")
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode || root.Style&yaml.FlowStyle == 0 {
		return nil, fmt.Errorf("expected a flow mapping")
	}
	v, err := literalValue(root, 0)
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

const maxLiteralDepth = 16

// literalNumber is the decimal int/float syntax of a mapping literal; hex,
// underscores, inf and nan are not accepted.
var literalNumber = regexp.MustCompile(`^[-+]?(\d+\.?\d*|\.\d+)([eE][-+]?\d+)?$`)

func quoted(n *yaml.Node) bool {
	return n.Style&(yaml.SingleQuotedStyle|yaml.DoubleQuotedStyle) != 0
}

func literalValue(n *yaml.Node, depth int) (any, error) {
	if depth > maxLiteralDepth {
		return nil, fmt.Errorf("literal nested too deep")
	}
	if n.Anchor != "" || n.Style&yaml.TaggedStyle != 0 {
		return nil, fmt.Errorf("anchors and tags are not allowed at line %d", n.Line)
	}
	switch n.Kind {
	case yaml.MappingNode:
		out := make(map[string]any, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			k := n.Content[i]
			if k.Kind != yaml.ScalarNode || !quoted(k) {
				return nil, fmt.Errorf("mapping keys must be quoted strings, got %q at line %d", k.Value, k.Line)
			}
			v, err := literalValue(n.Content[i+1], depth+1)
			if err != nil {
				return nil, err
			}
			out[k.Value] = v
		}
		return out, nil
	case yaml.SequenceNode:
		out := make([]any, 0, len(n.Content))
		for _, item := range n.Content {
			v, err := literalValue(item, depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case yaml.ScalarNode:
		return literalScalar(n)
	}
	return nil, fmt.Errorf("unsupported literal node at line %d", n.Line)
}

// literalScalar accepts quoted strings, True/False/None and decimal numbers.
// Any other bare word is malformed.
func literalScalar(n *yaml.Node) (any, error) {
	if quoted(n) {
		return n.Value, nil
	}
	switch n.Value {
	case "None":
		return nil, nil
	case "True":
		return true, nil
	case "False":
		return false, nil
	}
	if !literalNumber.MatchString(n.Value) {
		return nil, fmt.Errorf("unquoted value %q at line %d", n.Value, n.Line)
	}
	if i, err := strconv.ParseInt(n.Value, 10, 64); err == nil {
		return i, nil
	}
	f, err := strconv.ParseFloat(n.Value, 64)
	if err != nil {
		return nil, fmt.Errorf("number %q at line %d: %v", n.Value, n.Line, err)
	}
	return f, nil
}
