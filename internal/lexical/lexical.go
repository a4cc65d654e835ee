// Package lexical reads, rewrites and writes Ghost lexical rich-text documents.
//
// Only the text and children fields of a node are interpreted. Every other
// field is kept as raw JSON and written back unchanged.
package lexical

import (
	"bytes"
	"encoding/json"
	"strings"

	"gitlab.com/tozd/go/errors"
)

var ErrParse = errors.New("invalid lexical document")

// Node is one element of the tree. A nil Children slice means the node has no
// children field at all; an empty non-nil slice is written as [].
type Node struct {
	Text     *string
	Children []Node
	Fields   map[string]json.RawMessage
}

type Document struct {
	Root   Node
	Fields map[string]json.RawMessage
}

func (n *Node) UnmarshalJSON(data []byte) error {
	raw, err := decodeObject(data)
	if err != nil {
		return err
	}
	if value, ok := raw["text"]; ok {
		var text string
		if isNull(value) {
			return errors.Errorf("%w: text must be a string, got null", ErrParse)
		}
		if err := json.Unmarshal(value, &text); err != nil {
			return errors.Errorf("%w: text must be a string", ErrParse)
		}
		n.Text = &text
		delete(raw, "text")
	}
	if value, ok := raw["children"]; ok {
		if isNull(value) || !bytes.HasPrefix(bytes.TrimSpace(value), []byte("[")) {
			return errors.Errorf("%w: children must be an array", ErrParse)
		}
		children := []Node{}
		if err := json.Unmarshal(value, &children); err != nil {
			return err
		}
		n.Children = children
		delete(raw, "children")
	}
	if len(raw) > 0 {
		n.Fields = raw
	}
	return nil
}

func (n Node) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(n.Fields)+2)
	for key, value := range n.Fields {
		out[key] = value
	}
	if n.Text != nil {
		text, err := marshal(*n.Text)
		if err != nil {
			return nil, err
		}
		out["text"] = text
	}
	if n.Children != nil {
		children, err := marshal(n.Children)
		if err != nil {
			return nil, err
		}
		out["children"] = children
	}
	return marshal(out)
}

func (d *Document) UnmarshalJSON(data []byte) error {
	raw, err := decodeObject(data)
	if err != nil {
		return err
	}
	root, ok := raw["root"]
	if !ok {
		return errors.Errorf("%w: missing root", ErrParse)
	}
	if err := json.Unmarshal(root, &d.Root); err != nil {
		return err
	}
	delete(raw, "root")
	if len(raw) > 0 {
		d.Fields = raw
	}
	return nil
}

func (d Document) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(d.Fields)+1)
	for key, value := range d.Fields {
		out[key] = value
	}
	root, err := marshal(d.Root)
	if err != nil {
		return nil, err
	}
	out["root"] = root
	return marshal(out)
}

func (d Document) String() string {
	data, err := d.MarshalJSON()
	if err != nil {
		return ""
	}
	return string(data)
}

func Parse(body string) (Document, error) {
	var doc Document
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		if errors.Is(err, ErrParse) {
			return Document{}, err
		}
		return Document{}, errors.Errorf("%w: %s", ErrParse, err.Error())
	}
	return doc, nil
}

// Rewrite replaces every occurrence of target in the text leaves under n.
// Children are visited before the node's own text. Subtrees that do not
// change are shared with the input rather than copied.
func Rewrite(n Node, target, replacement string) (Node, bool) {
	if target == "" {
		return n, false
	}
	out := n
	changed := false
	if n.Children != nil {
		var children []Node
		for i, child := range n.Children {
			rewritten, childChanged := Rewrite(child, target, replacement)
			if !childChanged {
				continue
			}
			if children == nil {
				children = make([]Node, len(n.Children))
				copy(children, n.Children)
			}
			children[i] = rewritten
			changed = true
		}
		if children != nil {
			out.Children = children
		}
	}
	if n.Text != nil {
		replaced := strings.ReplaceAll(*n.Text, target, replacement)
		if replaced != *n.Text {
			out.Text = &replaced
			changed = true
		}
	}
	return out, changed
}

func FindAndReplace(body, target, replacement string) (string, bool, error) {
	doc, err := Parse(body)
	if err != nil {
		return "", false, err
	}
	root, changed := Rewrite(doc.Root, target, replacement)
	if !changed {
		return body, false, nil
	}
	doc.Root = root
	data, err := doc.MarshalJSON()
	if err != nil {
		return "", false, errors.Errorf("encode lexical document: %w", err)
	}
	return string(data), true, nil
}

func decodeObject(data []byte) (map[string]json.RawMessage, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Errorf("%w: expected an object", ErrParse)
	}
	if raw == nil {
		return nil, errors.Errorf("%w: expected an object, got null", ErrParse)
	}
	return raw, nil
}

// marshal encodes without HTML escaping so text such as "&" is stored as typed.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func isNull(value json.RawMessage) bool {
	return string(bytes.TrimSpace(value)) == "null"
}
