package lexical

import "encoding/json"

// NewTextDocument builds a document holding a single paragraph with one text
// node, shaped the way the Ghost editor stores a plain paragraph.
func NewTextDocument(text string) Document {
	textNode := Node{
		Text: &text,
		Fields: rawFields(map[string]any{
			"detail":  0,
			"format":  0,
			"mode":    "normal",
			"style":   "",
			"type":    "extended-text",
			"version": 1,
		}),
	}
	paragraph := Node{
		Children: []Node{textNode},
		Fields: rawFields(map[string]any{
			"direction": "ltr",
			"format":    "",
			"indent":    0,
			"type":      "paragraph",
			"version":   1,
		}),
	}
	return Document{
		Root: Node{
			Children: []Node{paragraph},
			Fields: rawFields(map[string]any{
				"direction": "ltr",
				"format":    "",
				"indent":    0,
				"type":      "root",
				"version":   1,
			}),
		},
	}
}

// Texts returns every text leaf in depth-first order.
func Texts(n Node) []string {
	var out []string
	for _, child := range n.Children {
		out = append(out, Texts(child)...)
	}
	if n.Text != nil {
		out = append(out, *n.Text)
	}
	return out
}

func rawFields(values map[string]any) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(values))
	for key, value := range values {
		data, _ := json.Marshal(value)
		out[key] = data
	}
	return out
}
