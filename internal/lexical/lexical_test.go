package lexical

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleBody = `{"root":{"children":[{"children":[{"detail":0,"format":1,"mode":"normal","style":"","text":"Acme Corp is great","type":"extended-text","version":1},{"type":"linebreak","version":1}],"direction":"ltr","format":"","indent":0,"type":"paragraph","version":1},{"children":[{"text":"Contact Acme Corp, or Acme Corp's sister","type":"text"}],"type":"heading","tag":"h2"}],"direction":"ltr","format":"","indent":0,"type":"root","version":1}}`

func TestParseRejectsMalformedDocuments(t *testing.T) {
	cases := map[string]string{
		"not json":           `{"root":`,
		"not an object":      `[1,2]`,
		"missing root":       `{"other":{}}`,
		"null root":          `{"root":null}`,
		"numeric text":       `{"root":{"children":[{"text":12}]}}`,
		"null text":          `{"root":{"text":null}}`,
		"children object":    `{"root":{"children":{"text":"a"}}}`,
		"children null":      `{"root":{"children":null}}`,
		"child not object":   `{"root":{"children":["a"]}}`,
		"deep numeric child": `{"root":{"children":[{"children":[{"text":true}]}]}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(body)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrParse)
		})
	}
}

func TestFindAndReplaceRewritesEveryTextLeaf(t *testing.T) {
	out, changed, err := FindAndReplace(sampleBody, "Acme Corp", "Globex")
	require.NoError(t, err)
	require.True(t, changed)

	doc, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, []string{"Globex is great", "Contact Globex, or Globex's sister"}, Texts(doc.Root))
}

func TestFindAndReplacePreservesOpaqueFields(t *testing.T) {
	out, changed, err := FindAndReplace(sampleBody, "Acme Corp", "Globex")
	require.NoError(t, err)
	require.True(t, changed)

	var before, after map[string]any
	require.NoError(t, json.Unmarshal([]byte(sampleBody), &before))
	require.NoError(t, json.Unmarshal([]byte(out), &after))

	beforeRoot := before["root"].(map[string]any)
	afterRoot := after["root"].(map[string]any)
	assert.Equal(t, beforeRoot["direction"], afterRoot["direction"])

	heading := afterRoot["children"].([]any)[1].(map[string]any)
	assert.Equal(t, "h2", heading["tag"])
	assert.Equal(t, "heading", heading["type"])

	paragraph := afterRoot["children"].([]any)[0].(map[string]any)
	leaf := paragraph["children"].([]any)[0].(map[string]any)
	assert.Equal(t, float64(1), leaf["format"])
	assert.Equal(t, "extended-text", leaf["type"])
	linebreak := paragraph["children"].([]any)[1].(map[string]any)
	_, hasText := linebreak["text"]
	assert.False(t, hasText)
	_, hasChildren := linebreak["children"]
	assert.False(t, hasChildren)
}

func TestFindAndReplaceUnchanged(t *testing.T) {
	out, changed, err := FindAndReplace(sampleBody, "acme corp", "Globex")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.JSONEq(t, sampleBody, out)
}

func TestFindAndReplaceEmptyTarget(t *testing.T) {
	_, changed, err := FindAndReplace(sampleBody, "", "Globex")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestFindAndReplaceRoundTrip(t *testing.T) {
	cases := []struct {
		target      string
		replacement string
	}{
		{"Acme Corp", "Globex"},
		{"Acme", "Initech Holdings"},
		{"great", "fine"},
		{"'", "QUOTE"},
	}
	for _, tc := range cases {
		t.Run(tc.target, func(t *testing.T) {
			forward, changed, err := FindAndReplace(sampleBody, tc.target, tc.replacement)
			require.NoError(t, err)
			require.True(t, changed)
			back, changed, err := FindAndReplace(forward, tc.replacement, tc.target)
			require.NoError(t, err)
			require.True(t, changed)
			assert.JSONEq(t, sampleBody, back)
		})
	}
}

func TestFindAndReplaceRoundTripOverShapes(t *testing.T) {
	cases := map[string]struct {
		body    string
		target  string
		changed bool
	}{
		"deep nesting": {
			body:    `{"root":{"children":[{"children":[{"children":[{"children":[{"text":"deep Acme leaf","type":"text"}],"type":"quote"}],"type":"list"}],"type":"listitem"}],"type":"root"}}`,
			target:  "Acme",
			changed: true,
		},
		"empty children": {
			body:    `{"root":{"children":[{"children":[],"type":"paragraph"},{"text":"Acme","type":"text"}],"type":"root"}}`,
			target:  "Acme",
			changed: true,
		},
		"no text anywhere": {
			body:    `{"root":{"children":[{"type":"linebreak"},{"children":[{"type":"horizontalrule"}],"type":"paragraph"}],"type":"root"}}`,
			target:  "Acme",
			changed: false,
		},
		"several matches in one leaf": {
			body:    `{"root":{"children":[{"text":"AcmeAcme and Acme, Acme!","type":"text"}],"type":"root"}}`,
			target:  "Acme",
			changed: true,
		},
		"text on an inner node": {
			body:    `{"root":{"text":"Acme root","children":[{"text":"child Acme","type":"text"}],"type":"root"}}`,
			target:  "Acme",
			changed: true,
		},
		"match only in opaque field": {
			body:    `{"root":{"children":[{"text":"plain","type":"text","url":"https://acme.example/Acme"}],"type":"root"}}`,
			target:  "Acme",
			changed: false,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assertRoundTrip(t, tc.body, tc.target, "<R>")
			_, changed, err := FindAndReplace(tc.body, tc.target, "<R>")
			require.NoError(t, err)
			assert.Equal(t, tc.changed, changed)
		})
	}
}

func TestFindAndReplaceRoundTripGenerated(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	targets := []string{"a", "ab", "ba", "aa", "b a"}
	for i := range 200 {
		tree := randomNode(rng, 0)
		body, err := json.Marshal(map[string]any{"root": tree, "version": 1})
		require.NoError(t, err)
		target := targets[rng.IntN(len(targets))]

		t.Run(fmt.Sprintf("tree %d", i), func(t *testing.T) {
			assertRoundTrip(t, string(body), target, "<R>")
		})
	}
}

// assertRoundTrip checks that replacing target and then replacing back
// restores the document, and that a change is reported exactly when some
// leaf contains target. replacement must not overlap the document text.
func assertRoundTrip(t *testing.T, body, target, replacement string) {
	t.Helper()
	doc, err := Parse(body)
	require.NoError(t, err)
	wantChanged := false
	for _, text := range allTexts(doc.Root) {
		if strings.Contains(text, target) {
			wantChanged = true
		}
	}

	forward, changed, err := FindAndReplace(body, target, replacement)
	require.NoError(t, err)
	assert.Equal(t, wantChanged, changed, body)

	back, _, err := FindAndReplace(forward, replacement, target)
	require.NoError(t, err)
	assert.JSONEq(t, body, back)
}

func allTexts(n Node) []string {
	var out []string
	if n.Text != nil {
		out = append(out, *n.Text)
	}
	for _, child := range n.Children {
		out = append(out, allTexts(child)...)
	}
	return out
}

func randomNode(rng *rand.Rand, depth int) map[string]any {
	node := map[string]any{"type": "node", "version": 1}
	if rng.IntN(3) > 0 {
		node["format"] = rng.IntN(4)
	}
	if rng.IntN(2) == 0 {
		node["text"] = randomText(rng)
	}
	if depth < 4 && rng.IntN(3) > 0 {
		children := make([]any, 0, 3)
		for range rng.IntN(4) {
			children = append(children, randomNode(rng, depth+1))
		}
		node["children"] = children
	}
	return node
}

func randomText(rng *rand.Rand) string {
	const alphabet = "ab c"
	var b strings.Builder
	for range rng.IntN(12) {
		b.WriteByte(alphabet[rng.IntN(len(alphabet))])
	}
	return b.String()
}

func TestRewriteSharesUnchangedSubtrees(t *testing.T) {
	doc, err := Parse(sampleBody)
	require.NoError(t, err)

	root, changed := Rewrite(doc.Root, "great", "fine")
	require.True(t, changed)

	assert.Equal(t, "Acme Corp is fine", *root.Children[0].Children[0].Text)
	assert.Equal(t, "Acme Corp is great", *doc.Root.Children[0].Children[0].Text)
	assert.Same(t, &doc.Root.Children[1].Children[0], &root.Children[1].Children[0])
}

func TestRewriteLeavesNodesWithoutTextAlone(t *testing.T) {
	node := Node{Children: []Node{}}
	out, changed := Rewrite(node, "a", "b")
	assert.False(t, changed)
	assert.NotNil(t, out.Children)

	data, err := json.Marshal(out)
	require.NoError(t, err)
	assert.JSONEq(t, `{"children":[]}`, string(data))
}

func TestNewTextDocument(t *testing.T) {
	doc := NewTextDocument(`MOCK POST: "quoted" TEST_DATA Acme 1`)
	parsed, err := Parse(doc.String())
	require.NoError(t, err)
	assert.Equal(t, []string{`MOCK POST: "quoted" TEST_DATA Acme 1`}, Texts(parsed.Root))

	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(doc.String()), &raw))
	root := raw["root"].(map[string]any)
	assert.Equal(t, "root", root["type"])
	paragraph := root["children"].([]any)[0].(map[string]any)
	assert.Equal(t, "paragraph", paragraph["type"])
}
