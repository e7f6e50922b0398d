package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/convo/pkg/schema"
)

const surveyYAML = `
id: survey
name: Survey
version: "2"
nodes:
  - id: start
    kind: trigger
  - id: ask
    kind: wait_reply
    config:
      variable: choice
      prompt: Reply 1 or 2
      mapping:
        1: optionA
        2: optionB
  - id: end
    kind: end
edges:
  - {source: start, target: ask}
  - {source: ask, target: end}
metadata:
  input_schema:
    type: object
`

const greetJSON = `{
  "id": "greet",
  "nodes": [{"id": "start", "kind": "trigger"}, {"id": "end", "kind": "end"}],
  "edges": [{"source": "start", "target": "end"}]
}`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestParse_YAML(t *testing.T) {
	g, err := Parse([]byte(surveyYAML), "survey.yaml")
	require.NoError(t, err)

	assert.Equal(t, "survey", g.ID)
	assert.Equal(t, "2", g.Version)
	require.Len(t, g.Nodes, 3)
	assert.Equal(t, schema.KindWaitReply, g.Nodes[1].Kind)
	assert.JSONEq(t,
		`{"variable":"choice","prompt":"Reply 1 or 2","mapping":{"1":"optionA","2":"optionB"}}`,
		string(g.Nodes[1].Config))
	require.Len(t, g.Edges, 2)
	assert.Equal(t, "ask", g.Edges[0].Target)
	assert.Contains(t, g.Metadata, "input_schema")
}

func TestParse_JSON(t *testing.T) {
	g, err := Parse([]byte(greetJSON), "greet.json")
	require.NoError(t, err)
	assert.Equal(t, "greet", g.ID)
	assert.Len(t, g.Nodes, 2)
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse([]byte("id: [unclosed"), "bad.yml")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.Contains(t, err.Error(), "bad.yml")

	_, err = Parse([]byte(`{"id": 5}`), "bad.json")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "survey.YML", surveyYAML)

	g, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "survey", g.ID)

	_, err = Load(filepath.Join(dir, "missing.json"))
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.yaml", surveyYAML)
	writeFile(t, dir, "a.json", greetJSON)
	writeFile(t, dir, "notes.txt", "not a graph")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.json"), 0o700))

	graphs, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, graphs, 2)
	assert.Equal(t, "greet", graphs[0].ID)
	assert.Equal(t, "survey", graphs[1].ID)
}

func TestLoadDir_DuplicateIDs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "one.json", greetJSON)
	writeFile(t, dir, "two.json", greetJSON)

	_, err := LoadDir(dir)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
}

func TestLoadDir_Missing(t *testing.T) {
	_, err := LoadDir(filepath.Join(t.TempDir(), "nope"))
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestIsGraphFile(t *testing.T) {
	assert.True(t, IsGraphFile("a.yaml"))
	assert.True(t, IsGraphFile("a.JSON"))
	assert.False(t, IsGraphFile("a.toml"))
	assert.False(t, IsGraphFile("yaml"))
}
