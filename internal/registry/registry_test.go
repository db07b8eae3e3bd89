package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

const simpleTemplate = `{
  "3": {
    "class_type": "KSampler",
    "_meta": {"title": "KSampler"},
    "inputs": {
      "seed": 42,
      "steps": 20,
      "cfg": 7.5,
      "sampler_name": "euler",
      "model": ["4", 0],
      "positive": ["6", 0]
    }
  },
  "4": {
    "class_type": "CheckpointLoaderSimple",
    "inputs": {"ckpt_name": "sd_xl_base.safetensors"}
  },
  "6": {
    "class_type": "CLIPTextEncode",
    "inputs": {"text": "a mountain lake", "clip": ["4", 1]}
  },
  "9": {
    "class_type": "SaveImage",
    "inputs": {"filename_prefix": "out", "images": ["3", 0]}
  }
}`

func writeTemplate(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name+".json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func loadRegistry(t *testing.T, dir string) *Registry {
	t.Helper()
	reg := NewRegistry(dir, arbor.NewLogger())
	require.NoError(t, reg.Load())
	return reg
}

func TestLoad_GeneratesOverrideFile(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "txt2img", simpleTemplate)

	reg := loadRegistry(t, dir)
	assert.Equal(t, []string{"txt2img"}, reg.Names())

	data, err := os.ReadFile(filepath.Join(dir, "txt2img_overrides.json"))
	require.NoError(t, err)

	var file OverrideFile
	require.NoError(t, json.Unmarshal(data, &file))
	assert.Equal(t, "txt2img", file.WorkflowName)
	assert.Contains(t, file.WorkflowHash, "sha256:")

	tpl, err := reg.Get("txt2img")
	require.NoError(t, err)
	assert.Equal(t, tpl.Hash, file.WorkflowHash)
}

func TestLoad_ExtractsParametersSkippingWiring(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "txt2img", simpleTemplate)
	reg := loadRegistry(t, dir)

	tpl, err := reg.Get("txt2img")
	require.NoError(t, err)

	keys := make(map[string]Parameter)
	for _, p := range tpl.Parameters {
		keys[p.Key] = p
	}

	// Wiring inputs (list values) never become parameters
	assert.NotContains(t, keys, "3.model")
	assert.NotContains(t, keys, "3.positive")
	assert.NotContains(t, keys, "6.clip")

	assert.Contains(t, keys, "3.seed")
	assert.Contains(t, keys, "6.text")
	assert.Contains(t, keys, "4.ckpt_name")

	assert.Equal(t, "generation", keys["3.seed"].Category)
	assert.Equal(t, "sampling", keys["3.steps"].Category)
	assert.Equal(t, "sampling", keys["3.cfg"].Category)
	assert.Equal(t, "prompts", keys["6.text"].Category)
	assert.Equal(t, "models", keys["4.ckpt_name"].Category)

	assert.Equal(t, "integer", keys["3.seed"].Type)
	assert.Equal(t, "float", keys["3.cfg"].Type)
	assert.Equal(t, "string", keys["6.text"].Type)
	assert.Equal(t, "KSampler", keys["3.seed"].NodeClass)
	assert.Equal(t, "KSampler", keys["3.seed"].NodeTitle)
}

func TestLoad_HashStableAcrossReloads(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "txt2img", simpleTemplate)

	reg := loadRegistry(t, dir)
	tpl, err := reg.Get("txt2img")
	require.NoError(t, err)
	first := tpl.Hash

	// Reload must accept the generated override file without regenerating
	require.NoError(t, reg.Load())
	tpl, err = reg.Get("txt2img")
	require.NoError(t, err)
	assert.Equal(t, first, tpl.Hash)

	_, err = os.Stat(filepath.Join(dir, "txt2img_overrides.json.bak"))
	assert.True(t, os.IsNotExist(err), "matching override file must not be backed up")
}

func TestLoad_StaleOverridesBackedUpAndRegenerated(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "txt2img", simpleTemplate)
	loadRegistry(t, dir)

	// Change the template; the stored hash no longer matches
	changed := `{"9": {"class_type": "SaveImage", "inputs": {"filename_prefix": "v2"}}}`
	writeTemplate(t, dir, "txt2img", changed)

	reg := loadRegistry(t, dir)
	tpl, err := reg.Get("txt2img")
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "txt2img_overrides.json.bak"))
	assert.NoError(t, err, "stale override file should be preserved as .bak")

	data, err := os.ReadFile(filepath.Join(dir, "txt2img_overrides.json"))
	require.NoError(t, err)
	var file OverrideFile
	require.NoError(t, json.Unmarshal(data, &file))
	assert.Equal(t, tpl.Hash, file.WorkflowHash)
}

func TestLoad_SkipsAmbiguousOutputTemplate(t *testing.T) {
	dir := t.TempDir()
	ambiguous := `{
	  "1": {"class_type": "SaveImage", "inputs": {"filename_prefix": "a"}},
	  "2": {"class_type": "SaveVideo", "inputs": {"filename_prefix": "b"}}
	}`
	writeTemplate(t, dir, "both", ambiguous)
	writeTemplate(t, dir, "good", simpleTemplate)

	reg := loadRegistry(t, dir)
	assert.Equal(t, []string{"good"}, reg.Names())
}

func TestDetectOutput(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "txt2img", simpleTemplate)
	reg := loadRegistry(t, dir)

	tpl, err := reg.Get("txt2img")
	require.NoError(t, err)
	require.NotNil(t, tpl.Output)
	assert.Equal(t, "9", tpl.Output.NodeID)
	assert.Equal(t, "SaveImage", tpl.Output.Class)
	assert.Equal(t, "image", tpl.Output.FileType)
}

func TestApplyOverrides(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "txt2img", simpleTemplate)
	reg := loadRegistry(t, dir)

	bound, err := reg.ApplyOverrides("txt2img", map[string]interface{}{
		"6.text": "a desert at dusk",
		"3.seed": 123,
	})
	require.NoError(t, err)

	node := bound["6"].(map[string]interface{})
	inputs := node["inputs"].(map[string]interface{})
	assert.Equal(t, "a desert at dusk", inputs["text"])

	// The template itself must stay untouched
	tpl, err := reg.Get("txt2img")
	require.NoError(t, err)
	original := tpl.Definition["6"].(map[string]interface{})["inputs"].(map[string]interface{})
	assert.Equal(t, "a mountain lake", original["text"])
}

func TestApplyOverrides_RejectsUnknownKey(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "txt2img", simpleTemplate)
	reg := loadRegistry(t, dir)

	_, err := reg.ApplyOverrides("txt2img", map[string]interface{}{"3.model": "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not overridable")
}

func TestApplyOverrides_FrozenParameter(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "txt2img", simpleTemplate)
	reg := loadRegistry(t, dir)

	// Remove 3.seed from the override file: the operator froze that input
	overridePath := filepath.Join(dir, "txt2img_overrides.json")
	data, err := os.ReadFile(overridePath)
	require.NoError(t, err)
	var file OverrideFile
	require.NoError(t, json.Unmarshal(data, &file))
	kept := file.Parameters[:0]
	for _, p := range file.Parameters {
		if p.Key != "3.seed" {
			kept = append(kept, p)
		}
	}
	file.Parameters = kept
	encoded, err := json.MarshalIndent(file, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(overridePath, encoded, 0644))

	reg = loadRegistry(t, dir)
	_, err = reg.ApplyOverrides("txt2img", map[string]interface{}{"3.seed": 7})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not overridable")
}

func TestCanonicalJSON_KeyOrderIndependent(t *testing.T) {
	var a, b map[string]interface{}
	require.NoError(t, DecodeJSON([]byte(`{"b": 1, "a": {"y": 2.5, "x": "s"}}`), &a))
	require.NoError(t, DecodeJSON([]byte(`{"a": {"x": "s", "y": 2.5}, "b": 1}`), &b))

	ha, err := TemplateHash(a)
	require.NoError(t, err)
	hb, err := TemplateHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestCanonicalJSON_DistinguishesNumberLiterals(t *testing.T) {
	var a, b map[string]interface{}
	require.NoError(t, DecodeJSON([]byte(`{"v": 1}`), &a))
	require.NoError(t, DecodeJSON([]byte(`{"v": 1.0}`), &b))

	ha, err := TemplateHash(a)
	require.NoError(t, err)
	hb, err := TemplateHash(b)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb)
}
