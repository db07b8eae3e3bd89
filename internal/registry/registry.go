// -----------------------------------------------------------------------
// Registry - workflow templates and their hash-locked override files
// -----------------------------------------------------------------------

package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
)

// ErrAmbiguousOutput means a template has more than one terminal save node,
// so the registry cannot decide which file is the job's output.
var ErrAmbiguousOutput = errors.New("template has more than one output node")

// outputClasses maps save-node class types to the file type they produce
var outputClasses = map[string]string{
	"SaveImage":        "image",
	"PreviewImage":     "image",
	"SaveAnimatedWEBP": "image",
	"SaveVideo":        "video",
	"VHS_VideoCombine": "video",
}

// Parameter is one overridable input, keyed "<node_id>.<input_key>"
type Parameter struct {
	Key          string      `json:"key"`
	NodeID       string      `json:"node_id"`
	InputKey     string      `json:"input_key"`
	DefaultValue interface{} `json:"default_value"`
	Type         string      `json:"type"`
	NodeClass    string      `json:"node_class"`
	NodeTitle    string      `json:"node_title,omitempty"`
	Description  string      `json:"description,omitempty"`
	Category     string      `json:"category"`
}

// OverrideFile is the on-disk mutability contract for one template. Deleting
// a parameter entry freezes that input; the hash pins the file to one exact
// template revision.
type OverrideFile struct {
	WorkflowHash string      `json:"workflow_hash"`
	GeneratedAt  string      `json:"generated_at"`
	WorkflowName string      `json:"workflow_name"`
	Description  string      `json:"description,omitempty"`
	Parameters   []Parameter `json:"parameters"`
}

// OutputNode identifies the template's single save node, if any
type OutputNode struct {
	NodeID   string `json:"node_id"`
	Class    string `json:"class"`
	FileType string `json:"file_type"`
}

// Template is a loaded workflow definition with its override contract
type Template struct {
	Name       string
	Path       string
	Hash       string
	Definition map[string]interface{}
	Parameters []Parameter
	Output     *OutputNode

	paramIndex map[string]Parameter
}

// Registry scans a directory of workflow templates on startup and serves
// parameter binding for job submission.
type Registry struct {
	mu        sync.RWMutex
	dir       string
	templates map[string]*Template
	logger    arbor.ILogger
}

// NewRegistry creates a registry over the given templates directory
func NewRegistry(dir string, logger arbor.ILogger) *Registry {
	return &Registry{
		dir:       dir,
		templates: make(map[string]*Template),
		logger:    logger,
	}
}

// Load scans the directory and processes every template. A template that
// fails to load is skipped with a warning; an ambiguous output is a hard
// refusal for that template.
func (r *Registry) Load() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("failed to read templates directory %s: %w", r.dir, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates = make(map[string]*Template)

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, "_overrides.json") {
			continue
		}
		templateName := strings.TrimSuffix(name, ".json")
		tpl, err := r.processTemplate(templateName, filepath.Join(r.dir, name))
		if err != nil {
			r.logger.Warn().Err(err).Str("template", templateName).Msg("Skipping template")
			continue
		}
		r.templates[templateName] = tpl
		r.logger.Info().
			Str("template", templateName).
			Int("parameters", len(tpl.Parameters)).
			Msg("Template loaded")
	}
	return nil
}

// Names lists the loaded template names sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns a loaded template by name
func (r *Registry) Get(name string) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tpl, ok := r.templates[name]
	if !ok {
		return nil, fmt.Errorf("unknown workflow template: %s", name)
	}
	return tpl, nil
}

// ApplyOverrides binds parameter values into a deep copy of the template.
// Keys absent from the override contract are rejected as not overridable.
func (r *Registry) ApplyOverrides(name string, overrides map[string]interface{}) (map[string]interface{}, error) {
	tpl, err := r.Get(name)
	if err != nil {
		return nil, err
	}

	bound, err := deepCopy(tpl.Definition)
	if err != nil {
		return nil, fmt.Errorf("failed to copy template: %w", err)
	}

	for key, value := range overrides {
		param, ok := tpl.paramIndex[key]
		if !ok {
			return nil, fmt.Errorf("parameter %q is not overridable in template %s", key, name)
		}
		node, ok := bound[param.NodeID].(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("template %s node %s is malformed", name, param.NodeID)
		}
		inputs, ok := node["inputs"].(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("template %s node %s has no inputs", name, param.NodeID)
		}
		inputs[param.InputKey] = value
	}
	return bound, nil
}

// processTemplate loads one template, reconciles its override file and
// detects the output node.
func (r *Registry) processTemplate(name, path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template: %w", err)
	}
	var definition map[string]interface{}
	if err := DecodeJSON(data, &definition); err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}

	hash, err := TemplateHash(definition)
	if err != nil {
		return nil, fmt.Errorf("failed to hash template: %w", err)
	}

	output, err := detectOutput(definition)
	if err != nil {
		return nil, err
	}

	params, err := r.loadOrGenerateOverrides(name, path, hash, definition)
	if err != nil {
		return nil, err
	}

	index := make(map[string]Parameter, len(params))
	for _, p := range params {
		index[p.Key] = p
	}

	return &Template{
		Name:       name,
		Path:       path,
		Hash:       hash,
		Definition: definition,
		Parameters: params,
		Output:     output,
		paramIndex: index,
	}, nil
}

// loadOrGenerateOverrides honours an override file whose hash still matches;
// a stale file is backed up to .bak and regenerated, since a template change
// voids the curated contract. The backup keeps user edits inspectable.
func (r *Registry) loadOrGenerateOverrides(name, templatePath, hash string, definition map[string]interface{}) ([]Parameter, error) {
	overridePath := strings.TrimSuffix(templatePath, ".json") + "_overrides.json"

	if data, err := os.ReadFile(overridePath); err == nil {
		var file OverrideFile
		if err := json.Unmarshal(data, &file); err == nil && file.WorkflowHash == hash {
			return file.Parameters, nil
		}
		backupPath := overridePath + ".bak"
		if err := os.Rename(overridePath, backupPath); err != nil {
			return nil, fmt.Errorf("failed to back up stale override file: %w", err)
		}
		r.logger.Warn().
			Str("template", name).
			Str("backup", backupPath).
			Msg("Override file stale, backed up and regenerating")
	}

	params := extractParameters(definition)
	file := OverrideFile{
		WorkflowHash: hash,
		GeneratedAt:  time.Now().UTC().Format(time.RFC3339),
		WorkflowName: name,
		Parameters:   params,
	}
	encoded, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode override file: %w", err)
	}
	if err := os.WriteFile(overridePath, encoded, 0644); err != nil {
		return nil, fmt.Errorf("failed to write override file: %w", err)
	}
	return params, nil
}

// extractParameters emits one entry for every input whose value is not a
// list; list values are node-to-node wiring and never overridable.
func extractParameters(definition map[string]interface{}) []Parameter {
	nodeIDs := make([]string, 0, len(definition))
	for id := range definition {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)

	var params []Parameter
	for _, nodeID := range nodeIDs {
		node, ok := definition[nodeID].(map[string]interface{})
		if !ok {
			continue
		}
		classType, _ := node["class_type"].(string)
		title := nodeTitle(node)
		inputs, ok := node["inputs"].(map[string]interface{})
		if !ok {
			continue
		}

		inputKeys := make([]string, 0, len(inputs))
		for key := range inputs {
			inputKeys = append(inputKeys, key)
		}
		sort.Strings(inputKeys)

		for _, inputKey := range inputKeys {
			value := inputs[inputKey]
			if _, isWiring := value.([]interface{}); isWiring {
				continue
			}
			params = append(params, Parameter{
				Key:          nodeID + "." + inputKey,
				NodeID:       nodeID,
				InputKey:     inputKey,
				DefaultValue: value,
				Type:         valueType(value),
				NodeClass:    classType,
				NodeTitle:    title,
				Category:     deriveCategory(inputKey),
			})
		}
	}
	return params
}

// detectOutput finds the template's single save node. Terminal nodes are
// those whose id never appears as the first element of a list-valued input.
func detectOutput(definition map[string]interface{}) (*OutputNode, error) {
	referenced := make(map[string]bool)
	for _, raw := range definition {
		node, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		inputs, ok := node["inputs"].(map[string]interface{})
		if !ok {
			continue
		}
		for _, value := range inputs {
			wiring, ok := value.([]interface{})
			if !ok || len(wiring) == 0 {
				continue
			}
			if sourceID, ok := wiring[0].(string); ok {
				referenced[sourceID] = true
			}
		}
	}

	var outputs []OutputNode
	for nodeID, raw := range definition {
		if referenced[nodeID] {
			continue
		}
		node, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		classType, _ := node["class_type"].(string)
		fileType, ok := outputClasses[classType]
		if !ok {
			continue
		}
		outputs = append(outputs, OutputNode{NodeID: nodeID, Class: classType, FileType: fileType})
	}

	switch len(outputs) {
	case 0:
		return nil, nil
	case 1:
		return &outputs[0], nil
	default:
		return nil, ErrAmbiguousOutput
	}
}

// deriveCategory buckets a parameter by its input key name
func deriveCategory(key string) string {
	k := strings.ToLower(key)
	switch {
	case strings.Contains(k, "text") || strings.Contains(k, "prompt"):
		return "prompts"
	case k == "width" || k == "height" || k == "length" || k == "batch_size":
		return "dimensions"
	case strings.Contains(k, "seed"):
		return "generation"
	case k == "steps" || k == "cfg" || k == "denoise" || k == "sampler_name" || k == "scheduler":
		return "sampling"
	case strings.Contains(k, "fps") || strings.Contains(k, "frame") || strings.Contains(k, "duration"):
		return "video"
	case strings.Contains(k, "image") || strings.Contains(k, "video"):
		return "media"
	case strings.Contains(k, "model") || strings.Contains(k, "lora") || strings.Contains(k, "vae"):
		return "models"
	default:
		return "other"
	}
}

// valueType names a JSON scalar for the override file
func valueType(v interface{}) string {
	switch val := v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case json.Number:
		if _, err := val.Int64(); err == nil {
			return "integer"
		}
		return "float"
	case float64:
		return "float"
	default:
		return "string"
	}
}

func nodeTitle(node map[string]interface{}) string {
	meta, ok := node["_meta"].(map[string]interface{})
	if !ok {
		return ""
	}
	title, _ := meta["title"].(string)
	return title
}

// deepCopy clones a decoded JSON document preserving number literals
func deepCopy(doc map[string]interface{}) (map[string]interface{}, error) {
	encoded, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := DecodeJSON(encoded, &out); err != nil {
		return nil, err
	}
	return out, nil
}
