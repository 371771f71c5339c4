package workflow

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Source indicates where a pipeline template originated from.
type Source int

const (
	// SourceBuiltIn indicates a template bundled with the application.
	SourceBuiltIn Source = iota
	// SourceUser indicates a template from the user's configuration directory.
	SourceUser
)

// String returns a human-readable representation of the Source.
func (s Source) String() string {
	switch s {
	case SourceBuiltIn:
		return "built-in"
	case SourceUser:
		return "user"
	default:
		return "unknown"
	}
}

// TaskSpec defines one step of a pipeline template: which agent performs it
// and its step-specific configuration. Sequence order is derived from list
// position at workflow creation time.
type TaskSpec struct {
	Agent  string         `yaml:"agent"`
	Input  map[string]any `yaml:"input,omitempty"`
	Config map[string]any `yaml:"config,omitempty"`
}

// Template is a reusable pipeline definition that can be instantiated as a
// workflow execution with its ordered agent tasks.
type Template struct {
	// ID is derived from the filename (e.g. "tender-review" from
	// "tender-review.yaml").
	ID string

	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Config      map[string]any `yaml:"config,omitempty"`
	Tasks       []TaskSpec     `yaml:"tasks"`

	// Source indicates whether this is a built-in or user-defined template.
	Source Source

	// FilePath is the absolute path for user templates (empty for built-in).
	FilePath string
}

// Validate checks that the template defines a usable pipeline.
func (t *Template) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("template %s: name is required", t.ID)
	}
	if len(t.Tasks) == 0 {
		return fmt.Errorf("template %s: at least one task is required", t.ID)
	}
	for i, spec := range t.Tasks {
		if spec.Agent == "" {
			return fmt.Errorf("template %s: task %d has no agent", t.ID, i)
		}
	}
	return nil
}

// LoadBuiltinTemplates loads all built-in pipeline templates from the
// embedded filesystem.
func LoadBuiltinTemplates() ([]Template, error) {
	return loadTemplatesFromFS(builtinTemplates, "templates", SourceBuiltIn)
}

// LoadUserTemplates loads templates from the user's template directory.
// A missing directory is not an error: it returns an empty slice.
func LoadUserTemplates(dir string) ([]Template, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}
	return loadTemplatesFromFS(os.DirFS(dir), ".", SourceUser)
}

// loadTemplatesFromFS loads pipeline templates from a filesystem at the
// given directory path. Files with invalid YAML are skipped.
func loadTemplatesFromFS(fsys fs.FS, dir string, source Source) ([]Template, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("reading template directory: %w", err)
	}

	var templates []Template
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}

		// Use path.Join (not filepath.Join) for embedded filesystems which always use forward slashes
		fsPath := path.Join(dir, name)
		content, err := fs.ReadFile(fsys, fsPath)
		if err != nil {
			return nil, fmt.Errorf("reading template file %s: %w", fsPath, err)
		}

		tmpl, err := parseTemplate(content, name, source)
		if err != nil {
			// Skip templates with invalid definitions rather than failing the load
			continue
		}

		templates = append(templates, tmpl)
	}

	sort.Slice(templates, func(i, j int) bool { return templates[i].ID < templates[j].ID })
	return templates, nil
}

// parseTemplate decodes a single YAML template file. The template ID is the
// filename without its extension.
func parseTemplate(content []byte, filename string, source Source) (Template, error) {
	var tmpl Template
	if err := yaml.Unmarshal(content, &tmpl); err != nil {
		return Template{}, fmt.Errorf("parsing template %s: %w", filename, err)
	}

	tmpl.ID = strings.TrimSuffix(strings.TrimSuffix(filename, ".yaml"), ".yml")
	tmpl.Source = source

	if err := tmpl.Validate(); err != nil {
		return Template{}, err
	}
	return tmpl, nil
}
