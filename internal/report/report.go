// Package report renders synced tasks into Markdown reports. Templates are
// plain Markdown with {{variable}} placeholders; built-in templates are
// embedded and can be shadowed by <name>.md files in a custom directory.
package report

import (
	"embed"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/valyala/fasttemplate"

	"planesync/backend"
	"planesync/internal/utils"
)

//go:embed templates/*.md
var builtinFS embed.FS

// BuiltinTemplates are the templates shipped with planesync.
var BuiltinTemplates = []string{"ai-context", "brief", "standup", "development"}

// DefaultTemplate is used when no template is named.
const DefaultTemplate = "ai-context"

const (
	startTag = "{{"
	endTag   = "}}"

	missingList  = "No items found"
	missingValue = "N/A"
)

// TemplateInfo describes an available template.
type TemplateInfo struct {
	Name   string `json:"name"`
	Source string `json:"source"` // builtin or custom
	Path   string `json:"path,omitempty"`
}

// Engine loads and renders templates.
type Engine struct {
	dir string
	now func() time.Time
}

// NewEngine creates an engine. Templates in dir shadow the built-in ones;
// an empty or missing dir leaves only the built-ins.
func NewEngine(dir string) *Engine {
	return &Engine{dir: dir, now: time.Now}
}

// Load returns the source of the named template.
func (e *Engine) Load(name string) (string, error) {
	name = strings.TrimSuffix(strings.TrimSpace(name), ".md")
	if name == "" {
		name = DefaultTemplate
	}
	if strings.ContainsAny(name, `/\`) {
		return "", errors.Errorf("invalid template name %q", name)
	}

	if e.dir != "" {
		data, err := os.ReadFile(filepath.Join(e.dir, name+".md"))
		if err == nil {
			return string(data), nil
		}
		if !os.IsNotExist(err) {
			return "", errors.Wrapf(err, "failed to read template %s", name)
		}
	}

	data, err := builtinFS.ReadFile("templates/" + name + ".md")
	if err != nil {
		return "", utils.ErrTemplateNotFound(name, e.names())
	}
	return string(data), nil
}

// List returns every available template sorted by name. A custom template
// with a built-in name is reported once, as custom.
func (e *Engine) List() []TemplateInfo {
	byName := make(map[string]TemplateInfo)
	for _, name := range BuiltinTemplates {
		byName[name] = TemplateInfo{Name: name, Source: "builtin"}
	}
	if e.dir != "" {
		matches, err := filepath.Glob(filepath.Join(e.dir, "*.md"))
		if err != nil {
			utils.Debugf("failed to list templates in %s: %v", e.dir, err)
		}
		for _, path := range matches {
			name := strings.TrimSuffix(filepath.Base(path), ".md")
			byName[name] = TemplateInfo{Name: name, Source: "custom", Path: path}
		}
	}

	out := make([]TemplateInfo, 0, len(byName))
	for _, info := range byName {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (e *Engine) names() []string {
	infos := e.List()
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name
	}
	return names
}

// Render loads the named template and fills it with the variables derived
// from tasks, overlaid with extra.
func (e *Engine) Render(name string, tasks []backend.Task, projectName string, extra map[string]any) (string, error) {
	tpl, err := e.Load(name)
	if err != nil {
		return "", err
	}
	out, err := ReplaceVariables(tpl, e.Variables(tasks, projectName, extra))
	if err != nil {
		return "", errors.Wrapf(err, "template %s", name)
	}
	return out, nil
}

// ReplaceVariables substitutes every {{name}} in tpl. Names missing from vars
// become "No items found" when they end in _tasks or _count and "N/A"
// otherwise. Whitespace inside the braces is ignored.
func ReplaceVariables(tpl string, vars map[string]any) (string, error) {
	return fasttemplate.ExecuteFuncStringWithErr(tpl, startTag, endTag, func(w io.Writer, tag string) (int, error) {
		name := strings.TrimSpace(tag)
		if v, ok := vars[name]; ok {
			return fmt.Fprint(w, v)
		}
		if strings.HasSuffix(name, "_tasks") || strings.HasSuffix(name, "_count") {
			return io.WriteString(w, missingList)
		}
		return io.WriteString(w, missingValue)
	})
}
