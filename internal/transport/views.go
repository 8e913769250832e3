package transport

import (
	"embed"
	"fmt"
	"io"
	"io/fs"
	"sync"

	"github.com/flosch/pongo2/v6"
)

//go:embed views/*.html
var embeddedViews embed.FS

// fallbackView renders any view without a template of its own.
const fallbackView = "generic"

func init() {
	if !pongo2.FilterExists("key") {
		pongo2.RegisterFilter("key", filterKey)
	}
}

// filterKey looks up a map entry by a computed name: {{ row|key:column }}.
func filterKey(in, param *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
	switch m := in.Interface().(type) {
	case map[string]any:
		return pongo2.AsValue(m[param.String()]), nil
	case map[string]string:
		return pongo2.AsValue(m[param.String()]), nil
	}
	return pongo2.AsValue(""), nil
}

// Views renders console pages from pongo2 templates named "<view>.html".
// Compiled templates are cached.
type Views struct {
	files fs.FS
	set   *pongo2.TemplateSet

	mu    sync.RWMutex
	cache map[string]*pongo2.Template
}

// NewViews creates a renderer over files, or over the embedded templates
// when files is nil.
func NewViews(files fs.FS) (*Views, error) {
	if files == nil {
		sub, err := fs.Sub(embeddedViews, "views")
		if err != nil {
			return nil, fmt.Errorf("views: %w", err)
		}
		files = sub
	}
	if _, err := fs.Stat(files, fallbackView+".html"); err != nil {
		return nil, fmt.Errorf("views: missing %s.html: %w", fallbackView, err)
	}
	return &Views{
		files: files,
		set:   pongo2.NewSet("console", pongo2.NewFSLoader(files)),
		cache: make(map[string]*pongo2.Template),
	}, nil
}

// Render executes the template of view into w.
func (v *Views) Render(w io.Writer, view string, data pongo2.Context) error {
	tmpl, err := v.template(view)
	if err != nil {
		return err
	}
	if err := tmpl.ExecuteWriter(data, w); err != nil {
		return fmt.Errorf("views: execute %q: %w", view, err)
	}
	return nil
}

func (v *Views) template(view string) (*pongo2.Template, error) {
	name := view + ".html"
	if _, err := fs.Stat(v.files, name); err != nil {
		name = fallbackView + ".html"
	}

	v.mu.RLock()
	tmpl, ok := v.cache[name]
	v.mu.RUnlock()
	if ok {
		return tmpl, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if tmpl, ok := v.cache[name]; ok {
		return tmpl, nil
	}
	tmpl, err := v.set.FromFile(name)
	if err != nil {
		return nil, fmt.Errorf("views: load %q: %w", name, err)
	}
	v.cache[name] = tmpl
	return tmpl, nil
}
