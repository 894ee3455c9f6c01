// Package template renders the pgloader load-script template for one
// database. The template is never modified; each render writes a new file
// into the run's transient directory.
package template

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/ajitpratap0/pgsync/internal/cleanup"
	"github.com/ajitpratap0/pgsync/pkg/errors"
)

// Variable names understood by the load-script template
const (
	VarSourceURI = "SOURCE_URI"
	VarTargetURI = "TARGET_URI"
	VarDBName    = "DB_NAME"
)

var placeholder = regexp.MustCompile(`\{\{([A-Za-z0-9_]+)\}\}`)

// Registrar receives rendered scripts. *cleanup.Manager and *cleanup.Scope
// both satisfy it.
type Registrar interface {
	Register(cleanup.Artifact)
}

// Renderer writes rendered scripts into one directory
type Renderer struct {
	dir       string
	registrar Registrar
}

// NewRenderer creates a renderer writing into dir
func NewRenderer(dir string, registrar Registrar) *Renderer {
	return &Renderer{dir: dir, registrar: registrar}
}

// Render substitutes vars into the template at templatePath and returns the
// path of the rendered script. The file name is derived from the rendered
// content so identical inputs map to the same, byte-identical file.
func (r *Renderer) Render(templatePath string, vars map[string]string) (string, error) {
	raw, err := os.ReadFile(templatePath) //nolint:gosec // G304: template path comes from the plan
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeTemplate, "failed to read template").
			WithDetail("path", templatePath)
	}

	rendered, err := Expand(string(raw), vars)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256([]byte(rendered))
	stem := strings.TrimSuffix(filepath.Base(templatePath), filepath.Ext(templatePath))
	if db := vars[VarDBName]; db != "" {
		stem += "." + db
	}
	out := filepath.Join(r.dir, stem+"."+hex.EncodeToString(sum[:6])+".load")

	if err := os.MkdirAll(r.dir, 0o700); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeTemplate, "failed to create render directory").
			WithDetail("dir", r.dir)
	}
	// Rendered scripts embed credentials.
	if err := os.WriteFile(out, []byte(rendered), 0o600); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeTemplate, "failed to write rendered script").
			WithDetail("path", out)
	}
	if r.registrar != nil {
		r.registrar.Register(cleanup.Artifact{Path: out, Kind: cleanup.KindScript})
	}
	return out, nil
}

// Expand replaces every {{NAME}} token in text. A token naming a variable
// missing from vars is a template error listing every missing name.
func Expand(text string, vars map[string]string) (string, error) {
	missing := map[string]bool{}
	out := placeholder.ReplaceAllStringFunc(text, func(tok string) string {
		name := tok[2 : len(tok)-2]
		v, ok := vars[name]
		if !ok {
			missing[name] = true
			return tok
		}
		return v
	})

	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for n := range missing {
			names = append(names, n)
		}
		sort.Strings(names)
		return "", errors.New(errors.ErrorTypeTemplate, "template references undefined variables").
			WithDetail("variables", strings.Join(names, ","))
	}
	return out, nil
}
