package kernel

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/dshills/tabflow/params"
)

// specPattern matches module spec files under the registry directory.
const specPattern = "**/*.{yaml,yml}"

type compiled struct {
	spec *Spec
	impl *Impl
	fn   TableFunc
}

type loaded struct {
	module Module
	digest string
}

// Registry resolves module slugs to validated modules. Compiled modules are
// registered in code; process modules are discovered as spec files under a
// directory. A loaded module is cached until its spec file (or executable)
// changes or it is evicted.
type Registry struct {
	kernel *Kernel
	dir    string

	mu       sync.RWMutex
	compiled map[string]compiled
	cache    map[string]loaded
	group    singleflight.Group
}

// NewRegistry creates a registry validating modules with k. dir may be empty
// when every module is compiled in.
func NewRegistry(k *Kernel, dir string) *Registry {
	return &Registry{
		kernel:   k,
		dir:      dir,
		compiled: make(map[string]compiled),
		cache:    make(map[string]loaded),
	}
}

// RegisterBuiltin registers compiled module code under spec.ID.
func (r *Registry) RegisterBuiltin(spec Spec, impl Impl) error {
	spec.Kind = KindBuiltin
	return r.register(spec, compiled{impl: &impl})
}

// RegisterLegacy registers a single-function module under spec.ID.
func (r *Registry) RegisterLegacy(spec Spec, fn TableFunc) error {
	spec.Kind = KindLegacy
	return r.register(spec, compiled{fn: fn})
}

func (r *Registry) register(spec Spec, c compiled) error {
	if spec.ID == "" {
		return errors.New("module spec has no id_name")
	}
	schema, err := params.SchemaFromFields(spec.Parameters)
	if err != nil {
		return fmt.Errorf("module %s: %w", spec.ID, err)
	}
	spec.Schema = schema
	c.spec = &spec

	r.mu.Lock()
	defer r.mu.Unlock()
	r.compiled[spec.ID] = c
	delete(r.cache, spec.ID)
	return nil
}

// Load returns the validated module for slug, loading it on first use or
// when its spec changed. Concurrent loads of one slug share a single load.
// Unknown slugs return ErrModuleNotFound and malformed spec files a
// *StructuralError. Failing to read the module directory is an
// *InfrastructureError.
func (r *Registry) Load(ctx context.Context, slug string) (Module, error) {
	specPath, err := r.locate(slug)
	if err != nil {
		return nil, err
	}
	digest, err := r.digest(slug, specPath)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	cached, ok := r.cache[slug]
	r.mu.RUnlock()
	if ok && cached.digest == digest {
		return cached.module, nil
	}

	v, err, _ := r.group.Do(slug+"\x00"+digest, func() (any, error) {
		m, err := r.build(slug, specPath)
		if err != nil {
			return nil, err
		}
		if err := r.kernel.Validate(ctx, m); err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.cache[slug] = loaded{module: m, digest: digest}
		r.mu.Unlock()
		r.kernel.cfg.logger.Infow("module loaded", "module", slug, "kind", m.Spec().Kind, "digest", shortDigest(digest))
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Module), nil
}

// Evict drops slug from the cache; the next Load reloads and revalidates it.
func (r *Registry) Evict(slug string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, slug)
}

// Slugs lists every module the registry can load, sorted.
func (r *Registry) Slugs() ([]string, error) {
	seen := map[string]bool{}
	r.mu.RLock()
	for id := range r.compiled {
		seen[id] = true
	}
	r.mu.RUnlock()

	files, err := r.specFiles()
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		seen[slugOf(f)] = true
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

func (r *Registry) specFiles() ([]string, error) {
	if r.dir == "" {
		return nil, nil
	}
	files, err := doublestar.Glob(os.DirFS(r.dir), specPattern)
	if err != nil {
		return nil, &InfrastructureError{Op: "load", Cause: err, Detail: "scan module dir " + r.dir}
	}
	sort.Strings(files)
	return files, nil
}

func slugOf(file string) string {
	base := path.Base(file)
	return strings.TrimSuffix(base, path.Ext(base))
}

// locate returns the module spec file for slug, relative to the module dir, or ""
// for a compiled module without one. A spec file takes precedence over
// compiled code registered under the same slug.
func (r *Registry) locate(slug string) (string, error) {
	files, err := r.specFiles()
	if err != nil {
		return "", err
	}
	for _, f := range files {
		if slugOf(f) == slug {
			return f, nil
		}
	}
	r.mu.RLock()
	_, ok := r.compiled[slug]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrModuleNotFound, slug)
	}
	return "", nil
}

// digest identifies the current version of a module: its spec file bytes
// plus, for process modules, the executable's size and mtime.
func (r *Registry) digest(slug, specPath string) (string, error) {
	if specPath == "" {
		return "compiled", nil
	}
	raw, err := fs.ReadFile(os.DirFS(r.dir), specPath)
	if err != nil {
		return "", &InfrastructureError{Op: "load", Module: slug, Cause: err, Detail: "read " + specPath}
	}
	h := sha256.New()
	h.Write(raw)

	var spec Spec
	if err := yaml.Unmarshal(raw, &spec); err == nil && (spec.Kind == KindProcess || spec.Kind == "") && len(spec.Command) > 0 {
		if fi, err := os.Stat(r.resolveCommand(specPath, spec.Command[0])); err == nil {
			fmt.Fprintf(h, "\x00%d\x00%d", fi.Size(), fi.ModTime().UnixNano())
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// resolveCommand makes a relative executable path relative to its spec file.
func (r *Registry) resolveCommand(specPath, cmd string) string {
	if filepath.IsAbs(cmd) || !strings.ContainsRune(cmd, '/') {
		return cmd
	}
	return filepath.Join(r.dir, filepath.Dir(filepath.FromSlash(specPath)), cmd)
}

func (r *Registry) build(slug, specPath string) (Module, error) {
	r.mu.RLock()
	c, isCompiled := r.compiled[slug]
	r.mu.RUnlock()

	if specPath == "" {
		return newCompiled(c), nil
	}

	raw, err := fs.ReadFile(os.DirFS(r.dir), specPath)
	if err != nil {
		return nil, &InfrastructureError{Op: "load", Module: slug, Cause: err, Detail: "read " + specPath}
	}
	spec := &Spec{}
	if err := yaml.Unmarshal(raw, spec); err != nil {
		return nil, &StructuralError{Module: slug, Reason: fmt.Sprintf("parse %s: %v", specPath, err)}
	}
	if spec.ID == "" {
		spec.ID = slug
	}
	if spec.ID != slug {
		return nil, &StructuralError{Module: slug, Reason: fmt.Sprintf("spec file declares id_name %q", spec.ID)}
	}
	schema, err := params.SchemaFromFields(spec.Parameters)
	if err != nil {
		return nil, &StructuralError{Module: slug, Reason: err.Error()}
	}
	spec.Schema = schema
	spec.Path = filepath.Join(r.dir, filepath.FromSlash(specPath))

	switch spec.Kind {
	case KindProcess, "":
		spec.Kind = KindProcess
		if len(spec.Command) > 0 {
			spec.Command = append([]string{r.resolveCommand(specPath, spec.Command[0])}, spec.Command[1:]...)
		}
		return NewProcess(spec), nil
	case KindBuiltin, KindLegacy:
		if !isCompiled || c.spec.Kind != spec.Kind {
			return nil, &StructuralError{Module: slug, Reason: fmt.Sprintf("no compiled %s code registered", spec.Kind)}
		}
		c.spec = spec
		return newCompiled(c), nil
	default:
		return nil, &StructuralError{Module: slug, Reason: fmt.Sprintf("unknown kind %q", spec.Kind)}
	}
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}

func newCompiled(c compiled) Module {
	if c.impl != nil {
		return NewBuiltin(c.spec, *c.impl)
	}
	return NewLegacy(c.spec, c.fn)
}
