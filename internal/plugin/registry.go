// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Error codes for registry construction failures.
const (
	CodeInvalidPath     = "INVALID_MODULE_PATH"
	CodeModuleLoad      = "MODULE_LOAD_FAILED"
	CodeDuplicateModule = "DUPLICATE_MODULE"
	CodeRuntimeCreate   = "RUNTIME_CREATE_FAILED"
)

// Source records a module file that contributed to a generation.
type Source struct {
	Path    string
	Module  string
	ModTime time.Time
}

// Registry is one immutable generation of loaded modules together with the
// runtimes they execute in. Module order is scan order and defines dispatch
// priority.
type Registry struct {
	generation ulid.ULID
	builtAt    time.Time
	modules    []Module
	runtimes   []Runtime
	sources    []Source
	paths      []string
	matchers   []extMatcher
}

// NewRegistry wraps already constructed modules in a registry. It owns no
// runtimes; Close is a no-op.
func NewRegistry(modules ...Module) *Registry {
	return &Registry{
		generation: ulid.Make(),
		builtAt:    time.Now(),
		modules:    slices.Clone(modules),
	}
}

// Generation identifies this registry.
func (r *Registry) Generation() ulid.ULID {
	return r.generation
}

// BuiltAt returns when the generation was built.
func (r *Registry) BuiltAt() time.Time {
	return r.builtAt
}

// Modules returns the modules in dispatch order.
func (r *Registry) Modules() []Module {
	return slices.Clone(r.modules)
}

// Names returns the module names in dispatch order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.modules))
	for i, m := range r.modules {
		names[i] = m.Name()
	}
	return names
}

// Lookup finds a module by exact name.
func (r *Registry) Lookup(name string) (Module, bool) {
	for _, m := range r.modules {
		if m.Name() == name {
			return m, true
		}
	}
	return nil, false
}

// Len returns the number of modules.
func (r *Registry) Len() int {
	return len(r.modules)
}

// Sources returns the files this generation was built from.
func (r *Registry) Sources() []Source {
	return slices.Clone(r.sources)
}

// Changed reports whether the recognised files on disk differ from the ones
// this generation was built from (added, removed, or modified).
func (r *Registry) Changed() bool {
	if len(r.paths) == 0 {
		return false
	}
	current, err := scan(r.paths, r.matchers)
	if err != nil {
		return true
	}
	if len(current) != len(r.sources) {
		return true
	}
	for i, f := range current {
		info, err := os.Stat(f.path)
		if err != nil {
			return true
		}
		src := r.sources[i]
		if src.Path != f.path || !src.ModTime.Equal(info.ModTime()) {
			return true
		}
	}
	return false
}

// Close releases every runtime of the generation.
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	for _, rt := range r.runtimes {
		if err := rt.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	r.runtimes = nil
	return errors.Join(errs...)
}

// BuildOptions configures Build.
type BuildOptions struct {
	// Paths are scanned in order, each non-recursively.
	Paths []string
	// Config maps module name to its configuration.
	Config map[string]map[string]string
	// Loaders handle the recognised file extensions.
	Loaders []Loader
	// Env is handed to every runtime created for the generation.
	Env Env
}

type extMatcher struct {
	pattern glob.Glob
	loader  Loader
}

type scannedFile struct {
	path   string
	loader Loader
}

// Extensions returns every file extension recognised by the loaders.
func Extensions(loaders []Loader) []string {
	var exts []string
	for _, l := range loaders {
		for _, ext := range l.Extensions() {
			if !slices.Contains(exts, ext) {
				exts = append(exts, ext)
			}
		}
	}
	return exts
}

func compileMatchers(loaders []Loader) ([]extMatcher, error) {
	var matchers []extMatcher
	for _, l := range loaders {
		for _, ext := range l.Extensions() {
			g, err := glob.Compile("*" + strings.ToLower(ext))
			if err != nil {
				return nil, oops.In("plugin").With("extension", ext).Wrap(err)
			}
			matchers = append(matchers, extMatcher{pattern: g, loader: l})
		}
	}
	return matchers, nil
}

func scan(paths []string, matchers []extMatcher) ([]scannedFile, error) {
	var files []scannedFile
	for _, dir := range paths {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, oops.In("plugin").Code(CodeInvalidPath).With("path", dir).Hint("failed to read module directory").Wrap(err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			name := strings.ToLower(entry.Name())
			for _, m := range matchers {
				if m.pattern.Match(name) {
					files = append(files, scannedFile{path: filepath.Join(dir, entry.Name()), loader: m.loader})
					break
				}
			}
		}
	}
	return files, nil
}

// ValidatePaths checks that every path exists and is a directory.
func ValidatePaths(paths []string) error {
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return oops.In("plugin").Code(CodeInvalidPath).With("path", p).Errorf("%s doesn't reference a valid path", p)
		}
		if !info.IsDir() {
			return oops.In("plugin").Code(CodeInvalidPath).With("path", p).Errorf("%s is not a directory", p)
		}
	}
	return nil
}

// Build loads every recognised module under opts.Paths into a new registry
// generation. Construction is all-or-nothing: any failure releases what was
// created so far and returns an error.
func Build(ctx context.Context, opts BuildOptions) (reg *Registry, err error) {
	if err := ValidatePaths(opts.Paths); err != nil {
		return nil, err
	}

	matchers, err := compileMatchers(opts.Loaders)
	if err != nil {
		return nil, err
	}

	files, err := scan(opts.Paths, matchers)
	if err != nil {
		return nil, err
	}

	reg = &Registry{
		generation: ulid.Make(),
		builtAt:    time.Now(),
		paths:      slices.Clone(opts.Paths),
		matchers:   matchers,
	}
	defer func() {
		if err != nil {
			if closeErr := reg.Close(context.WithoutCancel(ctx)); closeErr != nil {
				slog.Warn("failed to release partial registry", "error", closeErr)
			}
			reg = nil
		}
	}()

	lookup := func(name string) map[string]string {
		cfg, ok := opts.Config[name]
		if !ok || cfg == nil {
			return map[string]string{}
		}
		return cfg
	}

	runtimes := make(map[Loader]Runtime)
	logger := opts.Env.Log()

	for _, f := range files {
		rt, ok := runtimes[f.loader]
		if !ok {
			rt, err = f.loader.NewRuntime(ctx, opts.Env)
			if err != nil {
				return nil, oops.In("plugin").Code(CodeRuntimeCreate).With("path", f.path).Wrap(err)
			}
			runtimes[f.loader] = rt
			reg.runtimes = append(reg.runtimes, rt)
		}

		info, statErr := os.Stat(f.path)
		if statErr != nil {
			return nil, oops.In("plugin").Code(CodeModuleLoad).With("path", f.path).Wrap(statErr)
		}

		mod, loadErr := rt.Load(ctx, f.path, lookup)
		if loadErr != nil {
			return nil, oops.In("plugin").Code(CodeModuleLoad).With("path", f.path).Hint("module failed to compile or initialize").Wrap(loadErr)
		}

		if _, dup := reg.Lookup(mod.Name()); dup {
			return nil, oops.In("plugin").Code(CodeDuplicateModule).With("path", f.path).With("module", mod.Name()).
				Errorf("module %q declared twice", mod.Name())
		}

		reg.modules = append(reg.modules, mod)
		reg.sources = append(reg.sources, Source{Path: f.path, Module: mod.Name(), ModTime: info.ModTime()})

		logger.Debug("loaded module",
			"module", mod.Name(),
			"path", f.path,
			"generation", reg.generation.String())
	}

	logger.Info("registry built",
		"generation", reg.generation.String(),
		"modules", reg.Names())

	return reg, nil
}
