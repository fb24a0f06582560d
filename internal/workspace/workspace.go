// Package workspace maps a directory of resource files to vcs.Resource values and back.
//
// Layout:
//
//	<dir>/
//	  .wsyncignore
//	  <type>/
//	    <id>.yaml | <id>.yml | <id>.json
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"wsync/internal/config"
	"wsync/internal/vcs"
)

// Dir is a workspace directory on disk.
type Dir struct {
	root   string
	ignore *IgnoreMatcher
}

// NewDir opens the workspace described by cfg, creating the directory if needed.
// Ignore patterns come from the config plus the .wsyncignore file in the root.
func NewDir(cfg config.WorkspaceConfig) (*Dir, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("workspace dir is not configured")
	}
	root, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace dir: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace dir: %w", err)
	}

	filePatterns, err := ParseIgnoreFile(filepath.Join(root, IgnoreFile))
	if err != nil {
		return nil, err
	}
	patterns := append([]string{}, defaultIgnorePatterns...)
	patterns = append(patterns, cfg.Ignore...)
	patterns = append(patterns, filePatterns...)

	return &Dir{root: root, ignore: NewIgnoreMatcher(patterns)}, nil
}

// Root returns the absolute workspace path.
func (d *Dir) Root() string { return d.root }

// fileRef locates the file a resource was loaded from.
type fileRef struct {
	rel string
	ext string
}

// scan walks <root>/<type>/ and returns every non-ignored resource file keyed by
// resource id.
func (d *Dir) scan() ([]*vcs.Resource, map[string]fileRef, error) {
	typeDirs, err := os.ReadDir(d.root)
	if err != nil {
		return nil, nil, fmt.Errorf("reading workspace dir: %w", err)
	}

	var resources []*vcs.Resource
	files := make(map[string]fileRef)
	for _, td := range typeDirs {
		if !td.IsDir() || d.ignore.Match(td.Name()) {
			continue
		}
		typeName := td.Name()
		entries, err := os.ReadDir(filepath.Join(d.root, typeName))
		if err != nil {
			return nil, nil, fmt.Errorf("reading %s: %w", typeName, err)
		}
		for _, e := range entries {
			if !e.Type().IsRegular() || !isResourceFile(e.Name()) {
				continue
			}
			rel := filepath.Join(typeName, e.Name())
			if d.ignore.Match(rel) {
				continue
			}
			data, err := os.ReadFile(filepath.Join(d.root, rel))
			if err != nil {
				return nil, nil, fmt.Errorf("reading %s: %w", rel, err)
			}
			r, err := DecodeFile(rel, data, typeName)
			if err != nil {
				return nil, nil, err
			}
			if prev, dup := files[r.ID]; dup {
				return nil, nil, fmt.Errorf("resource %s defined by both %s and %s", r.ID, prev.rel, rel)
			}
			files[r.ID] = fileRef{rel: rel, ext: filepath.Ext(e.Name())}
			resources = append(resources, r)
		}
	}
	return resources, files, nil
}

// Load reads every resource in the workspace, ordered by id.
func (d *Dir) Load() ([]vcs.Resource, error) {
	resources, _, err := d.scan()
	if err != nil {
		return nil, err
	}
	sort.Slice(resources, func(i, j int) bool { return resources[i].ID < resources[j].ID })

	out := make([]vcs.Resource, len(resources))
	for i, r := range resources {
		out[i] = *r
	}
	return out, nil
}

// Write makes the workspace hold exactly resources: each is written to its existing
// file (keeping its format) or to <type>/<id>.yaml, and resource files for ids not in
// resources are removed. Ignored files are left alone. Each file is replaced atomically.
func (d *Dir) Write(resources []vcs.Resource) error {
	_, existing, err := d.scan()
	if err != nil {
		return err
	}

	keep := make(map[string]bool, len(resources))
	for i := range resources {
		r := &resources[i]
		keep[r.ID] = true

		ref, ok := existing[r.ID]
		typeDir := fileName(r.Type)
		target := filepath.Join(typeDir, fileName(r.ID)+extYAML)
		ext := extYAML
		if ok && filepath.Dir(ref.rel) == typeDir {
			target, ext = ref.rel, ref.ext
		} else if ok {
			// type changed; the old file goes away below
			delete(existing, r.ID)
			if err := os.Remove(filepath.Join(d.root, ref.rel)); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("removing %s: %w", ref.rel, err)
			}
		}

		data, err := EncodeFile(r, ext)
		if err != nil {
			return err
		}
		if err := writeFileAtomic(filepath.Join(d.root, target), data); err != nil {
			return err
		}
	}

	for id, ref := range existing {
		if keep[id] {
			continue
		}
		if err := os.Remove(filepath.Join(d.root, ref.rel)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing %s: %w", ref.rel, err)
		}
	}
	return nil
}

// fileName makes a resource id or type safe to use as a file name.
func fileName(id string) string {
	name := url.PathEscape(id)
	if strings.HasPrefix(name, ".") {
		name = "%2E" + name[1:]
	}
	return name
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	tmp := filepath.Join(filepath.Dir(path), ".tmp-"+uuid.New().String())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", filepath.Base(path), err)
	}
	return nil
}
