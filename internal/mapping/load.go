package mapping

import (
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spiderbutter/spiderbutter/internal/asset"
)

// FromFile builds a table from a mapping file. Targets and imports resolve
// relative to the file that names them. With a nil cache every route is a
// file reference read on each request.
func FromFile(file string, cache *Cache) (*Table, error) {
	t := Empty()
	if err := t.load(file, cache, map[string]bool{}); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table) load(file string, cache *Cache, visiting map[string]bool) error {
	abs, err := filepath.Abs(file)
	if err != nil {
		return fmt.Errorf("mapping %s: %w", file, err)
	}
	if visiting[abs] {
		return fmt.Errorf("mapping %s: import cycle", file)
	}
	visiting[abs] = true
	defer delete(visiting, abs)

	f, err := os.Open(abs)
	if err != nil {
		return fmt.Errorf("mapping %s: %w", file, err)
	}
	directives, err := Parse(f)
	_ = f.Close()
	if err != nil {
		return fmt.Errorf("mapping %s: %w", file, err)
	}

	dir := filepath.Dir(abs)
	for _, d := range directives {
		if d.Import != "" {
			if err := t.load(resolve(dir, d.Import), cache, visiting); err != nil {
				return err
			}
			continue
		}
		target := resolve(dir, d.Entry.Target)
		a, err := fileAsset(target, cache)
		if err != nil {
			return fmt.Errorf("mapping %s line %d: %w", file, d.Line, err)
		}
		t.routes[d.Entry.Key] = Route{Asset: a, ContentType: d.Entry.ContentType}
	}
	return nil
}

// FromDir maps every regular file under root to /<relative path>. An
// index.html also answers for its directory. Dot files and dot directories are
// skipped, so state kept under the working directory is never served.
func FromDir(root string, cache *Cache) (*Table, error) {
	t := Empty()
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p != root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		a, err := fileAsset(p, cache)
		if err != nil {
			return err
		}
		urlPath := "/" + filepath.ToSlash(rel)
		route := Route{Asset: a, ContentType: mime.TypeByExtension(filepath.Ext(p))}
		t.routes[urlPath] = route
		if path.Base(urlPath) == "index.html" {
			dirPath := path.Dir(urlPath)
			t.routes[dirPath] = route
			if dirPath != "/" {
				t.routes[dirPath+"/"] = route
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mapping dir %s: %w", root, err)
	}
	return t, nil
}

func fileAsset(p string, cache *Cache) (asset.Asset, error) {
	if cache == nil {
		return asset.File{Path: p}, nil
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	return cache.Get(data)
}

func resolve(dir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, filepath.FromSlash(p))
}
