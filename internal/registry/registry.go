// Package registry loads and resolves work items: numbered markdown
// files whose front matter declares dependencies, outputs, and worker
// hints. Resolution happens after parsing, so a registry miss is a
// distinct failure from a syntax error.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var filenameRe = regexp.MustCompile(`^(\d{3})-(.+)\.md$`)

// Item is one registered unit of work.
type Item struct {
	ID      string // canonical id: "220" or "auth/220"
	Number  int
	Folder  string
	Name    string
	Path    string
	Content string // body with front matter stripped

	// Front matter.
	DependsOn []string
	Outputs   []string
	Worker    string
	Variant   string
}

// frontMatter is the yaml header an item file may start with.
type frontMatter struct {
	DependsOn []string `yaml:"depends_on"`
	Outputs   []string `yaml:"outputs"`
	Worker    string   `yaml:"worker"`
	Variant   string   `yaml:"variant"`
}

// NotFoundError reports a token that resolved to no known work item.
type NotFoundError struct {
	Token       string
	Suggestions []string
}

func (e *NotFoundError) Error() string {
	if len(e.Suggestions) == 0 {
		return fmt.Sprintf("work item %q not found", e.Token)
	}
	return fmt.Sprintf("work item %q not found; closest matches: %s", e.Token, strings.Join(e.Suggestions, ", "))
}

type Registry struct {
	items []*Item
	byID  map[string]*Item
}

// Load reads every item file beneath the given directories. Missing
// directories are skipped; one level of subfolders is scanned so items
// can be grouped (auth/220-login.md resolves as "auth/220").
func Load(dirs []string) (*Registry, error) {
	r := &Registry{byID: make(map[string]*Item)}

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, entry := range entries {
			if entry.IsDir() {
				if err := r.loadDir(filepath.Join(dir, entry.Name()), entry.Name()); err != nil {
					return nil, err
				}
				continue
			}
			if err := r.loadFile(filepath.Join(dir, entry.Name()), ""); err != nil {
				return nil, err
			}
		}
	}

	sort.Slice(r.items, func(i, j int) bool { return r.items[i].ID < r.items[j].ID })
	return r, nil
}

func (r *Registry) loadDir(dir, folder string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := r.loadFile(filepath.Join(dir, entry.Name()), folder); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) loadFile(path, folder string) error {
	m := filenameRe.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return nil
	}
	number, _ := strconv.Atoi(m[1])

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read work item %s: %w", path, err)
	}

	meta, body, err := splitFrontMatter(string(data))
	if err != nil {
		return fmt.Errorf("bad front matter in %s: %w", path, err)
	}

	item := &Item{
		ID:        canonicalID(folder, number),
		Number:    number,
		Folder:    folder,
		Name:      m[2],
		Path:      path,
		Content:   body,
		DependsOn: meta.DependsOn,
		Outputs:   meta.Outputs,
		Worker:    meta.Worker,
		Variant:   meta.Variant,
	}

	// Project items shadow user items with the same id.
	if _, exists := r.byID[item.ID]; exists {
		return nil
	}
	r.byID[item.ID] = item
	r.items = append(r.items, item)
	return nil
}

func splitFrontMatter(content string) (frontMatter, string, error) {
	var meta frontMatter
	if !strings.HasPrefix(content, "---\n") {
		return meta, content, nil
	}
	rest := content[4:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return meta, content, nil
	}
	if err := yaml.Unmarshal([]byte(rest[:end]), &meta); err != nil {
		return meta, "", err
	}
	body := rest[end+4:]
	return meta, strings.TrimPrefix(body, "\n"), nil
}

func canonicalID(folder string, number int) string {
	if folder == "" {
		return fmt.Sprintf("%03d", number)
	}
	return fmt.Sprintf("%s/%03d", folder, number)
}

// Items returns every loaded item, sorted by id.
func (r *Registry) Items() []*Item {
	return r.items
}

// Get returns an item by canonical id.
func (r *Registry) Get(id string) (*Item, bool) {
	item, ok := r.byID[id]
	return item, ok
}

// Resolve maps a parsed token to its canonical id. Numeric tokens are
// zero-padded ("7" finds 007); folder-qualified tokens resolve within
// the folder; anything else matches on the item name.
func (r *Registry) Resolve(token string) (*Item, error) {
	if id, ok := normalizeNumeric(token); ok {
		if item, ok := r.byID[id]; ok {
			return item, nil
		}
		return nil, &NotFoundError{Token: token, Suggestions: r.suggest(token)}
	}

	var matches []*Item
	for _, item := range r.items {
		if item.Name == token {
			matches = append(matches, item)
		}
	}
	if len(matches) == 1 {
		return matches[0], nil
	}
	if len(matches) > 1 {
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = m.ID
		}
		return nil, fmt.Errorf("work item name %q is ambiguous between %s", token, strings.Join(ids, ", "))
	}
	return nil, &NotFoundError{Token: token, Suggestions: r.suggest(token)}
}

// normalizeNumeric recognizes "220" and "auth/220" forms.
func normalizeNumeric(token string) (string, bool) {
	folder := ""
	numPart := token
	if i := strings.LastIndex(token, "/"); i >= 0 {
		folder = token[:i]
		numPart = token[i+1:]
	}
	number, err := strconv.Atoi(numPart)
	if err != nil {
		return "", false
	}
	return canonicalID(folder, number), true
}

// suggest returns up to three item ids whose name or id contains the
// token, for the corrected-example hint in resolution errors.
func (r *Registry) suggest(token string) []string {
	lowered := strings.ToLower(token)
	var out []string
	for _, item := range r.items {
		if strings.Contains(strings.ToLower(item.Name), lowered) ||
			strings.Contains(item.ID, strings.TrimLeft(lowered, "0")) {
			out = append(out, item.ID)
		}
		if len(out) == 3 {
			break
		}
	}
	return out
}
