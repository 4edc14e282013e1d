package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"hallpass/pkg/types"
)

var (
	ErrScalarAtRoot      = errors.New("the root can only hold an object")
	ErrOverlappingPaths  = errors.New("merge paths must not be ancestors of each other")
	ErrInvalidUpdatePath = errors.New("invalid update path")
)

// decodeValue normalizes any Go or raw JSON value into the generic JSON model,
// numbers kept as json.Number so they round-trip unchanged
func decodeValue(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode value: %w", err)
	}
	return v, nil
}

// Flatten converts value into leaf rows keyed by full path.
// Empty objects and arrays produce no rows, they are indistinguishable from absent.
func Flatten(prefix string, value any) (map[string]string, error) {
	v, err := decodeValue(value)
	if err != nil {
		return nil, err
	}
	leaves := make(map[string]string)
	if err := flatten(prefix, v, leaves); err != nil {
		return nil, err
	}
	return leaves, nil
}

func flatten(prefix string, v any, out map[string]string) error {
	switch node := v.(type) {
	case nil:
		return nil
	case map[string]any:
		for key, child := range node {
			if !types.IsValidSegment(key) {
				return fmt.Errorf("%w: key %q", types.ErrInvalidPath, key)
			}
			if err := flatten(joinChild(prefix, key), child, out); err != nil {
				return err
			}
		}
		return nil
	case []any:
		for i, child := range node {
			if err := flatten(joinChild(prefix, strconv.Itoa(i)), child, out); err != nil {
				return err
			}
		}
		return nil
	default:
		if prefix == "" {
			return ErrScalarAtRoot
		}
		raw, err := json.Marshal(node)
		if err != nil {
			return err
		}
		out[prefix] = string(raw)
		return nil
	}
}

// Assemble rebuilds the JSON value at prefix from leaf rows
// FUNCTIONAL DISCOVERY: Objects whose keys are exactly 0..n-1 come back as arrays,
// which is how ordered lists such as the class list survive the flat storage
func Assemble(prefix string, rows map[string]string) (json.RawMessage, error) {
	if raw, ok := rows[prefix]; ok && prefix != "" {
		return json.RawMessage(raw), nil
	}
	if len(rows) == 0 {
		return types.NullJSON, nil
	}

	// Sorted so that a scalar row is always visited before rows nested under it
	paths := make([]string, 0, len(rows))
	for path := range rows {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	root := make(map[string]any)
	for _, path := range paths {
		rel := path
		if prefix != "" {
			if !strings.HasPrefix(path, prefix+"/") {
				continue
			}
			rel = strings.TrimPrefix(path, prefix+"/")
		}
		insert(root, strings.Split(rel, "/"), json.RawMessage(rows[path]))
	}
	if len(root) == 0 {
		return types.NullJSON, nil
	}

	raw, err := json.Marshal(arrayify(root))
	if err != nil {
		return nil, fmt.Errorf("failed to assemble value at %q: %w", prefix, err)
	}
	return raw, nil
}

func insert(node map[string]any, segments []string, leaf json.RawMessage) {
	key := segments[0]
	if len(segments) == 1 {
		node[key] = leaf
		return
	}
	child, ok := node[key].(map[string]any)
	if !ok {
		child = make(map[string]any)
		node[key] = child
	}
	insert(child, segments[1:], leaf)
}

func arrayify(v any) any {
	node, ok := v.(map[string]any)
	if !ok {
		return v
	}
	for key, child := range node {
		node[key] = arrayify(child)
	}
	list := make([]any, len(node))
	for key, child := range node {
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= len(node) || strconv.Itoa(i) != key {
			return node
		}
		list[i] = child
	}
	return list
}

func joinChild(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

// ancestors returns every proper ancestor of path, nearest last
func ancestors(path string) []string {
	var out []string
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			out = append(out, path[:i])
		}
	}
	return out
}

// normalizeUpdates validates paths and rejects updates where one path contains another
func normalizeUpdates(updates map[string]any) (map[string]any, []string, error) {
	normalized := make(map[string]any, len(updates))
	paths := make([]string, 0, len(updates))
	for path, value := range updates {
		p, err := types.NormalizePath(path)
		if err != nil {
			return nil, nil, fmt.Errorf("%w %q: %v", ErrInvalidUpdatePath, path, err)
		}
		if _, dup := normalized[p]; dup {
			return nil, nil, fmt.Errorf("%w: %q", ErrOverlappingPaths, p)
		}
		normalized[p] = value
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for i := 0; i < len(paths); i++ {
		for j := i + 1; j < len(paths); j++ {
			if types.PathsOverlap(paths[i], paths[j]) {
				return nil, nil, fmt.Errorf("%w: %q and %q", ErrOverlappingPaths, paths[i], paths[j])
			}
		}
	}
	return normalized, paths, nil
}

// Tree is an in-memory set of leaf rows with the same replace semantics as Manager
type Tree map[string]string

// Apply overwrites every subtree named in updates and returns the changed paths, sorted
func (t Tree) Apply(updates map[string]any) ([]string, error) {
	normalized, paths, err := normalizeUpdates(updates)
	if err != nil {
		return nil, err
	}

	leavesByPath := make(map[string]map[string]string, len(paths))
	for _, p := range paths {
		leaves, err := Flatten(p, normalized[p])
		if err != nil {
			return nil, fmt.Errorf("invalid value at %q: %w", p, err)
		}
		leavesByPath[p] = leaves
	}

	for _, p := range paths {
		for leafPath := range t {
			if p == "" || leafPath == p || strings.HasPrefix(leafPath, p+"/") {
				delete(t, leafPath)
			}
		}
		for _, ancestor := range ancestors(p) {
			delete(t, ancestor)
		}
		for leafPath, value := range leavesByPath[p] {
			t[leafPath] = value
		}
	}
	return paths, nil
}

// Read assembles the value at path
func (t Tree) Read(path string) (json.RawMessage, error) {
	p, err := types.NormalizePath(path)
	if err != nil {
		return nil, err
	}
	rows := make(map[string]string)
	for leafPath, value := range t {
		if p == "" || leafPath == p || strings.HasPrefix(leafPath, p+"/") {
			rows[leafPath] = value
		}
	}
	return Assemble(p, rows)
}
