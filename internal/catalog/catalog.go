/*
Copyright 2025 the Industry Monitor contributors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package catalog serves the embedded marketplace category tree. The tree
// changes rarely and ships with the binary; scheduled collections walk its
// top level, and the query surface validates caller-supplied cat ids
// against the full set.
package catalog

import (
	_ "embed"
	"encoding/json"
	"sync"
)

//go:embed categories.json
var categoriesJSON []byte

// Category is one node of the tree.
type Category struct {
	CatID    string     `json:"catId"`
	Name     string     `json:"name"`
	Children []Category `json:"children,omitempty"`
}

var (
	loadOnce sync.Once
	tree     []Category
	validIDs map[string]struct{}
)

func load() {
	loadOnce.Do(func() {
		if err := json.Unmarshal(categoriesJSON, &tree); err != nil {
			panic("catalog: embedded categories.json is malformed: " + err.Error())
		}
		validIDs = make(map[string]struct{})
		for _, c := range tree {
			validIDs[c.CatID] = struct{}{}
			for _, child := range c.Children {
				validIDs[child.CatID] = struct{}{}
			}
		}
	})
}

// All returns the full category tree in file order.
func All() []Category {
	load()
	return tree
}

// TopLevelIDs returns the level-1 category ids in file order.
func TopLevelIDs() []string {
	load()
	ids := make([]string, 0, len(tree))
	for _, c := range tree {
		ids = append(ids, c.CatID)
	}
	return ids
}

// IsValid reports whether catID names a known category at any level. The
// empty id is valid and means "all categories".
func IsValid(catID string) bool {
	if catID == "" {
		return true
	}
	load()
	_, ok := validIDs[catID]
	return ok
}

// Children returns the direct children of a top-level category.
func Children(catID string) []Category {
	load()
	for _, c := range tree {
		if c.CatID == catID {
			return c.Children
		}
	}
	return nil
}
