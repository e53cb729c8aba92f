// Package models defines the records shared by the extract and transform phases.
package models

import "strings"

var folderReplacer = strings.NewReplacer(" ", "_", "/", "-", "&", "and")

// Category is a vendor category resolved from the category map.
type Category struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Virtual bool   `json:"virtual,omitempty"`
}

// FolderName returns the directory name used for the category on disk.
func (c Category) FolderName() string {
	return FolderName(c.Name)
}

// FolderName converts a category name into a filesystem-safe folder name.
func FolderName(name string) string {
	return folderReplacer.Replace(strings.TrimSpace(name))
}
