package catalog

import (
	"strconv"
)

// ItemID identifies a catalog item. It is assigned by the backend and never
// changes; it doubles as the durable storage key.
type ItemID int64

// String renders the id in decimal.
func (id ItemID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Item is one catalog entry as delivered by the backend.
//
// Every attribute except ID is optional. A nil field means "not supplied"
// and is left untouched when the item is merged over an existing one.
type Item struct {
	ID            ItemID  `json:"id"`
	Name          *string `json:"name,omitempty"`
	Description   *string `json:"description,omitempty"`
	AuthorName    *string `json:"author_name,omitempty"`
	AuthorEmail   *string `json:"author_email,omitempty"`
	SourceCodeURL *string `json:"source_code_url,omitempty"`
	Version       *string `json:"version,omitempty"`
	// Image is kept as delivered: base64 data or a URL. It is never decoded.
	Image         *string `json:"image,omitempty"`
}

// Str returns a pointer to s. Convenience for building partial items.
func Str(s string) *string {
	return &s
}

// Text dereferences an optional text field, returning "" when absent.
func Text(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// Complete reports whether every required attribute is present and non-empty.
// author_email and image are not required.
func (it Item) Complete() bool {
	for _, f := range []*string{it.Name, it.Description, it.AuthorName, it.SourceCodeURL, it.Version} {
		if Text(f) == "" {
			return false
		}
	}
	return true
}

// Overlay returns a copy of it with every field present in patch applied.
// The id is never changed.
func (it Item) Overlay(patch Item) Item {
	out := it.Clone()
	if patch.Name != nil {
		out.Name = Str(*patch.Name)
	}
	if patch.Description != nil {
		out.Description = Str(*patch.Description)
	}
	if patch.AuthorName != nil {
		out.AuthorName = Str(*patch.AuthorName)
	}
	if patch.AuthorEmail != nil {
		out.AuthorEmail = Str(*patch.AuthorEmail)
	}
	if patch.SourceCodeURL != nil {
		out.SourceCodeURL = Str(*patch.SourceCodeURL)
	}
	if patch.Version != nil {
		out.Version = Str(*patch.Version)
	}
	if patch.Image != nil {
		out.Image = Str(*patch.Image)
	}
	return out
}

// Clone returns a deep copy so callers can hand items across the
// single-writer boundary without sharing mutable memory.
func (it Item) Clone() Item {
	out := Item{ID: it.ID}
	if it.Name != nil {
		out.Name = Str(*it.Name)
	}
	if it.Description != nil {
		out.Description = Str(*it.Description)
	}
	if it.AuthorName != nil {
		out.AuthorName = Str(*it.AuthorName)
	}
	if it.AuthorEmail != nil {
		out.AuthorEmail = Str(*it.AuthorEmail)
	}
	if it.SourceCodeURL != nil {
		out.SourceCodeURL = Str(*it.SourceCodeURL)
	}
	if it.Version != nil {
		out.Version = Str(*it.Version)
	}
	if it.Image != nil {
		out.Image = Str(*it.Image)
	}
	return out
}
