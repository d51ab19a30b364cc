// Package language holds the fixed set of languages the player can speak.
package language

import (
	"errors"
	"fmt"

	"github.com/loqalabs/speechpad/internal/config"
)

// ErrUnsupported is returned when a language is not part of the configured set.
var ErrUnsupported = errors.New("language not supported")

// Language pairs a display name with the locale code handed to the synthesizer.
type Language struct {
	Name string `json:"name"`
	Code string `json:"code"`
}

var builtin = []Language{
	{Name: "English", Code: "en-US"},
	{Name: "Indonesian", Code: "id"},
}

// Set is an ordered, immutable collection of languages.
type Set struct {
	langs []Language
}

// Supported returns the built-in set.
func Supported() Set {
	return Set{langs: append([]Language(nil), builtin...)}
}

// Default is the language selected before the user picks one.
func Default() Language {
	return builtin[0]
}

// FromConfig builds a set from configuration, falling back to the built-in set
// when none is configured.
func FromConfig(entries []config.LanguageConfig) (Set, error) {
	if len(entries) == 0 {
		return Supported(), nil
	}
	seen := make(map[string]struct{}, len(entries))
	langs := make([]Language, 0, len(entries))
	for _, e := range entries {
		if e.Name == "" || e.Code == "" {
			return Set{}, fmt.Errorf("language entry %q/%q is incomplete", e.Name, e.Code)
		}
		if _, dup := seen[e.Code]; dup {
			return Set{}, fmt.Errorf("duplicate language code %q", e.Code)
		}
		seen[e.Code] = struct{}{}
		langs = append(langs, Language{Name: e.Name, Code: e.Code})
	}
	return Set{langs: langs}, nil
}

// All returns a copy of the languages in configured order.
func (s Set) All() []Language {
	return append([]Language(nil), s.langs...)
}

// Default returns the first configured language.
func (s Set) Default() Language {
	if len(s.langs) == 0 {
		return Default()
	}
	return s.langs[0]
}

// Lookup resolves a language by its code.
func (s Set) Lookup(code string) (Language, error) {
	for _, l := range s.langs {
		if l.Code == code {
			return l, nil
		}
	}
	return Language{}, fmt.Errorf("%w: %q", ErrUnsupported, code)
}

// ByName resolves a language by its display name.
func (s Set) ByName(name string) (Language, error) {
	for _, l := range s.langs {
		if l.Name == name {
			return l, nil
		}
	}
	return Language{}, fmt.Errorf("%w: %q", ErrUnsupported, name)
}

// Contains reports whether lang is exactly one of the members of the set.
func (s Set) Contains(lang Language) bool {
	for _, l := range s.langs {
		if l == lang {
			return true
		}
	}
	return false
}
