// Package configstore defines where configuration documents come from.
package configstore

// ConfigStore loads a document into out and saves in back to the same
// place.
type ConfigStore interface {
	Load(out any) error
	Save(in any) error
}
