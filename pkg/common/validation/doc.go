// Package validation provides the checks used by deferflow constructors and
// configuration loaders, so every rejected value surfaces as a
// *errors.ValidationError with a consistent message and hint.
package validation
