package phyxie

import (
	"fmt"
	"path/filepath"
	"strings"
)

// FileValidator enforces the configured size limit and extension allow-list
// before any network call is made.
type FileValidator struct {
	maxSize   int64
	allowed   map[string]struct{}
	images    map[string]struct{}
	documents map[string]struct{}
}

// NewFileValidator builds a validator from the configured limits. Extension
// lists are matched case-insensitively and without the leading dot.
func NewFileValidator(maxSize int64, allowed, images, documents []string) *FileValidator {
	return &FileValidator{
		maxSize:   maxSize,
		allowed:   toSet(allowed),
		images:    toSet(images),
		documents: toSet(documents),
	}
}

// Validate rejects oversized files and disallowed extensions with a
// KindValidation failure.
func (v *FileValidator) Validate(filename string, size int64) error {
	ext := Extension(filename)
	if _, ok := v.allowed[ext]; !ok {
		return &APIError{
			Kind:    KindValidation,
			Message: fmt.Sprintf("file type %q is not supported", ext),
		}
	}

	if size > v.maxSize {
		return &APIError{
			Kind: KindValidation,
			Message: fmt.Sprintf("file size %.1fMB exceeds the maximum of %dMB",
				float64(size)/(1024*1024), v.maxSize/(1024*1024)),
		}
	}

	return nil
}

// Kind classifies a filename into the payload category the API expects.
func (v *FileValidator) Kind(filename string) FileKind {
	ext := Extension(filename)
	if _, ok := v.images[ext]; ok {
		return FileKindImage
	}
	if _, ok := v.documents[ext]; ok {
		return FileKindDocument
	}
	return FileKindCustom
}

// MaxSize returns the configured size limit in bytes.
func (v *FileValidator) MaxSize() int64 {
	return v.maxSize
}

// Extension returns the lowercase extension of a filename without the dot.
func Extension(filename string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
}

func toSet(exts []string) map[string]struct{} {
	set := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		set[strings.ToLower(strings.TrimPrefix(e, "."))] = struct{}{}
	}
	return set
}
