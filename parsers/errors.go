package parsers

import (
	"fmt"

	"github.com/nvr-ai/go-detdata/classes"
	"github.com/pkg/errors"
)

// ErrInvalidSplit is returned by splitters configured with unusable proportions.
var ErrInvalidSplit = errors.New("invalid split")

// ParseError reports a malformed annotation source. It is fatal for the whole parse.
type ParseError struct {
	Format  string
	ImageID string
	Field   string
	Reason  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s [%s] while parsing [%s]", e.Format, e.Reason, e.Field, e.ImageID)
}

// strictID looks name up without growing cm, whatever its policy.
func strictID(cm *classes.ClassMap, name string) (int, error) {
	if !cm.Has(name) {
		return 0, errors.Wrap(classes.ErrUnknownClass, name)
	}
	return cm.GetID(name)
}

func parseError(format, imageID, field, reason string) error {
	return &ParseError{Format: format, ImageID: imageID, Field: field, Reason: reason}
}
