package knowledge

import "errors"

var (
	// ErrNotFound is returned when the referenced fragment does not exist.
	ErrNotFound = errors.New("fragment not found")
	// ErrEmptyContent is returned when Add is given blank content.
	ErrEmptyContent = errors.New("fragment content is empty")
	// ErrEmptyQuery is returned when Search is given a blank query.
	ErrEmptyQuery = errors.New("search query is empty")
)
