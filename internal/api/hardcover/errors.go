package hardcover

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrBookNotFound    = errors.New("book not found")
	ErrSessionNotFound = errors.New("reading session not found")
	ErrInvalidInput    = errors.New("invalid input")
)

// BookError is a custom error type that carries a catalog book ID through an
// error chain without string parsing.
type BookError struct {
	Err    error
	BookID int64
}

// Error implements the error interface
func (e *BookError) Error() string {
	if e.BookID > 0 {
		return fmt.Sprintf("%s (book ID: %d)", e.Err.Error(), e.BookID)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error
func (e *BookError) Unwrap() error {
	return e.Err
}

// WithBookID wraps an error with a book ID
func WithBookID(err error, bookID int64) error {
	if err == nil {
		return nil
	}
	return &BookError{Err: err, BookID: bookID}
}

// GetBookID returns the book ID from an error if it is a BookError
func GetBookID(err error) (int64, bool) {
	var bookErr *BookError
	if errors.As(err, &bookErr) {
		return bookErr.BookID, bookErr.BookID > 0
	}
	return 0, false
}
