package models

// Catalog status IDs as used by the Hardcover API.
// A nil status means "unknown / no signal" and is never treated as Want to Read.
const (
	StatusWantToRead = 1
	StatusReading    = 2
	StatusRead       = 3
)

// UserBook represents a book on the user's Hardcover shelf
type UserBook struct {
	ID       int64  `json:"id"`
	BookID   int64  `json:"book_id"`
	StatusID int    `json:"status_id"`
	Book     struct {
		ID    int64  `json:"id"`
		Title string `json:"title"`
	} `json:"book"`
	EditionID *int64 `json:"edition_id,omitempty"`
}

// Edition represents a specific published version of a book in Hardcover
type Edition struct {
	ID           int64   `json:"id"`
	BookID       int64   `json:"book_id"`
	Title        string  `json:"title,omitempty"`
	ISBN10       string  `json:"isbn_10,omitempty"`
	ISBN13       string  `json:"isbn_13,omitempty"`
	ASIN         string  `json:"asin,omitempty"`
	Pages        *int    `json:"pages,omitempty"`
	AudioSeconds *int    `json:"audio_seconds,omitempty"`
	AuthorNames  []string `json:"author_names,omitempty"`
}

// ReadingSession represents one catalog-side read/listen attempt.
// Exactly one of ProgressPages/ProgressSeconds carries the value, by format.
type ReadingSession struct {
	ID              int64   `json:"id"`
	UserBookID      int64   `json:"user_book_id"`
	Progress        float64 `json:"progress"`
	ProgressPages   *int    `json:"progress_pages,omitempty"`
	ProgressSeconds *int    `json:"progress_seconds,omitempty"`
	EditionID       *int64  `json:"edition_id,omitempty"`
	StartedAt       *string `json:"started_at,omitempty"`
	FinishedAt      *string `json:"finished_at,omitempty"`
}

// Finished reports whether the session is closed (finished_at present)
func (r *ReadingSession) Finished() bool {
	return r != nil && r.FinishedAt != nil && *r.FinishedAt != ""
}

// ProgressValue returns the raw progress value of the session
func (r *ReadingSession) ProgressValue() float64 {
	if r == nil {
		return 0
	}
	if r.ProgressSeconds != nil {
		return float64(*r.ProgressSeconds)
	}
	if r.ProgressPages != nil {
		return float64(*r.ProgressPages)
	}
	return 0
}

// CurrentProgress is the catalog's view of a book's latest reading state
type CurrentProgress struct {
	LatestRead  *ReadingSession
	UserBook    *UserBook
	HasProgress bool
}

// CatalogMatch is a resolved (book, edition) pair in the catalog
type CatalogMatch struct {
	BookID    int64
	EditionID int64
	UserBook  *UserBook
	Edition   *Edition
	Title     string
	// AutoAdded is set when resolution had to add the book to the shelf
	AutoAdded bool
}
