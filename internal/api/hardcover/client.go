package hardcover

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	graphql "github.com/hasura/go-graphql-client"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/shelfbridge/shelfbridge/internal/logger"
	"github.com/shelfbridge/shelfbridge/internal/models"
	"github.com/shelfbridge/shelfbridge/internal/rategate"
)

const (
	// DefaultEndpoint is the default GraphQL endpoint for the Hardcover API
	DefaultEndpoint = "https://api.hardcover.app/v1/graphql"
	// DefaultTimeout is the default timeout for HTTP requests
	DefaultTimeout = 30 * time.Second
	// DefaultMaxRetries is the default number of retries for failed requests
	DefaultMaxRetries = 3
	// DefaultRetryDelay is the default delay between retries
	DefaultRetryDelay = 500 * time.Millisecond

	userBooksPageSize = 100
)

// ClientConfig holds configuration for the Hardcover client
type ClientConfig struct {
	Endpoint   string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultClientConfig returns the default configuration for the client
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Endpoint:   DefaultEndpoint,
		Timeout:    DefaultTimeout,
		MaxRetries: DefaultMaxRetries,
		RetryDelay: DefaultRetryDelay,
	}
}

// headerAddingTransport adds the headers required to authenticate with the
// Hardcover API.
type headerAddingTransport struct {
	token string
	rt    http.RoundTripper
}

// RoundTrip implements the http.RoundTripper interface
func (t *headerAddingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+t.token)
	req.Header.Set("Content-Type", "application/json")
	return t.rt.RoundTrip(req)
}

// Client is a client for the Hardcover GraphQL API. Every operation passes
// through the injected rate gate and a circuit breaker; transient failures
// are retried with a linear backoff before being surfaced.
type Client struct {
	gql        *graphql.Client
	logger     *logger.Logger
	gate       *rategate.Gate
	breaker    *gobreaker.CircuitBreaker[struct{}]
	maxRetries int
	retryDelay time.Duration
}

// NewClient creates a new Hardcover client
func NewClient(cfg *ClientConfig, token string, gate *rategate.Gate, log *logger.Logger) *Client {
	if cfg == nil {
		cfg = DefaultClientConfig()
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}

	childLogger := log.With(map[string]interface{}{
		"component": "hardcover_client",
	})

	authClient := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &headerAddingTransport{
			token: token,
			rt:    http.DefaultTransport,
		},
	}

	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "hardcover-api",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			childLogger.Warn("Circuit breaker state changed", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})

	return &Client{
		gql:        graphql.NewClient(cfg.Endpoint, authClient),
		logger:     childLogger,
		gate:       gate,
		breaker:    breaker,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}
}

// execute runs one GraphQL operation under the rate gate, circuit breaker
// and retry loop. An open breaker fails fast without retrying.
func (c *Client) execute(ctx context.Context, query string, variables map[string]interface{}, result interface{}) error {
	return c.gate.Do(ctx, func(ctx context.Context) error {
		var lastErr error
		for attempt := 0; attempt <= c.maxRetries; attempt++ {
			if attempt > 0 {
				delay := c.retryDelay * time.Duration(attempt)
				c.logger.Debug("Retrying GraphQL operation", map[string]interface{}{
					"attempt": attempt,
					"delay":   delay.String(),
				})
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(delay):
				}
			}

			_, err := c.breaker.Execute(func() (struct{}, error) {
				return struct{}{}, c.gql.Exec(ctx, query, result, variables)
			})
			if err == nil {
				return nil
			}
			lastErr = err

			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return fmt.Errorf("hardcover API unavailable: %w", err)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		return fmt.Errorf("graphql operation failed after %d attempts: %w", c.maxRetries+1, lastErr)
	})
}

// meEnvelope normalizes the "me" field, which the API sometimes returns as an
// object and sometimes as an array of one. The shape is resolved here, at the
// adapter boundary, so callers only ever see one list.
type meEnvelope struct {
	UserBooks []models.UserBook `json:"user_books"`
}

// UnmarshalJSON accepts either an object or an array-of-one envelope
func (m *meEnvelope) UnmarshalJSON(data []byte) error {
	type plain meEnvelope
	var single plain
	if err := json.Unmarshal(data, &single); err == nil {
		*m = meEnvelope(single)
		return nil
	}
	var many []plain
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	if len(many) > 0 {
		*m = meEnvelope(many[0])
	}
	return nil
}

// GetUserBooks returns every book on the current user's shelf, paging until
// the API returns a short page.
func (c *Client) GetUserBooks(ctx context.Context) ([]models.UserBook, error) {
	const query = `
	query GetUserBooks($offset: Int!, $limit: Int!) {
	  me {
		user_books(offset: $offset, limit: $limit, order_by: {id: asc}) {
		  id
		  book_id
		  status_id
		  edition_id
		  book {
			id
			title
		  }
		}
	  }
	}`

	var all []models.UserBook
	for offset := 0; ; offset += userBooksPageSize {
		var result struct {
			Me meEnvelope `json:"me"`
		}
		variables := map[string]interface{}{
			"offset": offset,
			"limit":  userBooksPageSize,
		}
		if err := c.execute(ctx, query, variables, &result); err != nil {
			return nil, fmt.Errorf("failed to fetch user books: %w", err)
		}

		all = append(all, result.Me.UserBooks...)
		if len(result.Me.UserBooks) < userBooksPageSize {
			break
		}
	}

	c.logger.Debug("Fetched user books", map[string]interface{}{
		"count": len(all),
	})
	return all, nil
}

// GetBookCurrentProgress returns the latest reading session and shelf state
// for one user book.
func (c *Client) GetBookCurrentProgress(ctx context.Context, userBookID int64) (*models.CurrentProgress, error) {
	const query = `
	query GetBookCurrentProgress($id: Int!) {
	  user_books(where: {id: {_eq: $id}}, limit: 1) {
		id
		book_id
		status_id
		edition_id
		user_book_reads(order_by: {id: desc}, limit: 1) {
		  id
		  user_book_id
		  progress
		  progress_pages
		  progress_seconds
		  edition_id
		  started_at
		  finished_at
		}
	  }
	}`

	if userBookID == 0 {
		return nil, fmt.Errorf("%w: user book ID is required", ErrInvalidInput)
	}

	var result struct {
		UserBooks []struct {
			models.UserBook
			UserBookReads []models.ReadingSession `json:"user_book_reads"`
		} `json:"user_books"`
	}
	variables := map[string]interface{}{"id": userBookID}

	if err := c.execute(ctx, query, variables, &result); err != nil {
		return nil, fmt.Errorf("failed to fetch current progress: %w", err)
	}

	if len(result.UserBooks) == 0 {
		return nil, fmt.Errorf("%w: user book %d", ErrBookNotFound, userBookID)
	}

	entry := result.UserBooks[0]
	progress := &models.CurrentProgress{
		UserBook: &entry.UserBook,
	}
	if len(entry.UserBookReads) > 0 {
		progress.LatestRead = &entry.UserBookReads[0]
		progress.HasProgress = true
	}
	return progress, nil
}

// InsertReadingSessionInput is the input for creating a new reading session
type InsertReadingSessionInput struct {
	UserBookID int64
	Value      float64
	UseSeconds bool
	EditionID  *int64
	StartedAt  *string
	FinishedAt *string
}

// InsertReadingSession creates a new reading session record. A nil session
// with nil error never happens: an API-reported failure becomes an error.
func (c *Client) InsertReadingSession(ctx context.Context, input InsertReadingSessionInput) (*models.ReadingSession, error) {
	const mutation = `
	mutation InsertReadingSession($user_book_id: Int!, $user_book_read: DatesReadInput!) {
	  insert_user_book_read(user_book_id: $user_book_id, user_book_read: $user_book_read) {
		error
		user_book_read {
		  id
		  user_book_id
		  progress
		  progress_pages
		  progress_seconds
		  edition_id
		  started_at
		  finished_at
		}
	  }
	}`

	if input.UserBookID == 0 {
		return nil, fmt.Errorf("%w: user_book_id is required", ErrInvalidInput)
	}

	object := sessionObject(input.Value, input.UseSeconds, input.EditionID, input.StartedAt, input.FinishedAt)
	variables := map[string]interface{}{
		"user_book_id":   input.UserBookID,
		"user_book_read": object,
	}

	var result struct {
		InsertUserBookRead struct {
			Error        *string                `json:"error"`
			UserBookRead *models.ReadingSession `json:"user_book_read"`
		} `json:"insert_user_book_read"`
	}

	if err := c.execute(ctx, mutation, variables, &result); err != nil {
		return nil, fmt.Errorf("failed to insert reading session: %w", err)
	}
	if result.InsertUserBookRead.Error != nil {
		return nil, fmt.Errorf("failed to insert reading session: %s", *result.InsertUserBookRead.Error)
	}
	if result.InsertUserBookRead.UserBookRead == nil {
		return nil, fmt.Errorf("insert reading session returned no record")
	}
	return result.InsertUserBookRead.UserBookRead, nil
}

// UpdateReadingSessionInput is the input for mutating an existing session.
// A nil StartedAt preserves the session's original start date.
type UpdateReadingSessionInput struct {
	ID         int64
	Value      float64
	UseSeconds bool
	EditionID  *int64
	StartedAt  *string
	FinishedAt *string
}

// UpdateReadingSession mutates an existing reading session record
func (c *Client) UpdateReadingSession(ctx context.Context, input UpdateReadingSessionInput) (*models.ReadingSession, error) {
	const mutation = `
	mutation UpdateReadingSession($id: Int!, $object: DatesReadInput!) {
	  update_user_book_read(id: $id, object: $object) {
		error
		user_book_read {
		  id
		  user_book_id
		  progress
		  progress_pages
		  progress_seconds
		  edition_id
		  started_at
		  finished_at
		}
	  }
	}`

	if input.ID == 0 {
		return nil, fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}

	object := sessionObject(input.Value, input.UseSeconds, input.EditionID, input.StartedAt, input.FinishedAt)
	variables := map[string]interface{}{
		"id":     input.ID,
		"object": object,
	}

	var result struct {
		UpdateUserBookRead struct {
			Error        *string                `json:"error"`
			UserBookRead *models.ReadingSession `json:"user_book_read"`
		} `json:"update_user_book_read"`
	}

	if err := c.execute(ctx, mutation, variables, &result); err != nil {
		return nil, fmt.Errorf("failed to update reading session: %w", err)
	}
	if result.UpdateUserBookRead.Error != nil {
		return nil, fmt.Errorf("failed to update reading session: %s", *result.UpdateUserBookRead.Error)
	}
	if result.UpdateUserBookRead.UserBookRead == nil {
		return nil, fmt.Errorf("%w: session %d", ErrSessionNotFound, input.ID)
	}
	return result.UpdateUserBookRead.UserBookRead, nil
}

// sessionObject builds the user_book_read object, carrying the value in
// progress_seconds or progress_pages depending on format. Only supplied
// fields are included so the API preserves the rest.
func sessionObject(value float64, useSeconds bool, editionID *int64, startedAt, finishedAt *string) map[string]interface{} {
	object := make(map[string]interface{})
	if useSeconds {
		object["progress_seconds"] = int(value)
	} else {
		object["progress_pages"] = int(value)
	}
	if editionID != nil {
		object["edition_id"] = *editionID
	}
	if startedAt != nil {
		object["started_at"] = *startedAt
	}
	if finishedAt != nil {
		object["finished_at"] = *finishedAt
	}
	return object
}

// UpdateBookStatus sets the status of a user book. An API-level rejection is
// reported as (false, nil); transport failures return an error.
func (c *Client) UpdateBookStatus(ctx context.Context, userBookID int64, statusID int) (bool, error) {
	const mutation = `
	mutation UpdateBookStatus($id: Int!, $status_id: Int!) {
	  update_user_book(id: $id, object: {status_id: $status_id}) {
		id
		error
	  }
	}`

	if userBookID == 0 {
		return false, fmt.Errorf("%w: user book ID is required", ErrInvalidInput)
	}
	if statusID < models.StatusWantToRead || statusID > models.StatusRead {
		return false, fmt.Errorf("%w: invalid status ID %d", ErrInvalidInput, statusID)
	}

	variables := map[string]interface{}{
		"id":        userBookID,
		"status_id": statusID,
	}

	var result struct {
		UpdateUserBook struct {
			ID    int64   `json:"id"`
			Error *string `json:"error"`
		} `json:"update_user_book"`
	}

	if err := c.execute(ctx, mutation, variables, &result); err != nil {
		return false, fmt.Errorf("failed to update book status: %w", err)
	}
	if result.UpdateUserBook.Error != nil {
		c.logger.Warn("Status update rejected by API", map[string]interface{}{
			"user_book_id": userBookID,
			"status_id":    statusID,
			"error":        *result.UpdateUserBook.Error,
		})
		return false, nil
	}
	return result.UpdateUserBook.ID != 0, nil
}

// SearchEditionByISBN looks up editions by ISBN-10 or ISBN-13
func (c *Client) SearchEditionByISBN(ctx context.Context, isbn string) ([]models.Edition, error) {
	const query = `
	query SearchEditionByISBN($isbn: String!) {
	  editions(where: {_or: [{isbn_13: {_eq: $isbn}}, {isbn_10: {_eq: $isbn}}]}, limit: 5) {
		id
		book_id
		title
		isbn_10
		isbn_13
		asin
		pages
		audio_seconds
	  }
	}`
	return c.searchEditions(ctx, query, map[string]interface{}{"isbn": isbn})
}

// SearchEditionByASIN looks up editions by ASIN
func (c *Client) SearchEditionByASIN(ctx context.Context, asin string) ([]models.Edition, error) {
	const query = `
	query SearchEditionByASIN($asin: String!) {
	  editions(where: {asin: {_eq: $asin}}, limit: 5) {
		id
		book_id
		title
		isbn_10
		isbn_13
		asin
		pages
		audio_seconds
	  }
	}`
	return c.searchEditions(ctx, query, map[string]interface{}{"asin": asin})
}

func (c *Client) searchEditions(ctx context.Context, query string, variables map[string]interface{}) ([]models.Edition, error) {
	var result struct {
		Editions []models.Edition `json:"editions"`
	}
	if err := c.execute(ctx, query, variables, &result); err != nil {
		return nil, fmt.Errorf("edition search failed: %w", err)
	}
	return result.Editions, nil
}

// SearchEditionsByTitleAuthor performs a title search and carries author
// names back for caller-side ranking.
func (c *Client) SearchEditionsByTitleAuthor(ctx context.Context, title, author string) ([]models.Edition, error) {
	const query = `
	query SearchEditionsByTitle($title: String!) {
	  editions(where: {title: {_ilike: $title}}, limit: 25) {
		id
		book_id
		title
		isbn_10
		isbn_13
		asin
		pages
		audio_seconds
		contributions {
		  author {
			name
		  }
		}
	  }
	}`

	var result struct {
		Editions []struct {
			models.Edition
			Contributions []struct {
				Author struct {
					Name string `json:"name"`
				} `json:"author"`
			} `json:"contributions"`
		} `json:"editions"`
	}

	variables := map[string]interface{}{"title": "%" + title + "%"}
	if err := c.execute(ctx, query, variables, &result); err != nil {
		return nil, fmt.Errorf("title/author search failed: %w", err)
	}

	editions := make([]models.Edition, 0, len(result.Editions))
	for _, e := range result.Editions {
		edition := e.Edition
		for _, contrib := range e.Contributions {
			if contrib.Author.Name != "" {
				edition.AuthorNames = append(edition.AuthorNames, contrib.Author.Name)
			}
		}
		editions = append(editions, edition)
	}
	return editions, nil
}

// AddBookToLibrary adds a book to the user's shelf with the given status
func (c *Client) AddBookToLibrary(ctx context.Context, bookID int64, statusID int, editionID int64) (*models.UserBook, error) {
	const mutation = `
	mutation AddBookToLibrary($object: UserBookCreateInput!) {
	  insert_user_book(object: $object) {
		error
		user_book {
		  id
		  book_id
		  status_id
		  edition_id
		}
	  }
	}`

	if bookID == 0 {
		return nil, fmt.Errorf("%w: book ID is required", ErrInvalidInput)
	}

	object := map[string]interface{}{
		"book_id":   bookID,
		"status_id": statusID,
	}
	if editionID != 0 {
		object["edition_id"] = editionID
	}
	variables := map[string]interface{}{"object": object}

	var result struct {
		InsertUserBook struct {
			Error    *string          `json:"error"`
			UserBook *models.UserBook `json:"user_book"`
		} `json:"insert_user_book"`
	}

	if err := c.execute(ctx, mutation, variables, &result); err != nil {
		return nil, WithBookID(fmt.Errorf("failed to add book to library: %w", err), bookID)
	}
	if result.InsertUserBook.Error != nil {
		return nil, WithBookID(fmt.Errorf("failed to add book to library: %s", *result.InsertUserBook.Error), bookID)
	}
	if result.InsertUserBook.UserBook == nil {
		return nil, WithBookID(fmt.Errorf("add book returned no record"), bookID)
	}
	return result.InsertUserBook.UserBook, nil
}

// GetUserBookForEdition finds the user's shelf entry for an edition, if any.
// A missing entry is (nil, nil), not an error.
func (c *Client) GetUserBookForEdition(ctx context.Context, editionID int64) (*models.UserBook, error) {
	const query = `
	query GetUserBookForEdition($edition_id: Int!) {
	  user_books(where: {edition_id: {_eq: $edition_id}}, limit: 1) {
		id
		book_id
		status_id
		edition_id
		book {
		  id
		  title
		}
	  }
	}`

	var result struct {
		UserBooks []models.UserBook `json:"user_books"`
	}
	variables := map[string]interface{}{"edition_id": editionID}

	if err := c.execute(ctx, query, variables, &result); err != nil {
		return nil, fmt.Errorf("failed to look up user book for edition: %w", err)
	}
	if len(result.UserBooks) == 0 {
		return nil, nil
	}
	return &result.UserBooks[0], nil
}
