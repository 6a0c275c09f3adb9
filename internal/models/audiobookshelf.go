package models

// LibraryItem represents an item from the Audiobookshelf API
type LibraryItem struct {
	ID        string `json:"id"`
	LibraryID string `json:"libraryId"`
	MediaType string `json:"mediaType"`
	Media     struct {
		ID       string `json:"id"`
		Metadata struct {
			Title         string `json:"title"`
			Subtitle      string `json:"subtitle"`
			AuthorName    string `json:"authorName"`
			NarratorName  string `json:"narratorName"`
			PublishedYear string `json:"publishedYear"`
			Publisher     string `json:"publisher"`
			ISBN          string `json:"isbn"`
			ASIN          string `json:"asin"`
			Language      string `json:"language"`
		} `json:"metadata"`
		Duration float64 `json:"duration"`
		NumPages int     `json:"numPages"`
	} `json:"media"`
	Progress ItemProgress `json:"progress,omitempty"`
}

// ItemProgress holds the consumption progress for a library item.
// Audio items report seconds; ebooks report a bare percentage.
type ItemProgress struct {
	ProgressPercent float64 `json:"progress"`
	CurrentTime     float64 `json:"currentTime"`
	IsFinished      bool    `json:"isFinished"`
	StartedAt       int64   `json:"startedAt"`
	FinishedAt      int64   `json:"finishedAt"`
	LastListenedAt  int64   `json:"lastUpdate"`
}

// IsAudio reports whether the item tracks progress in seconds
func (i *LibraryItem) IsAudio() bool {
	return i.Media.Duration > 0
}

// ProgressPercent returns the item's progress as 0-100 percentage points
func (i *LibraryItem) ProgressPercent() float64 {
	if i.Progress.IsFinished {
		return 100
	}
	if i.Media.Duration > 0 && i.Progress.CurrentTime > 0 {
		pct := i.Progress.CurrentTime / i.Media.Duration * 100
		if pct > 100 {
			pct = 100
		}
		return pct
	}
	return i.Progress.ProgressPercent * 100
}

// ProgressValue returns the raw progress value for the catalog write path:
// seconds for audio items, pages for page-based items.
func (i *LibraryItem) ProgressValue() (value float64, useSeconds bool) {
	if i.IsAudio() {
		return i.Progress.CurrentTime, true
	}
	if i.Media.NumPages > 0 {
		return i.Progress.ProgressPercent * float64(i.Media.NumPages), false
	}
	return i.Progress.ProgressPercent * 100, false
}

// HasProgressData reports whether the item carries any progress signal.
// Library listings are often minified and omit per-user progress, which then
// has to be fetched separately.
func (i *LibraryItem) HasProgressData() bool {
	return i.Progress.IsFinished ||
		i.Progress.CurrentTime > 0 ||
		i.Progress.ProgressPercent > 0 ||
		i.Progress.FinishedAt > 0
}

// ApplyMediaProgress copies a standalone progress record onto the item
func (i *LibraryItem) ApplyMediaProgress(p *MediaProgress) {
	if p == nil {
		return
	}
	i.Progress = ItemProgress{
		ProgressPercent: p.Progress,
		CurrentTime:     p.CurrentTime,
		IsFinished:      p.IsFinished,
		StartedAt:       p.StartedAt,
		FinishedAt:      p.FinishedAt,
		LastListenedAt:  p.LastUpdate,
	}
}

// Library represents a library in Audiobookshelf
type Library struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	MediaType string `json:"mediaType"`
}

// LibraryItemsResponse represents the paged response when fetching library items
type LibraryItemsResponse struct {
	Results []LibraryItem `json:"results"`
	Total   int           `json:"total"`
	Limit   int           `json:"limit"`
	Page    int           `json:"page"`
}

// MediaProgress is one per-item progress entry from the user progress endpoint
type MediaProgress struct {
	ID            string  `json:"id"`
	LibraryItemID string  `json:"libraryItemId"`
	UserID        string  `json:"userId"`
	IsFinished    bool    `json:"isFinished"`
	Progress      float64 `json:"progress"`
	CurrentTime   float64 `json:"currentTime"`
	Duration      float64 `json:"duration"`
	StartedAt     int64   `json:"startedAt"`
	FinishedAt    int64   `json:"finishedAt"`
	LastUpdate    int64   `json:"lastUpdate"`
}
