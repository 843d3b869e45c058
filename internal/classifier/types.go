package classifier

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	// ErrUnavailable means no scores could be obtained. Callers fail open.
	ErrUnavailable = errors.New("classification unavailable")
	// ErrNoCredential means neither the scope nor the process has an API key.
	ErrNoCredential = errors.New("no classifier credential configured")
)

// TransientError is a 5xx response from the endpoint. It is retried.
type TransientError struct {
	StatusCode int
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient classifier error: status %d", e.StatusCode)
}

// StatusError is any other non-200 response. It is never retried.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("classifier rejected request: status %d: %s", e.StatusCode, e.Body)
}

// ItemType is the kind of a content item.
type ItemType string

const (
	ItemTypeText     ItemType = "text"
	ItemTypeImageURL ItemType = "image_url"
)

// ImageURL wraps the url of an image item.
type ImageURL struct {
	URL string
}

// Item is one piece of content sent for classification.
type Item struct {
	Type     ItemType
	Text     string
	ImageURL *ImageURL
}

// TextItem creates a text item.
func TextItem(text string) Item {
	return Item{Type: ItemTypeText, Text: text}
}

// ImageItem creates an image item.
func ImageItem(url string) Item {
	return Item{Type: ItemTypeImageURL, ImageURL: &ImageURL{URL: url}}
}

// Attachment describes a file attached to a message.
type Attachment struct {
	URL         string
	ContentType string
	// Animated is set by the platform for animated media such as animated webp.
	Animated bool
}

// IsStillImage reports whether the attachment is a non-animated image.
func (a Attachment) IsStillImage() bool {
	contentType := strings.ToLower(a.ContentType)
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}

	if !strings.HasPrefix(contentType, "image/") {
		return false
	}

	return contentType != "image/gif" && !a.Animated
}

// BuildItems returns the items to classify for a message: its normalized text
// if any and at most one image, the first still image attachment.
func BuildItems(normalizedText string, attachments []Attachment) []Item {
	items := make([]Item, 0, 2)

	if normalizedText != "" {
		items = append(items, TextItem(normalizedText))
	}

	for _, attachment := range attachments {
		if attachment.IsStillImage() {
			items = append(items, ImageItem(attachment.URL))
			break
		}
	}

	return items
}

// HasImage reports whether any of the items is an image.
func HasImage(items []Item) bool {
	return slices.ContainsFunc(items, func(item Item) bool {
		return item.Type == ItemTypeImageURL
	})
}

// Scores maps category names to scores in [0, 1].
type Scores map[string]float64
