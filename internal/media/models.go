package media

import "time"

// Object describes one uploaded blob. The blob itself lives on disk
// under the configured media directory; StorageKey is its file name.
type Object struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	StorageKey  string    `json:"storage_key"`
	ContentType string    `json:"content_type"`
	ByteSize    int64     `json:"byte_size"`
	URL         string    `json:"url"`
	CreatedAt   time.Time `json:"created_at"`
}
