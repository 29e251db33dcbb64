package community

import "time"

// Community is a neighborhood anchored to one hex cell. The cell
// index is the primary key; the stored center is the cell centroid.
type Community struct {
	Index     string    `json:"h3_index"`
	Name      string    `json:"name"`
	CenterLat float64   `json:"center_lat"`
	CenterLng float64   `json:"center_lng"`
	CreatedAt time.Time `json:"created_at"`
}

// Resolution is the outcome of resolving a user's location: the home
// community plus the surrounding ring. Primary is nil when the user
// has not set a home location yet.
type Resolution struct {
	Primary   *Community  `json:"primary"`
	Neighbors []Community `json:"neighbors"`
}
