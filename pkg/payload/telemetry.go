package payload

type RouteVisit struct {
	Path  string `json:"path"`
	Title string `json:"title,omitempty"`
	At    int64  `json:"at"`
}

type Click struct {
	Path   string `json:"path"`
	Target string `json:"target"`
	X      int    `json:"x,omitempty"`
	Y      int    `json:"y,omitempty"`
	At     int64  `json:"at"`
}
