package models

// RegionsResponse is returned by GET /v1/regions
type RegionsResponse struct {
	Regions []string `json:"regions"`
	Default string   `json:"default"`
}

// RegionCapacity is the last capacity each container in a region reported
type RegionCapacity struct {
	Region     string         `json:"region"`
	Total      int            `json:"total"`
	Containers map[string]int `json:"containers"`
}
