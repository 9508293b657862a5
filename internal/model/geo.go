package model

// GeoPoint は緯度経度で表す地点。
type GeoPoint struct {
	Lat float64 `json:"latitude"`
	Lng float64 `json:"longitude"`
}

// BoundingBox は緯度経度の矩形領域。
type BoundingBox struct {
	North float64 `yaml:"north"`
	South float64 `yaml:"south"`
	East  float64 `yaml:"east"`
	West  float64 `yaml:"west"`
}

// RangeCheck は距離判定の結果。
type RangeCheck struct {
	Allowed     bool
	Distance    float64
	MaxDistance float64
	// Accuracy は "high" または計算失敗時の "error"。
	Accuracy string
}
