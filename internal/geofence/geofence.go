// Package geofence は利用者の位置が操作可能範囲内にあるかを判定する。
package geofence

import (
	"math"

	"github.com/hitoshi/garagegate/internal/model"
)

// EarthRadiusMeters は距離計算に使う地球の平均半径。
const EarthRadiusMeters = 6371000.0

// metersPerDegreeLat は緯度1度あたりの概算距離。
const metersPerDegreeLat = 111000.0

// 精度の値
const (
	AccuracyHigh  = "high"
	AccuracyError = "error"
)

// IsValidCoordinate は緯度経度が有効な範囲の有限値であるかを返す。
func IsValidCoordinate(p model.GeoPoint) bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// CalculateDistance はハバーサイン公式で2点間の大円距離（メートル）を返す。
func CalculateDistance(a, b model.GeoPoint) (float64, error) {
	if !IsValidCoordinate(a) || !IsValidCoordinate(b) {
		return 0, model.NewValidationError("緯度経度が不正です")
	}

	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dLat := toRadians(b.Lat - a.Lat)
	dLng := toRadians(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return EarthRadiusMeters * c, nil
}

// IsInRegion は地点が矩形領域内（境界を含む）にあるかを返す。
// 経度の日付変更線跨ぎは扱わない。
func IsInRegion(p model.GeoPoint, box model.BoundingBox) bool {
	if !IsValidCoordinate(p) {
		return false
	}
	return p.Lat <= box.North && p.Lat >= box.South && p.Lng <= box.East && p.Lng >= box.West
}

// IsWithinRange はuserがtargetからmaxMeters以内にあるかを判定する。
// 距離計算に失敗した場合は拒否し、Accuracyに"error"を設定する。
func IsWithinRange(user, target model.GeoPoint, maxMeters float64) model.RangeCheck {
	distance, err := CalculateDistance(user, target)
	if err != nil || math.IsNaN(maxMeters) || maxMeters < 0 {
		return model.RangeCheck{
			Allowed:     false,
			MaxDistance: maxMeters,
			Accuracy:    AccuracyError,
		}
	}
	return model.RangeCheck{
		Allowed:     distance <= maxMeters,
		Distance:    distance,
		MaxDistance: maxMeters,
		Accuracy:    AccuracyHigh,
	}
}

// LocationBounds は中心点から半径radiusMetersを囲む矩形を返す。
// 経度方向は緯度に応じて補正する。
func LocationBounds(center model.GeoPoint, radiusMeters float64) model.BoundingBox {
	latDelta := radiusMeters / metersPerDegreeLat
	cosLat := math.Cos(toRadians(center.Lat))
	lngDelta := 180.0
	if cosLat > 1e-9 {
		lngDelta = math.Min(radiusMeters/(metersPerDegreeLat*cosLat), 180)
	}
	return model.BoundingBox{
		North: math.Min(center.Lat+latDelta, 90),
		South: math.Max(center.Lat-latDelta, -90),
		East:  math.Min(center.Lng+lngDelta, 180),
		West:  math.Max(center.Lng-lngDelta, -180),
	}
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
