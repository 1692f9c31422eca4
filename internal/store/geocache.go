package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"leadgen/internal/models"
)

// GetGeocode looks up a cached geocoder answer. Freshness is the caller's call.
func (s *Store) GetGeocode(ctx context.Context, key string) (models.GeocodeCacheEntry, bool, error) {
	e := models.GeocodeCacheEntry{Key: key}
	var bbox []byte
	err := s.pool.QueryRow(ctx, `
		SELECT lat, lon, bbox, updated_at FROM geocode_cache WHERE key = $1
	`, key).Scan(&e.Lat, &e.Lon, &bbox, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.GeocodeCacheEntry{}, false, nil
	}
	if err != nil {
		return models.GeocodeCacheEntry{}, false, fmt.Errorf("query geocode cache: %w", err)
	}
	if len(bbox) > 0 {
		if err := json.Unmarshal(bbox, &e.BoundingBox); err != nil {
			return models.GeocodeCacheEntry{}, false, fmt.Errorf("decode bbox: %w", err)
		}
	}
	return e, true, nil
}

// PutGeocode stores or refreshes a geocoder answer.
func (s *Store) PutGeocode(ctx context.Context, e models.GeocodeCacheEntry) error {
	var bbox *string
	if len(e.BoundingBox) > 0 {
		raw, err := json.Marshal(e.BoundingBox)
		if err != nil {
			return fmt.Errorf("marshal bbox: %w", err)
		}
		v := string(raw)
		bbox = &v
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO geocode_cache (key, lat, lon, bbox, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE SET
			lat = EXCLUDED.lat,
			lon = EXCLUDED.lon,
			bbox = EXCLUDED.bbox,
			updated_at = EXCLUDED.updated_at
	`, e.Key, e.Lat, e.Lon, bbox, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert geocode cache: %w", err)
	}
	return nil
}
