package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

var ErrInvalidSessionMessage = errors.New("invalid session message")

const (
	geoJSONFeature = "Feature"
	geoJSONPoint   = "Point"
)

// Point is a GeoJSON Point geometry. Coordinates are [longitude, latitude].
type Point struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

// Feature is a GeoJSON Feature restricted to Point geometries.
type Feature struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
	Geometry   Point           `json:"geometry"`
}

func NewPointFeature(lon, lat float64) Feature {
	return Feature{
		Type:       geoJSONFeature,
		Properties: json.RawMessage(`{}`),
		Geometry: Point{
			Type:        geoJSONPoint,
			Coordinates: []float64{lon, lat},
		},
	}
}

func (f Feature) Lon() float64 { return f.Geometry.Coordinates[0] }
func (f Feature) Lat() float64 { return f.Geometry.Coordinates[1] }

func (f Feature) Validate() error {
	if f.Type != geoJSONFeature {
		return fmt.Errorf("feature type %q", f.Type)
	}
	props := bytes.TrimSpace(f.Properties)
	if len(props) == 0 || props[0] != '{' {
		return errors.New("feature properties must be an object")
	}
	if f.Geometry.Type != geoJSONPoint {
		return fmt.Errorf("geometry type %q", f.Geometry.Type)
	}
	if len(f.Geometry.Coordinates) != 2 {
		return fmt.Errorf("point must have 2 coordinates, got %d", len(f.Geometry.Coordinates))
	}
	lon, lat := f.Geometry.Coordinates[0], f.Geometry.Coordinates[1]
	if math.IsNaN(lon) || lon < -180 || lon > 180 {
		return fmt.Errorf("longitude %v out of range", lon)
	}
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		return fmt.Errorf("latitude %v out of range", lat)
	}
	return nil
}

// SessionMessage is the application payload carried over an open data
// channel: the sender's session window plus its latest position.
type SessionMessage struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Position Feature   `json:"position"`
}

// NewSessionMessage normalizes times to UTC millisecond precision, matching
// what browsers produce with Date.toISOString.
func NewSessionMessage(start, end time.Time, position Feature) SessionMessage {
	return SessionMessage{
		Start:    start.UTC().Truncate(time.Millisecond),
		End:      end.UTC().Truncate(time.Millisecond),
		Position: position,
	}
}

func (m SessionMessage) Validate() error {
	if m.Start.IsZero() || m.End.IsZero() {
		return fmt.Errorf("%w: missing start/end", ErrInvalidSessionMessage)
	}
	if err := m.Position.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSessionMessage, err)
	}
	return nil
}

func ParseSessionMessage(raw []byte) (SessionMessage, error) {
	var m SessionMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return SessionMessage{}, fmt.Errorf("%w: %v", ErrInvalidSessionMessage, err)
	}
	if err := m.Validate(); err != nil {
		return SessionMessage{}, err
	}
	return m, nil
}
