package models

import (
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

type OverlayType string

const (
	OverlayAreaOfInterest  OverlayType = "area_of_interest"
	OverlayHazard          OverlayType = "hazard"
	OverlayPointOfInterest OverlayType = "point_of_interest"
	OverlayLine            OverlayType = "line"
	OverlayPolygon         OverlayType = "polygon"
)

type OverlayState string

const (
	OverlayDraft     OverlayState = "draft"
	OverlayPublished OverlayState = "published"
	OverlayRemoved   OverlayState = "removed"
)

// OverlayProperties holds the semantic attributes of an overlay. Which fields
// are meaningful depends on the overlay type.
type OverlayProperties struct {
	HazardType   string         `json:"hazard_type,omitempty"`
	Severity     int            `json:"severity,omitempty" validate:"omitempty,min=1,max=4"`
	HazardStatus string         `json:"hazard_status,omitempty" validate:"omitempty,oneof=active contained resolved"`
	Confidence   int            `json:"confidence,omitempty" validate:"omitempty,min=0,max=100"`
	PoiType      string         `json:"poi_type,omitempty"`
	Capacity     *int           `json:"capacity,omitempty" validate:"omitempty,min=0"`
	Extra        map[string]any `json:"extra,omitempty"`
}

type Overlay struct {
	ID         uuid.UUID         `json:"id"`
	SessionID  uuid.UUID         `json:"session_id"`
	Type       OverlayType       `json:"type"`
	Code       string            `json:"code,omitempty"`
	Name       string            `json:"name,omitempty"`
	Geometry   *geojson.Geometry `json:"geometry"`
	Properties OverlayProperties `json:"properties"`
	State      OverlayState      `json:"state"`
	Version    int64             `json:"version"`
	CreatedBy  string            `json:"created_by"`
	UpdatedBy  string            `json:"updated_by"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	RemovedAt  *time.Time        `json:"removed_at,omitempty"`
	RemovedBy  *string           `json:"removed_by,omitempty"`
	Lock       *Lock             `json:"lock,omitempty"`
}

// OverlayPatch describes a partial update. Nil fields are left untouched.
type OverlayPatch struct {
	Code          *string            `json:"code,omitempty"`
	Name          *string            `json:"name,omitempty"`
	Geometry      *geojson.Geometry  `json:"geometry,omitempty"`
	Properties    *OverlayProperties `json:"properties,omitempty"`
	RevertToDraft bool               `json:"revert_to_draft,omitempty"`
}

func (o Overlay) CurrentVersion() int64 { return o.Version }

// Clone returns a deep copy so a mutation never aliases the stored record.
func (o *Overlay) Clone() *Overlay {
	c := *o
	c.Geometry = cloneGeometry(o.Geometry)
	c.Properties = o.Properties.Clone()
	if o.RemovedAt != nil {
		t := *o.RemovedAt
		c.RemovedAt = &t
	}
	if o.RemovedBy != nil {
		s := *o.RemovedBy
		c.RemovedBy = &s
	}
	c.Lock = nil
	return &c
}

func (p OverlayProperties) Clone() OverlayProperties {
	c := p
	if p.Capacity != nil {
		v := *p.Capacity
		c.Capacity = &v
	}
	if p.Extra != nil {
		c.Extra = maps.Clone(p.Extra)
	}
	return c
}

// Apply copies the non-nil fields of the patch onto the overlay.
func (p OverlayPatch) Apply(o *Overlay) {
	if p.Code != nil {
		o.Code = *p.Code
	}
	if p.Name != nil {
		o.Name = *p.Name
	}
	if p.Geometry != nil {
		o.Geometry = cloneGeometry(p.Geometry)
	}
	if p.Properties != nil {
		o.Properties = p.Properties.Clone()
	}
	if p.RevertToDraft {
		o.State = OverlayDraft
	}
}

func (p OverlayPatch) IsEmpty() bool {
	return p.Code == nil && p.Name == nil && p.Geometry == nil && p.Properties == nil && !p.RevertToDraft
}

type OverlayFilter struct {
	Type           OverlayType
	State          OverlayState
	IncludeRemoved bool
}

// Matches applies the listing rules shared by every overlay repository.
func (f OverlayFilter) Matches(o *Overlay) bool {
	if f.Type != "" && o.Type != f.Type {
		return false
	}
	if f.State != "" {
		return o.State == f.State
	}
	return f.IncludeRemoved || o.State != OverlayRemoved
}

func cloneGeometry(g *geojson.Geometry) *geojson.Geometry {
	if g == nil || g.Geometry() == nil {
		return g
	}
	return geojson.NewGeometry(orb.Clone(g.Geometry()))
}
