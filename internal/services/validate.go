package services

import (
	"errors"
	"math"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/prudhvinik1/fieldsync/internal/models"
	"github.com/prudhvinik1/fieldsync/internal/syncerr"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report JSON field names so errors match what clients sent
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateStruct converts validator failures into a ValidationError naming
// the first offending field.
func validateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return syncerr.Invalid(fe.Field(), "failed %q constraint", fe.Tag())
	}
	return syncerr.Invalid("", "%v", err)
}

// allowedGeometries lists the geometry kinds each overlay type accepts.
var allowedGeometries = map[models.OverlayType][]string{
	models.OverlayPointOfInterest: {geojson.TypePoint},
	models.OverlayLine:            {geojson.TypeLineString},
	models.OverlayAreaOfInterest:  {geojson.TypePolygon, geojson.TypeMultiPolygon},
	models.OverlayPolygon:         {geojson.TypePolygon, geojson.TypeMultiPolygon},
	models.OverlayHazard:          {geojson.TypePoint, geojson.TypePolygon, geojson.TypeMultiPolygon},
}

func validateGeometry(overlayType models.OverlayType, g *geojson.Geometry) error {
	allowed, ok := allowedGeometries[overlayType]
	if !ok {
		return syncerr.Invalid("type", "unknown overlay type %q", overlayType)
	}
	if g == nil || g.Geometry() == nil {
		return syncerr.Invalid("geometry", "geometry is required")
	}

	geometry := g.Geometry()
	kind := geometry.GeoJSONType()
	if !containsString(allowed, kind) {
		return syncerr.Invalid("geometry", "%s overlays cannot use %s geometry", overlayType, kind)
	}

	switch geom := geometry.(type) {
	case orb.Point:
		return validatePoint("geometry", geom)
	case orb.LineString:
		if len(geom) < 2 {
			return syncerr.Invalid("geometry", "line needs at least 2 positions")
		}
		return validatePoints(geom)
	case orb.Polygon:
		return validatePolygon(geom)
	case orb.MultiPolygon:
		if len(geom) == 0 {
			return syncerr.Invalid("geometry", "multipolygon is empty")
		}
		for _, p := range geom {
			if err := validatePolygon(p); err != nil {
				return err
			}
		}
	}
	return nil
}

func validatePolygon(p orb.Polygon) error {
	if len(p) == 0 {
		return syncerr.Invalid("geometry", "polygon has no rings")
	}
	for _, ring := range p {
		if len(ring) < 4 {
			return syncerr.Invalid("geometry", "polygon ring needs at least 4 positions")
		}
		if !ring.Closed() {
			return syncerr.Invalid("geometry", "polygon ring is not closed")
		}
		if err := validatePoints(ring); err != nil {
			return err
		}
	}
	return nil
}

func validatePoints[S ~[]orb.Point](points S) error {
	for _, p := range points {
		if err := validatePoint("geometry", p); err != nil {
			return err
		}
	}
	return nil
}

// validatePoint checks p is a real WGS84 lon/lat position.
func validatePoint(field string, p orb.Point) error {
	lon, lat := p.Lon(), p.Lat()
	if math.IsNaN(lon) || math.IsNaN(lat) || lon < -180 || lon > 180 || lat < -90 || lat > 90 {
		return syncerr.Invalid(field, "coordinates out of range: [%g, %g]", lon, lat)
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
