package etl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"geoflow/pkg/handler"
)

// ScanScenes discovers the scenes of a collection. The real implementation
// lists the source bucket; here the scene list is derived from the
// submission parameters so the pipeline runs self-contained.
func ScanScenes(ctx context.Context, params map[string]any, tc *handler.TaskContext) handler.Result {
	collection, _ := params["collection"].(string)
	sourceURI, _ := params["source_uri"].(string)
	if collection == "" || sourceURI == "" {
		return handler.Failed("scan_error", errors.New("missing collection or source_uri"))
	}

	n := intParam(params, "scene_count", 5)
	scenes := make([]any, 0, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("scene_%04d.tif", i)
		// Collections marked poisoned get one scene that will never
		// reproject, to exercise the partial-failure path under load.
		if i == n-1 && strings.HasSuffix(collection, "-poison") {
			name = fmt.Sprintf("scene_%04d.bad.tif", i)
		}
		scenes = append(scenes, fmt.Sprintf("%s/%s/%s", strings.TrimRight(sourceURI, "/"), collection, name))
	}

	return handler.OK(map[string]any{
		"collection": collection,
		"scenes":     scenes,
	})
}

// ReprojectRaster warps one scene to the target SRID. Scenes named
// *.bad.tif fail deterministically, which exercises the retry and
// partial-failure paths end to end.
func ReprojectRaster(ctx context.Context, params map[string]any, tc *handler.TaskContext) handler.Result {
	scene, _ := params["scene"].(string)
	if scene == "" {
		return handler.Failed("reproject_error", errors.New("missing scene"))
	}
	srid := intParam(params, "target_srid", 4326)

	// Reprojection is the long-running step; keep the heartbeat fresh.
	if err := tc.Pulse(ctx); err != nil {
		tc.Logger.Warn("pulse failed", "error", err)
	}
	time.Sleep(50 * time.Millisecond)

	if strings.HasSuffix(scene, ".bad.tif") {
		return handler.Failed("reproject_error", fmt.Errorf("scene %s has no valid georeferencing", scene))
	}

	return handler.OK(map[string]any{
		"scene": scene,
		"srid":  srid,
		"uri":   fmt.Sprintf("%s.epsg%d.tif", strings.TrimSuffix(scene, ".tif"), srid),
	})
}

// BuildCatalog is the fan_in aggregation: it receives every reprojection
// result plus the original job parameters and assembles the collection
// catalog.
func BuildCatalog(ctx context.Context, params map[string]any, tc *handler.TaskContext) handler.Result {
	results, ok := params["results"].([]any)
	if !ok {
		return handler.Failed("catalog_error", errors.New("missing predecessor results"))
	}
	jobParams, _ := params["job_parameters"].(map[string]any)
	collection, _ := jobParams["collection"].(string)

	items := make([]any, 0, len(results))
	failed := 0
	for _, r := range results {
		res, ok := r.(map[string]any)
		if !ok {
			return handler.Failed("catalog_error", errors.New("malformed predecessor result"))
		}
		if f, _ := res["failed"].(bool); f {
			failed++
			continue
		}
		items = append(items, res["uri"])
	}

	return handler.OK(map[string]any{
		"catalog_uri": fmt.Sprintf("catalogs/%s/%s.json", collection, tc.JobID),
		"scene_count": len(items),
		"failed":      failed,
		"items":       items,
	})
}

func intParam(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}
