// Package etl holds the geospatial workflow definitions and task handlers
// that ride on top of the orchestrator. Handlers contain the ETL business
// logic and communicate only through their returned results; none of them
// touch job or task state.
package etl

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"geoflow/pkg/handler"
	"geoflow/pkg/identity"
	"geoflow/pkg/job"
	"geoflow/pkg/workflow"
)

const (
	JobTypeRasterIngest = "raster_ingest"

	TaskScanScenes      = "scan_scenes"
	TaskReprojectRaster = "reproject_raster"
	TaskBuildCatalog    = "build_catalog"
)

// Register wires the raster-ingest workflow and its handlers into the
// given registries.
func Register(workflows *workflow.Registry, handlers *handler.Registry) {
	workflows.Register(&RasterIngest{schema: rasterIngestSchema})
	handlers.Register(TaskScanScenes, ScanScenes)
	handlers.Register(TaskReprojectRaster, ReprojectRaster)
	handlers.Register(TaskBuildCatalog, BuildCatalog)
}

var rasterIngestSchema = workflow.MustCompileSchema(map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"properties": map[string]any{
		"collection":  map[string]any{"type": "string", "minLength": 1},
		"source_uri":  map[string]any{"type": "string", "pattern": `^[a-z][a-z0-9+.-]*://`},
		"target_srid": map[string]any{"type": "integer", "minimum": 1024, "maximum": 998999},
		"scene_count": map[string]any{"type": "integer", "minimum": 1, "maximum": 10000},
	},
	"required": []string{"collection", "source_uri"},
})

// RasterIngest ingests a raster collection: discover the scenes, reproject
// each one in parallel, then assemble a catalog from everything that made
// it through.
type RasterIngest struct {
	schema *jsonschema.Schema
}

func (w *RasterIngest) Type() string { return JobTypeRasterIngest }

func (w *RasterIngest) Stages() []workflow.StageDef {
	return []workflow.StageDef{
		{Name: "scan", TaskType: TaskScanScenes, Parallelism: workflow.Single},
		{Name: "reproject", TaskType: TaskReprojectRaster, Parallelism: workflow.FanOut},
		{Name: "catalog", TaskType: TaskBuildCatalog, Parallelism: workflow.FanIn},
	}
}

func (w *RasterIngest) ValidateParameters(raw map[string]any) (map[string]any, error) {
	if err := workflow.ValidateWithSchema(w.schema, raw); err != nil {
		return nil, err
	}
	params := make(map[string]any, len(raw)+1)
	for k, v := range raw {
		params[k] = v
	}
	if _, ok := params["target_srid"]; !ok {
		params["target_srid"] = 4326
	}
	return params, nil
}

func (w *RasterIngest) CreateTasks(stage int, jobID string, params map[string]any, previousResults []job.Result) ([]workflow.TaskSpec, error) {
	switch stage {
	case 1:
		collection, _ := params["collection"].(string)
		return []workflow.TaskSpec{{
			TaskID:     identity.TaskID(jobID, stage, collection),
			TaskType:   TaskScanScenes,
			Parameters: params,
		}}, nil

	case 2:
		// One reprojection task per scene the scan discovered. The scene
		// path is the logical unit, so reprocessing the same collection
		// lands on the same task IDs.
		var specs []workflow.TaskSpec
		for _, res := range previousResults {
			scenes, ok := res["scenes"].([]any)
			if !ok {
				return nil, fmt.Errorf("scan result for job %s is missing its scene list", jobID)
			}
			for _, s := range scenes {
				scene, ok := s.(string)
				if !ok || scene == "" {
					return nil, fmt.Errorf("scan result for job %s contains a malformed scene entry", jobID)
				}
				specs = append(specs, workflow.TaskSpec{
					TaskID:   identity.TaskID(jobID, stage, scene),
					TaskType: TaskReprojectRaster,
					Parameters: map[string]any{
						"scene":       scene,
						"target_srid": params["target_srid"],
					},
				})
			}
		}
		return specs, nil

	default:
		// Stage 3 is fan_in; the orchestrator synthesizes its task.
		return nil, nil
	}
}

func (w *RasterIngest) Finalize(fc workflow.FinalizeContext) (map[string]any, error) {
	catalog := fc.StageResults.Stage(3)
	if len(catalog) != 1 {
		return nil, fmt.Errorf("expected exactly one catalog result, got %d", len(catalog))
	}

	reprojected, failed := 0, 0
	for _, t := range fc.Tasks {
		if t.Type != TaskReprojectRaster {
			continue
		}
		switch t.Status {
		case job.TaskCompleted:
			reprojected++
		case job.TaskFailed:
			failed++
		}
	}

	return map[string]any{
		"collection":         fc.Parameters["collection"],
		"catalog_uri":        catalog[0]["catalog_uri"],
		"scenes_reprojected": reprojected,
		"scenes_failed":      failed,
	}, nil
}
