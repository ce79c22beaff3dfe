package media

import (
	"context"
	"fmt"
	"strings"

	"parts-enrichment/internal/models"
	"parts-enrichment/internal/supplier"
)

// Executor serves the image capability for suppliers that expose component
// photos at a predictable URL. Other capabilities fail capability-scoped so
// the rest of a task keeps going.
type Executor struct {
	pipeline *Pipeline
	// urlTemplate contains a %s placeholder substituted with the part id.
	urlTemplate string
}

// NewExecutor builds an image-only executor around the pipeline.
func NewExecutor(pipeline *Pipeline, urlTemplate string) *Executor {
	return &Executor{pipeline: pipeline, urlTemplate: urlTemplate}
}

func (e *Executor) Execute(ctx context.Context, ref supplier.PartRef, capability models.Capability) (supplier.Result, error) {
	if capability != models.CapabilityImage {
		return supplier.Result{}, supplier.CapabilityFailed(capability,
			fmt.Errorf("capability not offered by this supplier"))
	}
	sourceURL := e.urlTemplate
	if strings.Contains(sourceURL, "%s") {
		sourceURL = fmt.Sprintf(e.urlTemplate, ref.ID)
	}
	location, err := e.pipeline.Thumbnail(ctx, sourceURL, fmt.Sprintf("thumbs/%s.jpg", ref.ID))
	if err != nil {
		return supplier.Result{}, supplier.CapabilityFailed(capability, err)
	}
	return supplier.Result{
		Capability: capability,
		Location:   location,
		Detail:     fmt.Sprintf("thumbnail for %s", ref.Name),
	}, nil
}
