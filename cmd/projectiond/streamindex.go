package main

import (
	"context"
	"time"

	"github.com/plaenen/projections/pkg/domain"
	"github.com/plaenen/projections/pkg/projection"
	"github.com/plaenen/projections/pkg/rebuild"
)

// streamIndex is the projection projectiond maintains for every object of a
// configured type. It records how far the object's stream has been folded.
type streamIndex struct {
	Batches   int       `json:"batches"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func streamIndexName(objectName string) string {
	return objectName + "-index"
}

func (a *app) streamIndexFactory(objectName string) rebuild.ProjectionFactory {
	name := streamIndexName(objectName)
	return func() projection.Updatable {
		return projection.New[streamIndex](name,
			projection.WithDocumentStore(a.events),
			projection.WithEventStreamFactory(a.events),
			projection.WithLogger(a.logger),
			projection.WithTracer(a.telemetry.Tracer("projection")),
			projection.WithMetrics(a.telemetry.Metrics),
		).OnBatchComplete(func(ctx context.Context, s *streamIndex) error {
			s.Batches++
			s.UpdatedAt = domain.Now()
			return nil
		})
	}
}

func (a *app) inlineProcessor(objectName string) *rebuild.InlineProcessor {
	return rebuild.NewInlineProcessor(streamIndexName(objectName), a.coordinator, a.projections,
		a.streamIndexFactory(objectName),
		rebuild.WithInlineLogger(a.logger),
		rebuild.WithInlineMetrics(a.telemetry.Metrics),
	)
}
