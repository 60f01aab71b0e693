package export

import (
	"context"
	"fmt"
	"os"
	"time"

	processor "github.com/ethpandaops/go-batch-processor"
	"github.com/sirupsen/logrus"

	httpexport "github.com/ethpandaops/kfuncsnoop/internal/export/http"
)

// FunctionRecord is one catalogued kernel function as shipped to
// downstream collectors.
type FunctionRecord struct {
	Index      int       `json:"index"`
	Name       string    `json:"name"`
	Module     string    `json:"module,omitempty"`
	Addr       string    `json:"addr"`
	Size       uint64    `json:"size"`
	ArgCount   int       `json:"arg_count"`
	Strategy   string    `json:"strategy"`
	Hostname   string    `json:"hostname,omitempty"`
	Kernel     string    `json:"kernel_release,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// CatalogExporter streams function catalog snapshots over HTTP as
// batched NDJSON.
type CatalogExporter struct {
	log      logrus.FieldLogger
	proc     *processor.BatchItemProcessor[FunctionRecord]
	hostname string
	kernel   string
}

// NewCatalogExporter creates a catalog exporter backed by the shared
// batching HTTP pipeline.
func NewCatalogExporter(
	log logrus.FieldLogger,
	cfg httpexport.Config,
) (*CatalogExporter, error) {
	// Snapshots are one-shot: Export must block until the records
	// are delivered, or an immediate Stop drops them in the queue.
	proc, err := httpexport.NewProcessor[FunctionRecord](
		log, cfg, "catalog",
		processor.WithShippingMethod(processor.ShippingMethodSync),
	)
	if err != nil {
		return nil, fmt.Errorf("creating catalog processor: %w", err)
	}

	hostname, _ := os.Hostname()

	return &CatalogExporter{
		log:      log.WithField("component", "catalog_exporter"),
		proc:     proc,
		hostname: hostname,
		kernel:   kernelRelease(),
	}, nil
}

// Start launches the background export workers.
func (c *CatalogExporter) Start(ctx context.Context) {
	c.proc.Start(ctx)
}

// Export queues one snapshot of the catalog. Records are annotated
// with host identity before shipping.
func (c *CatalogExporter) Export(
	ctx context.Context,
	records []*FunctionRecord,
) error {
	now := time.Now().UTC()

	for _, r := range records {
		r.Hostname = c.hostname
		r.Kernel = c.kernel
		r.ObservedAt = now
	}

	if err := c.proc.Write(ctx, records); err != nil {
		return fmt.Errorf("queueing %d catalog records: %w", len(records), err)
	}

	c.log.WithField("records", len(records)).
		Debug("Queued catalog snapshot for export")

	return nil
}

// Stop drains the queue and shuts the pipeline down.
func (c *CatalogExporter) Stop(ctx context.Context) error {
	return c.proc.Shutdown(ctx)
}
