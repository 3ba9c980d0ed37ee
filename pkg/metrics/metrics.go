// Package metrics exposes delivery pipeline counters and latencies through
// OpenCensus views with a Prometheus exporter.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"contrib.go.opencensus.io/exporter/prometheus"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var (
	// Measures
	MEmailsQueued      = stats.Int64("emails_queued", "Emails accepted by admission", stats.UnitDimensionless)
	MEmailsSent        = stats.Int64("emails_sent", "Emails handed to the SMTP relay", stats.UnitDimensionless)
	MEmailsFailed      = stats.Int64("emails_failed", "Emails permanently failed", stats.UnitDimensionless)
	MEmailsSuppressed  = stats.Int64("emails_suppressed", "Submissions blocked by suppression", stats.UnitDimensionless)
	MWebhookDeliveries = stats.Int64("webhook_deliveries", "Webhook delivery attempts", stats.UnitDimensionless)
	MSMTPVerifyLatency = stats.Float64("smtp_verify_latency_ms", "SMTP connection verification latency", stats.UnitMilliseconds)

	// Tag keys
	KeyQueue, _  = tag.NewKey("queue")
	KeyHost, _   = tag.NewKey("host")
	KeyStatus, _ = tag.NewKey("status")
)

var views = []*view.View{
	{
		Name:        "emails_queued_total",
		Measure:     MEmailsQueued,
		Description: "Total emails accepted by admission",
		TagKeys:     []tag.Key{KeyQueue},
		Aggregation: view.Count(),
	},
	{
		Name:        "emails_sent_total",
		Measure:     MEmailsSent,
		Description: "Total emails handed to the SMTP relay",
		TagKeys:     []tag.Key{KeyQueue},
		Aggregation: view.Count(),
	},
	{
		Name:        "emails_failed_total",
		Measure:     MEmailsFailed,
		Description: "Total emails permanently failed",
		TagKeys:     []tag.Key{KeyQueue},
		Aggregation: view.Count(),
	},
	{
		Name:        "emails_suppressed_total",
		Measure:     MEmailsSuppressed,
		Description: "Total submissions blocked by suppression",
		Aggregation: view.Count(),
	},
	{
		Name:        "webhook_deliveries_total",
		Measure:     MWebhookDeliveries,
		Description: "Total webhook delivery attempts by outcome",
		TagKeys:     []tag.Key{KeyStatus},
		Aggregation: view.Count(),
	},
	{
		Name:        "smtp_verify_latency_ms",
		Measure:     MSMTPVerifyLatency,
		Description: "SMTP connection verification latency distribution",
		TagKeys:     []tag.Key{KeyHost},
		Aggregation: view.Distribution(5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	},
}

// Init registers all pipeline views and returns the Prometheus exposition
// handler for the /metrics endpoint.
func Init(namespace string) (http.Handler, error) {
	pe, err := prometheus.NewExporter(prometheus.Options{Namespace: namespace})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}
	view.RegisterExporter(pe)

	if err := view.Register(views...); err != nil {
		return nil, fmt.Errorf("failed to register metric views: %w", err)
	}
	return pe, nil
}

// RecordQueued increments the queued counter for a queue.
func RecordQueued(ctx context.Context, queue string) {
	recordWithTag(ctx, KeyQueue, queue, MEmailsQueued.M(1))
}

// RecordSent increments the sent counter for a queue.
func RecordSent(ctx context.Context, queue string) {
	recordWithTag(ctx, KeyQueue, queue, MEmailsSent.M(1))
}

// RecordFailed increments the permanently-failed counter for a queue.
func RecordFailed(ctx context.Context, queue string) {
	recordWithTag(ctx, KeyQueue, queue, MEmailsFailed.M(1))
}

// RecordSuppressed increments the suppression-block counter.
func RecordSuppressed(ctx context.Context) {
	stats.Record(ctx, MEmailsSuppressed.M(1))
}

// RecordWebhookDelivery tracks one webhook attempt outcome
// (delivered, retried, failed).
func RecordWebhookDelivery(ctx context.Context, status string) {
	recordWithTag(ctx, KeyStatus, status, MWebhookDeliveries.M(1))
}

// RecordSMTPVerify tracks the verification latency for one host.
func RecordSMTPVerify(host string, latency time.Duration) {
	ctx, err := tag.New(context.Background(), tag.Upsert(KeyHost, host))
	if err != nil {
		return
	}
	stats.Record(ctx, MSMTPVerifyLatency.M(float64(latency.Milliseconds())))
}

func recordWithTag(ctx context.Context, key tag.Key, value string, m stats.Measurement) {
	tagged, err := tag.New(ctx, tag.Upsert(key, value))
	if err != nil {
		stats.Record(ctx, m)
		return
	}
	stats.Record(tagged, m)
}
