package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"consent-otp-service/internal/bucketing"
	"consent-otp-service/internal/client"
	"consent-otp-service/internal/config"
	"consent-otp-service/internal/model"
	"consent-otp-service/internal/util"
)

const exportTimeout = 10 * time.Second

// Exporter fans audit rows out to the analytics sinks. Every sink is
// best-effort: the store already holds the authoritative copy, so export
// failures are logged and dropped, never surfaced to the user flow.
type Exporter struct {
	kafka      *client.KafkaProducer
	clickhouse *client.ClickHouseClient
	es         *client.ESClient
	buckets    *bucketing.BucketingManager

	topic string
	table string
	index string
}

func NewExporter(cfg *config.Config, kafka *client.KafkaProducer, clickhouse *client.ClickHouseClient, es *client.ESClient, buckets *bucketing.BucketingManager) *Exporter {
	return &Exporter{
		kafka:      kafka,
		clickhouse: clickhouse,
		es:         es,
		buckets:    buckets,
		topic:      cfg.Kafka.AuditTopic,
		table:      cfg.Clickhouse.AuditTable,
		index:      cfg.Elasticsearch.AuditIndex,
	}
}

// Export ships the rows asynchronously. Callers fire and forget; the
// audit trail of record was committed before this is ever called.
func (e *Exporter) Export(events ...*model.OTPAuditLog) {
	if len(events) == 0 {
		return
	}

	rows := make([]*model.OTPAuditLog, 0, len(events))
	for _, ev := range events {
		if ev == nil {
			continue
		}
		copied := *ev
		rows = append(rows, &copied)
	}
	if len(rows) == 0 {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), exportTimeout)
		defer cancel()

		g, gctx := errgroup.WithContext(ctx)

		if e.kafka != nil {
			g.Go(func() error { return e.exportKafka(gctx, rows) })
		}
		if e.clickhouse != nil {
			g.Go(func() error { return e.exportClickhouse(gctx, rows) })
		}
		if e.es != nil {
			g.Go(func() error { return e.exportElasticsearch(gctx, rows) })
		}

		if err := g.Wait(); err != nil {
			util.Warn("Audit export incomplete",
				zap.Int("events", len(rows)),
				zap.Error(err))
		}
	}()
}

func (e *Exporter) exportKafka(ctx context.Context, rows []*model.OTPAuditLog) error {
	for _, ev := range rows {
		value, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to marshal audit event: %w", err)
		}

		err = e.kafka.ProduceMessage(ctx, e.topic,
			[]byte(ev.ConsentID.String()), value,
			map[string]string{"event_type": string(ev.EventType)})
		if err != nil {
			return fmt.Errorf("kafka audit export failed: %w", err)
		}
	}
	return nil
}

func (e *Exporter) exportClickhouse(ctx context.Context, rows []*model.OTPAuditLog) error {
	data := make([][]interface{}, 0, len(rows))
	for _, ev := range rows {
		challengeID := ""
		if ev.ChallengeID != nil {
			challengeID = ev.ChallengeID.String()
		}
		data = append(data, []interface{}{
			ev.AuditID.String(),
			ev.ConsentID.String(),
			challengeID,
			string(ev.EventType),
			string(ev.Channel),
			string(ev.Provider),
			ev.Result,
			ev.Reason,
			ev.Meta.SessionKey,
			ev.Meta.IPAddress,
			ev.Meta.UserAgent,
			ev.Payload,
			e.buckets.DateBucket(ev.CreatedAt),
			uint32(e.buckets.EventBucket(string(ev.EventType))),
			ev.CreatedAt.UTC(),
		})
	}

	query := fmt.Sprintf("INSERT INTO %s", e.table)
	if err := e.clickhouse.BatchInsert(ctx, query, data); err != nil {
		return fmt.Errorf("clickhouse audit export failed: %w", err)
	}
	return nil
}

func (e *Exporter) exportElasticsearch(ctx context.Context, rows []*model.OTPAuditLog) error {
	for _, ev := range rows {
		res, err := e.es.IndexDocument(ctx, e.index, ev.AuditID.String(), ev)
		if err != nil {
			return fmt.Errorf("elasticsearch audit export failed: %w", err)
		}
		if res.IsError() {
			status := res.String()
			res.Body.Close()
			return fmt.Errorf("elasticsearch audit export rejected: %s", status)
		}
		res.Body.Close()
	}
	return nil
}
