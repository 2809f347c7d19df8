package search

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/eventstore/config"
	"example.com/backstage/services/eventstore/internal/models"
	"example.com/backstage/services/eventstore/internal/projection"
)

// EventsIndex is the unprefixed name of the event search index
const EventsIndex = "events"

// NewElasticClient creates a new Elasticsearch client
func NewElasticClient(cfg config.ElasticConfig) (*elasticsearch.Client, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 10,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}
	return client, nil
}

// Document is the indexed form of a stored event
type Document struct {
	EventID        string          `json:"event_id"`
	TenantID       string          `json:"tenant_id"`
	StreamName     string          `json:"stream_name"`
	GlobalPosition int64           `json:"global_position"`
	AggregateType  string          `json:"aggregate_type"`
	AggregateID    string          `json:"aggregate_id"`
	Version        int64           `json:"version"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CorrelationID  *string         `json:"correlation_id,omitempty"`
	CausationID    *string         `json:"causation_id,omitempty"`
	UserID         *string         `json:"user_id,omitempty"`
	OccurredAt     time.Time       `json:"occurred_at"`
	StoredAt       time.Time       `json:"stored_at"`
}

// NewDocument converts an event. Payload and metadata are embedded only when
// they are valid JSON.
func NewDocument(event *models.Event) Document {
	doc := Document{
		EventID:        event.ID,
		TenantID:       event.TenantID,
		StreamName:     event.StreamName,
		GlobalPosition: event.GlobalPosition,
		AggregateType:  event.AggregateType,
		AggregateID:    event.AggregateID,
		Version:        event.Version,
		EventType:      event.EventType,
		CorrelationID:  event.CorrelationID,
		CausationID:    event.CausationID,
		UserID:         event.UserID,
		OccurredAt:     event.OccurredAt,
		StoredAt:       event.StoredAt,
	}
	if json.Valid(event.Payload) {
		doc.Payload = event.Payload
	}
	if json.Valid(event.Metadata) {
		doc.Metadata = event.Metadata
	}
	return doc
}

// Indexer is a projection handler that copies events into Elasticsearch,
// keyed by event id so replays overwrite rather than duplicate.
type Indexer struct {
	client *elasticsearch.Client
	index  string
}

// NewIndexer creates an indexer writing to the prefixed events index
func NewIndexer(client *elasticsearch.Client, cfg config.ElasticConfig) *Indexer {
	return &Indexer{
		client: client,
		index:  config.FormatIndex(cfg, EventsIndex),
	}
}

// Index returns the full index name
func (i *Indexer) Index() string {
	return i.index
}

// EnsureIndex creates the index if it does not exist
func (i *Indexer) EnsureIndex(ctx context.Context) error {
	res, err := esapi.IndicesExistsRequest{Index: []string{i.index}}.Do(ctx, i.client)
	if err != nil {
		return errors.Wrapf(err, "error checking if index %s exists", i.index)
	}
	res.Body.Close()

	if res.StatusCode == http.StatusOK {
		return nil
	}

	log.Info().Str("index", i.index).Msg("Creating index")
	res, err = esapi.IndicesCreateRequest{Index: i.index}.Do(ctx, i.client)
	if err != nil {
		return errors.Wrapf(err, "error creating index %s", i.index)
	}
	defer res.Body.Close()

	if res.IsError() {
		return errors.Errorf("error creating index %s: %s", i.index, res.String())
	}
	return nil
}

// Handle indexes one event. Rejections by Elasticsearch (4xx) are permanent
// for the event and are skipped; anything else is retried.
func (i *Indexer) Handle(ctx context.Context, event *models.Event) error {
	body, err := json.Marshal(NewDocument(event))
	if err != nil {
		return projection.Skip(errors.Wrap(err, "failed to marshal event document"))
	}

	req := esapi.IndexRequest{
		Index:      i.index,
		DocumentID: event.ID,
		Body:       bytes.NewReader(body),
	}

	res, err := req.Do(ctx, i.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch index request")
	}
	defer res.Body.Close()

	if res.IsError() {
		err := errors.Errorf("Elasticsearch index error: %s", res.String())
		if res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests {
			return projection.Skip(err)
		}
		return err
	}

	log.Debug().
		Str("event_id", event.ID).
		Int64("global_position", event.GlobalPosition).
		Msg("Event indexed")
	return nil
}
