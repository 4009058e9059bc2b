package audit

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"behavior-guard/internal/client"
	"behavior-guard/internal/models"
)

// ElasticSink indexes records for security review, one document per record.
type ElasticSink struct {
	es    *client.ESClient
	index string
}

func NewElasticSink(es *client.ESClient, index string) *ElasticSink {
	return &ElasticSink{es: es, index: index}
}

func (s *ElasticSink) Name() string { return "elasticsearch" }

const indexMapping = `{
  "mappings": {
    "properties": {
      "id":              {"type": "keyword"},
      "userId":          {"type": "keyword"},
      "timestamp":       {"type": "date"},
      "isAnomaly":       {"type": "boolean"},
      "confidenceScore": {"type": "double"},
      "strategy":        {"type": "keyword"},
      "source":          {"type": "keyword"},
      "details":         {"type": "text"}
    }
  }
}`

// EnsureIndex creates the index with keyword mappings if it is missing.
func (s *ElasticSink) EnsureIndex(ctx context.Context) error {
	indices := s.es.Client.Indices
	res, err := indices.Exists([]string{s.index}, indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("check index %s: %w", s.index, err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}

	res, err = indices.Create(s.index,
		indices.Create.WithContext(ctx),
		indices.Create.WithBody(strings.NewReader(indexMapping)))
	if err != nil {
		return fmt.Errorf("create index %s: %w", s.index, err)
	}
	return client.ParseResponse(res, nil)
}

func (s *ElasticSink) Write(ctx context.Context, rec models.AnomalyRecord) error {
	res, err := s.es.IndexDocument(ctx, s.index, rec.ID, rec)
	if err != nil {
		return err
	}
	if err := client.ParseResponse(res, nil); err != nil {
		return fmt.Errorf("index anomaly record %s: %w", rec.ID, err)
	}
	return nil
}

// Search returns a user's anomalous records at or above minConfidence (0-100),
// newest first.
func (s *ElasticSink) Search(ctx context.Context, userID string, minConfidence float64, size int) ([]models.AnomalyRecord, error) {
	query := map[string]interface{}{
		"size": size,
		"sort": []interface{}{map[string]interface{}{"timestamp": "desc"}},
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"filter": []interface{}{
					map[string]interface{}{"term": map[string]interface{}{"userId": userID}},
					map[string]interface{}{"term": map[string]interface{}{"isAnomaly": true}},
					map[string]interface{}{"range": map[string]interface{}{
						"confidenceScore": map[string]interface{}{"gte": minConfidence},
					}},
				},
			},
		},
	}

	res, err := s.es.Search(ctx, s.index, query)
	if err != nil {
		return nil, err
	}

	var body struct {
		Hits struct {
			Hits []struct {
				Source models.AnomalyRecord `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := client.ParseResponse(res, &body); err != nil {
		return nil, fmt.Errorf("search anomaly records: %w", err)
	}

	out := make([]models.AnomalyRecord, 0, len(body.Hits.Hits))
	for _, h := range body.Hits.Hits {
		out = append(out, h.Source)
	}
	return out, nil
}
