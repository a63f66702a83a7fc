package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"
)

const (
	idxIssues    = "civic_issues"
	idxSolutions = "civic_solutions"
)

var errUnhealthy = errors.New("meilisearch unhealthy")

// Meili implements Engine via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	log     *zap.Logger
}

// NewMeili connects and configures indexes. An unreachable server is not an
// error: the health loop picks it up when it comes back.
func NewMeili(url, apiKey string, log *zap.Logger) *Meili {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		done:   make(chan struct{}),
		log:    log.With(zap.String("component", "meilisearch")),
	}

	if _, err := m.client.Health(); err != nil {
		m.log.Warn("meilisearch unavailable", zap.String("url", url), zap.Error(err))
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxIssues,
			filterable: []string{"category", "status", "departmentId"},
			searchable: []string{"title", "description", "location", "category"},
		},
		{
			uid:        idxSolutions,
			filterable: []string{"issueId", "status", "isOfficial"},
			searchable: []string{"title", "description"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idx.uid, PrimaryKey: "id"}); err != nil {
			m.log.Debug("create index (may already exist)", zap.String("index", idx.uid), zap.Error(err))
		}

		index := m.client.Index(idx.uid)
		filterable := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterable[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
			m.log.Warn("update filterable attributes", zap.String("index", idx.uid), zap.Error(err))
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			m.log.Warn("update searchable attributes", zap.String("index", idx.uid), zap.Error(err))
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			switch {
			case err == nil && !wasHealthy:
				m.log.Info("meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			case err != nil && wasHealthy:
				m.log.Warn("meilisearch became unhealthy", zap.Error(err))
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the issue and solution indexes (or one of them) in a
// single multi-search.
func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, errUnhealthy
	}

	var queries []*meili.SearchRequest
	for _, target := range []struct {
		uid  string
		rtyp ResultType
	}{
		{idxIssues, ResultIssue},
		{idxSolutions, ResultSolution},
	} {
		if q.Type != "" && q.Type != target.rtyp {
			continue
		}
		sr := &meili.SearchRequest{
			IndexUID:              target.uid,
			Query:                 q.Text,
			Limit:                 int64(q.limit()),
			Offset:                int64(q.offset()),
			AttributesToHighlight: []string{"title", "description"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		}
		if filters := meiliFilters(q, target.rtyp); len(filters) > 0 {
			sr.Filter = filters
		}
		queries = append(queries, sr)
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: queries})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}
	return results, total, nil
}

// meiliFilters turns the query filters into Meilisearch filter expressions.
// Solutions carry no category or department, so those filters apply to
// issues only; a solution search narrowed that way returns no solutions.
func meiliFilters(q Query, rtyp ResultType) []string {
	var filters []string
	if q.Status != "" {
		filters = append(filters, fmt.Sprintf("status = %q", q.Status))
	}
	switch rtyp {
	case ResultIssue:
		if q.Category != "" {
			filters = append(filters, fmt.Sprintf("category = %q", q.Category))
		}
		if q.DepartmentID != "" {
			filters = append(filters, fmt.Sprintf("departmentId = %q", q.DepartmentID))
		}
	case ResultSolution:
		if q.Category != "" || q.DepartmentID != "" {
			filters = append(filters, `issueId = ""`)
		}
	}
	return filters
}

func indexToResultType(uid string) ResultType {
	switch uid {
	case idxIssues:
		return ResultIssue
	case idxSolutions:
		return ResultSolution
	default:
		return ""
	}
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{
		Type:         rtyp,
		ID:           decodeString(hit, "id"),
		Status:       decodeString(hit, "status"),
		Category:     decodeString(hit, "category"),
		DepartmentID: decodeString(hit, "departmentId"),
		Title:        firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title")),
		Snippet:      firstNonBlank(decodeFormattedString(hit, "description"), decodeString(hit, "description")),
	}
	switch rtyp {
	case ResultIssue:
		r.IssueID = r.ID
	case ResultSolution:
		r.IssueID = decodeString(hit, "issueId")
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]any
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	s, _ := formatted[key].(string)
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func (m *Meili) IndexIssues(issues []IssueRecord) error {
	if len(issues) == 0 {
		return nil
	}
	_, err := m.client.Index(idxIssues).AddDocuments(issues, nil)
	return err
}

func (m *Meili) IndexSolutions(solutions []SolutionRecord) error {
	if len(solutions) == 0 {
		return nil
	}
	_, err := m.client.Index(idxSolutions).AddDocuments(solutions, nil)
	return err
}

func (m *Meili) DeleteIssue(id string) error {
	_, err := m.client.Index(idxIssues).DeleteDocument(id, nil)
	return err
}
