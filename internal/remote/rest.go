// Package remote implements the REST-like backend interface the engine
// consumes: column selection, eq/ilike/range/in filters, repeatable order,
// or(...) compound predicates for keyset cursors, and exact head counts.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"replicore/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.RemoteSource = (*RestSource)(nil)

// Doer is the minimal HTTP client surface, satisfied by *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RestSource talks to a PostgREST-compatible endpoint, one route per entity
// type. Every query appends the soft-delete exclusion predicate.
type RestSource struct {
	base   string
	client Doer
	header http.Header
}

// Option customizes a RestSource.
type Option func(*RestSource)

// WithClient overrides the HTTP client (tests inject a stub transport).
func WithClient(c Doer) Option {
	return func(s *RestSource) { s.client = c }
}

// WithHeader sets a static header on every request (auth tokens, API keys).
func WithHeader(key, value string) Option {
	return func(s *RestSource) { s.header.Set(key, value) }
}

// NewRestSource constructs a source rooted at baseURL.
func NewRestSource(baseURL string, opts ...Option) *RestSource {
	s := &RestSource{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: 30 * time.Second},
		header: make(http.Header),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// wire column names for the entity envelope.
const (
	colID        = "id"
	colCreatedAt = "created_at"
	colUpdatedAt = "updated_at"
	colDeleted   = "deleted"
)

// notDeleted excludes soft-deleted rows on every query.
const notDeleted = "(deleted.is.null,deleted.eq.false)"

func wireColumn(field string) string {
	switch field {
	case domain.FieldID:
		return colID
	case domain.FieldCreatedAt:
		return colCreatedAt
	case domain.FieldUpdatedAt:
		return colUpdatedAt
	case domain.FieldDeleted:
		return colDeleted
	}
	return field
}

func renderScalar(v domain.Value) string {
	switch v.Kind {
	case domain.KindNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case domain.KindBool:
		return strconv.FormatBool(v.Bool)
	default:
		return v.Str
	}
}

func renderPredicate(sel domain.Selector) (column, predicate string) {
	column = wireColumn(sel.Field)
	var op string
	value := renderScalar(sel.Value)
	switch sel.Op {
	case domain.OpEquals:
		op = "eq." + value
	case domain.OpContains:
		op = "ilike.*" + value + "*"
	case domain.OpStartsWith:
		op = "ilike." + value + "*"
	case domain.OpGreaterOrEqual:
		op = "gte." + value
	case domain.OpGreaterThan:
		op = "gt." + value
	case domain.OpLessOrEqual:
		op = "lte." + value
	case domain.OpLessThan:
		op = "lt." + value
	case domain.OpIn:
		members := make([]string, 0, len(sel.Value.Array))
		for _, m := range sel.Value.Array {
			members = append(members, renderScalar(m))
		}
		op = "in.(" + strings.Join(members, ",") + ")"
	default:
		op = "eq." + value
	}
	if sel.Not {
		op = "not." + op
	}
	return column, op
}

func cursorPredicate(cursor domain.Cursor, order domain.SortOption) string {
	cmp := "gt"
	if order.Direction == domain.SortDesc {
		cmp = "lt"
	}
	field := wireColumn(order.Field)
	value := renderScalar(cursor.Value)
	if cursor.TieBreakerField == "" {
		return fmt.Sprintf("(%s.%s.%s)", field, cmp, value)
	}
	tieCmp := "gt"
	if order.TieBreaker != nil && order.TieBreaker.Direction == domain.SortDesc {
		tieCmp = "lt"
	}
	tie := wireColumn(cursor.TieBreakerField)
	tieValue := renderScalar(cursor.TieBreakerValue)
	return fmt.Sprintf("(%s.%s.%s,and(%s.eq.%s,%s.%s.%s))",
		field, cmp, value, field, value, tie, tieCmp, tieValue)
}

func orderParam(order domain.SortOption) []string {
	out := []string{wireColumn(order.Field) + "." + string(direction(order.Direction))}
	if order.TieBreaker != nil {
		out = append(out, wireColumn(order.TieBreaker.Field)+"."+string(direction(order.TieBreaker.Direction)))
	}
	return out
}

func direction(d domain.SortDirection) domain.SortDirection {
	if d == domain.SortDesc {
		return domain.SortDesc
	}
	return domain.SortAsc
}

func (s *RestSource) newRequest(ctx context.Context, method string, entityType domain.EntityType, query url.Values, body io.Reader) (*http.Request, error) {
	endpoint := s.base + "/" + url.PathEscape(string(entityType))
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	for key, values := range s.header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	return req, nil
}

func (s *RestSource) do(req *http.Request) (*http.Response, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		// Transport failures are connectivity problems; callers fall back to
		// the local cache.
		return nil, fmt.Errorf("%w: %v", domain.ErrOffline, err)
	}
	if resp.StatusCode >= 500 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: backend status %d", domain.ErrOffline, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		defer func() { _ = resp.Body.Close() }()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("backend status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

// SelectIDs runs the lightweight phase-1 query: ids plus ordering values
// only, filter- and cursor-scoped, limited.
func (s *RestSource) SelectIDs(ctx context.Context, q domain.RemoteQuery) ([]domain.IDRow, error) {
	query := url.Values{}
	columns := []string{colID}
	sortCol := wireColumn(q.OrderBy.Field)
	if sortCol != colID {
		columns = append(columns, sortCol)
	}
	tieCol := ""
	if q.OrderBy.TieBreaker != nil {
		tieCol = wireColumn(q.OrderBy.TieBreaker.Field)
		if tieCol != colID && tieCol != sortCol {
			columns = append(columns, tieCol)
		}
	}
	query.Set("select", strings.Join(columns, ","))
	for _, sel := range q.Selectors {
		column, predicate := renderPredicate(sel)
		query.Add(column, predicate)
	}
	orParams := []string{notDeleted}
	if q.Cursor != nil {
		orParams = append(orParams, cursorPredicate(*q.Cursor, q.OrderBy))
	}
	for _, p := range orParams {
		query.Add("or", p)
	}
	for _, o := range orderParam(q.OrderBy) {
		query.Add("order", o)
	}
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(q.Limit))
	}
	req, err := s.newRequest(ctx, http.MethodGet, q.Type, query, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	var rows []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode id rows: %w", err)
	}
	out := make([]domain.IDRow, 0, len(rows))
	for _, row := range rows {
		id, _ := row[colID].(string)
		if id == "" {
			continue
		}
		idRow := domain.IDRow{ID: id}
		if v, ok := row[sortCol]; ok {
			idRow.SortValue, _ = domain.FromAny(v)
		}
		if tieCol != "" {
			if v, ok := row[tieCol]; ok {
				idRow.TieValue, _ = domain.FromAny(v)
			}
		}
		out = append(out, idRow)
	}
	return out, nil
}

// FetchByIDs retrieves full records for the given ids (phase 3).
func (s *RestSource) FetchByIDs(ctx context.Context, entityType domain.EntityType, ids []string) ([]domain.Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := url.Values{}
	query.Set(colID, "in.("+strings.Join(ids, ",")+")")
	query.Add("or", notDeleted)
	req, err := s.newRequest(ctx, http.MethodGet, entityType, query, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	return decodeEntities(resp.Body)
}

// Count performs an exact head count under the given selectors.
func (s *RestSource) Count(ctx context.Context, entityType domain.EntityType, selectors []domain.Selector) (int, error) {
	query := url.Values{}
	query.Set("select", colID)
	for _, sel := range selectors {
		column, predicate := renderPredicate(sel)
		query.Add(column, predicate)
	}
	query.Add("or", notDeleted)
	req, err := s.newRequest(ctx, http.MethodHead, entityType, query, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Prefer", "count=exact")
	resp, err := s.do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	return parseContentRange(resp.Header.Get("Content-Range"))
}

func parseContentRange(header string) (int, error) {
	// Format: "0-24/3573" or "*/0".
	i := strings.LastIndexByte(header, '/')
	if i < 0 {
		return 0, fmt.Errorf("malformed content-range %q", header)
	}
	total, err := strconv.Atoi(header[i+1:])
	if err != nil {
		return 0, fmt.Errorf("malformed content-range %q", header)
	}
	return total, nil
}

// Push upserts one entity upstream and returns the authoritative row.
func (s *RestSource) Push(ctx context.Context, entityType domain.EntityType, e domain.Entity) (domain.Entity, error) {
	payload, err := json.Marshal(encodeEntity(e))
	if err != nil {
		return domain.Entity{}, fmt.Errorf("encode entity: %w", err)
	}
	req, err := s.newRequest(ctx, http.MethodPost, entityType, url.Values{}, bytes.NewReader(payload))
	if err != nil {
		return domain.Entity{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "resolution=merge-duplicates,return=representation")
	resp, err := s.do(req)
	if err != nil {
		return domain.Entity{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	entities, err := decodeEntities(resp.Body)
	if err != nil {
		return domain.Entity{}, err
	}
	if len(entities) == 0 {
		return e, nil
	}
	return entities[0], nil
}

// Delete soft-deletes an entity upstream.
func (s *RestSource) Delete(ctx context.Context, entityType domain.EntityType, id string) error {
	payload := []byte(`{"deleted":true}`)
	query := url.Values{}
	query.Set(colID, "eq."+id)
	req, err := s.newRequest(ctx, http.MethodPatch, entityType, query, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

// PullSince fetches records updated at or after the given instant, oldest
// first, for background replication. Deleted rows are included so replicas
// can drop them.
func (s *RestSource) PullSince(ctx context.Context, entityType domain.EntityType, since time.Time, limit int) ([]domain.Entity, error) {
	query := url.Values{}
	query.Set(colUpdatedAt, "gte."+since.UTC().Format(time.RFC3339Nano))
	query.Add("order", colUpdatedAt+".asc")
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	req, err := s.newRequest(ctx, http.MethodGet, entityType, query, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	return decodeEntities(resp.Body)
}

func decodeEntities(r io.Reader) ([]domain.Entity, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var rows []map[string]any
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode entities: %w", err)
	}
	out := make([]domain.Entity, 0, len(rows))
	for _, row := range rows {
		e, err := DecodeEntity(row)
		if err != nil {
			return nil, err
		}
		if e.ID == "" {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// DecodeEntity converts a flat wire row into the entity envelope plus field
// map. Unknown columns become dynamic fields under their canonical names.
func DecodeEntity(row map[string]any) (domain.Entity, error) {
	var e domain.Entity
	for key, raw := range row {
		switch key {
		case colID:
			e.ID, _ = raw.(string)
		case colCreatedAt:
			e.CreatedAt = parseTime(raw)
		case colUpdatedAt:
			e.UpdatedAt = parseTime(raw)
		case colDeleted:
			b, _ := raw.(bool)
			e.Deleted = b
		default:
			v, err := domain.FromAny(raw)
			if err != nil {
				return domain.Entity{}, fmt.Errorf("decode column %q: %w", key, err)
			}
			if e.Fields == nil {
				e.Fields = make(map[string]domain.Value)
			}
			e.Fields[key] = v
		}
	}
	return e, nil
}

func parseTime(raw any) time.Time {
	s, _ := raw.(string)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// encodeEntity flattens an entity back into one wire row. Field keys are
// emitted sorted so payloads are stable for tests and tracing.
func encodeEntity(e domain.Entity) map[string]any {
	row := make(map[string]any, len(e.Fields)+4)
	row[colID] = e.ID
	if !e.CreatedAt.IsZero() {
		row[colCreatedAt] = e.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	if !e.UpdatedAt.IsZero() {
		row[colUpdatedAt] = e.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	row[colDeleted] = e.Deleted
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		row[k] = e.Fields[k].ToAny()
	}
	return row
}
