// Package payload defines the records stored under each path namespace, so a
// malformed node is rejected when it is decoded rather than when a field is
// first used.
package payload

import (
	"errors"
	"fmt"

	"github.com/buger/jsonparser"
	"github.com/goccy/go-json"

	"github.com/nodeart/dalbridge/pkg/constants"
	"github.com/nodeart/dalbridge/pkg/treestore"
)

// SearchRequest is written under search/request. Query carries the filter
// already encoded as a JSON string, which is what the executor expects.
type SearchRequest struct {
	Index string `json:"index"`
	Type  string `json:"type"`
	Query string `json:"query"`
}

func NewSearchRequest(index, typ string, filter any) (SearchRequest, error) {
	r := SearchRequest{Index: index, Type: typ}
	if err := r.Validate(); err != nil {
		return r, err
	}
	q, err := json.Marshal(filter)
	if err != nil {
		return r, fmt.Errorf("%w: query filter: %v", constants.ErrMalformedPayload, err)
	}
	r.Query = string(q)
	return r, nil
}

func (r SearchRequest) Validate() error {
	if r.Index == "" {
		return errors.New("search request: index is required")
	}
	if r.Type == "" {
		return errors.New("search request: type is required")
	}
	return nil
}

type Hit struct {
	ID     string          `json:"_id"`
	Index  string          `json:"_index,omitempty"`
	Type   string          `json:"_type,omitempty"`
	Score  *float64        `json:"_score,omitempty"`
	Source json.RawMessage `json:"_source,omitempty"`
}

// SearchResponse is the executor's answer under search/response/<key>.
// Every write replaces the previous one.
type SearchResponse struct {
	Hits  []Hit `json:"hits"`
	Total int64 `json:"total"`
	// Raw is the node exactly as stored.
	Raw json.RawMessage `json:"-"`
}

func malformedAt(path string, err error) error {
	return fmt.Errorf("%w: %s: %v", constants.ErrMalformedPayload, path, err)
}

// DecodeSearchResponse reads a whole response record. Total may be a number or
// an object carrying it under "value".
func DecodeSearchResponse(snap treestore.Snapshot) (*SearchResponse, error) {
	res := &SearchResponse{Raw: snap.Value}
	if !snap.Exists {
		return res, nil
	}
	hits, err := DecodeHits(snap.Child("hits"))
	if err != nil {
		return nil, err
	}
	total, err := DecodeTotal(snap.Child("total"))
	if err != nil {
		return nil, err
	}
	res.Hits, res.Total = hits, total
	return res, nil
}

func DecodeHits(snap treestore.Snapshot) ([]Hit, error) {
	if !snap.Exists {
		return nil, nil
	}
	var hits []Hit
	if err := json.Unmarshal(snap.Value, &hits); err != nil {
		return nil, malformedAt(snap.Path, err)
	}
	return hits, nil
}

func DecodeTotal(snap treestore.Snapshot) (int64, error) {
	if !snap.Exists {
		return 0, nil
	}
	if n, err := jsonparser.GetInt(snap.Value); err == nil {
		return n, nil
	}
	n, err := jsonparser.GetInt(snap.Value, "value")
	if err != nil {
		return 0, malformedAt(snap.Path, err)
	}
	return n, nil
}
