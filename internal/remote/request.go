package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Request is caller input to the builder.
type Request struct {
	URL     string
	Method  string
	Headers map[string]string
	Payload map[string]any
}

// RemoteRequest is a fully prepared outbound call. The builder copies every
// map it is given, so a RemoteRequest never aliases caller state.
type RemoteRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Payload map[string]any    `json:"payload,omitempty"`
}

// Body encodes the payload, or returns nil when there is none.
func (r RemoteRequest) Body() ([]byte, error) {
	if r.Payload == nil {
		return nil, nil
	}
	return json.Marshal(r.Payload)
}

// PrepareRequest resolves auth headers for req and returns the outbound call.
func PrepareRequest(req *Request, auth AuthContext) (RemoteRequest, error) {
	return prepare(req, auth, -1)
}

func prepare(req *Request, auth AuthContext, index int) (RemoteRequest, error) {
	if req == nil {
		return RemoteRequest{}, InvalidRequestError{Index: index, Reason: "request is required"}
	}
	if strings.TrimSpace(req.URL) == "" {
		return RemoteRequest{}, InvalidRequestError{Index: index, Reason: "url is required"}
	}
	authHeaders, err := auth.Headers()
	if err != nil {
		var ir InvalidRequestError
		if errors.As(err, &ir) {
			ir.Index = index
			return RemoteRequest{}, ir
		}
		return RemoteRequest{}, err
	}
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	headers := map[string]string{"Accept": "application/json"}
	for k, v := range req.Headers {
		headers[k] = v
	}
	// Auth always wins over a caller-supplied header of the same name.
	for k, v := range authHeaders {
		headers[k] = v
	}
	var payload map[string]any
	if req.Payload != nil {
		payload = deepCopy(req.Payload)
		headers["Content-Type"] = "application/json"
	}
	return RemoteRequest{
		URL:     req.URL,
		Method:  method,
		Headers: headers,
		Payload: payload,
	}, nil
}

// PrepareBatchRequests prepares every request with the same auth context.
// Either all requests are prepared, in input order, or none are and the
// returned error joins every per-item failure.
func PrepareBatchRequests(reqs []*Request, auth AuthContext) ([]RemoteRequest, error) {
	if _, err := auth.Headers(); err != nil {
		return nil, err
	}
	var errs []error
	for i, req := range reqs {
		if req == nil {
			errs = append(errs, InvalidRequestError{Index: i, Reason: "request is required"})
			continue
		}
		if strings.TrimSpace(req.URL) == "" {
			errs = append(errs, InvalidRequestError{Index: i, Reason: "url is required"})
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("prepare batch: %w", errors.Join(errs...))
	}
	out := make([]RemoteRequest, 0, len(reqs))
	for i, req := range reqs {
		prepared, err := prepare(req, auth, i)
		if err != nil {
			return nil, fmt.Errorf("prepare batch: %w", err)
		}
		out = append(out, prepared)
	}
	return out, nil
}

type TagAction string

const (
	TagAdd    TagAction = "add"
	TagRemove TagAction = "remove"
)

type tagEndpoint struct {
	method string
	path   string
	idKey  string
}

var tagEndpoints = map[ResourceKind]tagEndpoint{
	KindEvents: {method: http.MethodPost, path: "/events/batch_update_tags.json", idKey: "event_ids"},
	KindRoutes: {method: http.MethodPost, path: "/routes/batch_update_tags.json", idKey: "route_ids"},
}

// PrepareBatchUpdateTags builds one request that adds or removes tags on
// every resource referenced by urls. URLs without a resolvable id of the
// given kind are skipped; if none resolve the call fails.
func PrepareBatchUpdateTags(baseURL string, urls []string, action TagAction, tags []string, kind ResourceKind, auth AuthContext) (RemoteRequest, error) {
	req, err := BatchUpdateTagsRequest(baseURL, urls, action, tags, kind)
	if err != nil {
		return RemoteRequest{}, err
	}
	return PrepareRequest(req, auth)
}

// BatchUpdateTagsRequest is PrepareBatchUpdateTags without auth, for callers
// that prepare it together with other requests.
func BatchUpdateTagsRequest(baseURL string, urls []string, action TagAction, tags []string, kind ResourceKind) (*Request, error) {
	if action != TagAdd && action != TagRemove {
		return nil, InvalidRequestError{Index: -1, Reason: fmt.Sprintf("unknown tag action %q", action)}
	}
	endpoint, ok := tagEndpoints[kind]
	if !ok {
		return nil, InvalidRequestError{Index: -1, Reason: fmt.Sprintf("unknown resource kind %q", kind)}
	}
	if len(tags) == 0 {
		return nil, InvalidRequestError{Index: -1, Reason: "at least one tag is required"}
	}
	ids := make([]string, 0, len(urls))
	for _, u := range urls {
		if id, ok := ExtractKindID(u, kind); ok {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, InvalidRequestError{Index: -1, Reason: "no resolvable ids"}
	}
	return &Request{
		URL:    strings.TrimRight(baseURL, "/") + endpoint.path,
		Method: endpoint.method,
		Payload: map[string]any{
			endpoint.idKey: ids,
			"tag_action":   string(action),
			"tag_names":    append([]string(nil), tags...),
		},
	}, nil
}

func deepCopy(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopy(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
