package wdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"stratagem/runtime/telemetry"
)

const (
	defaultCallTimeout = 90 * time.Second
	// Strategy details can be very large; give them double the room.
	strategyCallTimeout = 180 * time.Second

	// booleanSearchPrefix identifies the per-record-type boolean meta-search
	// among the record type's searches.
	booleanSearchPrefix = "boolean_question"
	// Parameter name prefixes of the meta-search's operand and operator slots.
	leftOperandPrefix  = "bq_left_op"
	rightOperandPrefix = "bq_right_op"
	operatorPrefix     = "bq_operator"

	// inputStepParamType marks the transform parameter that receives the
	// input step id.
	inputStepParamType = "input-step"
)

type (
	// Option configures the HTTP client.
	Option func(*HTTPClient)

	// HTTPClient implements Client over HTTP+JSON. It holds no cross-request
	// state other than the resolved user id and small per-record-type caches
	// for the boolean meta-search; both are guarded by mutexes and written
	// once.
	HTTPClient struct {
		baseURL         string
		http            *http.Client
		headers         http.Header
		retry           RetryConfig
		timeout         time.Duration
		strategyTimeout time.Duration
		logger          telemetry.Logger
		metrics         telemetry.Metrics

		userMu sync.Mutex
		userID string

		boolMu       sync.Mutex
		boolSearches map[string]booleanSearch
	}

	// booleanSearch caches what the combine path needs per record type.
	booleanSearch struct {
		searchName    string
		leftParam     string
		rightParam    string
		operatorParam string
	}

	searchConfig struct {
		Parameters map[string]string `json:"parameters"`
	}

	stepBody struct {
		SearchName   string       `json:"searchName"`
		SearchConfig searchConfig `json:"searchConfig"`
		CustomName   string       `json:"customName,omitempty"`
	}
)

// WithHTTPClient overrides the underlying *http.Client used for requests.
// The per-call timeout still applies through the request context.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *HTTPClient) { cl.http = c }
}

// WithHeader adds a static header to all outgoing requests.
func WithHeader(name, value string) Option {
	return func(cl *HTTPClient) {
		if cl.headers == nil {
			cl.headers = make(http.Header)
		}
		cl.headers.Add(name, value)
	}
}

// WithRetryConfig overrides the retry policy.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(cl *HTTPClient) { cl.retry = cfg }
}

// WithCallTimeout overrides the per-attempt soft timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(cl *HTTPClient) { cl.timeout = d }
}

// WithLogger routes client logging through the given logger.
func WithLogger(l telemetry.Logger) Option {
	return func(cl *HTTPClient) { cl.logger = l }
}

// WithMetrics records call durations and retry counts on the given recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(cl *HTTPClient) { cl.metrics = m }
}

// NewHTTPClient constructs a client for the platform instance rooted at
// baseURL (for example "https://plasmodb.org/plasmo/service").
func NewHTTPClient(baseURL string, opts ...Option) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("wdk: base URL is required")
	}
	cl := &HTTPClient{
		baseURL:         strings.TrimRight(baseURL, "/"),
		http:            &http.Client{},
		headers:         make(http.Header),
		retry:           DefaultRetryConfig(),
		timeout:         defaultCallTimeout,
		strategyTimeout: strategyCallTimeout,
		logger:          telemetry.NewNoopLogger(),
		metrics:         telemetry.NewNoopMetrics(),
		boolSearches:    make(map[string]booleanSearch),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cl)
		}
	}
	if cl.http == nil {
		cl.http = &http.Client{}
	}
	return cl, nil
}

// Ensure HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)

// ListRecordTypes implements Client.
func (c *HTTPClient) ListRecordTypes(ctx context.Context, expanded bool) ([]RecordType, error) {
	q := url.Values{"expanded": {strconv.FormatBool(expanded)}}
	var out []RecordType
	if err := c.call(ctx, "listRecordTypes", http.MethodGet, "/record-types", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListSearches implements Client.
func (c *HTTPClient) ListSearches(ctx context.Context, recordType string) ([]Search, error) {
	var out []Search
	path := "/record-types/" + url.PathEscape(recordType) + "/searches"
	if err := c.call(ctx, "listSearches", http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetSearchDetails implements Client.
func (c *HTTPClient) GetSearchDetails(ctx context.Context, recordType, search string, expandParams bool) (*Search, error) {
	q := url.Values{"expandParams": {strconv.FormatBool(expandParams)}}
	path := "/record-types/" + url.PathEscape(recordType) + "/searches/" + url.PathEscape(search)
	var out Search
	if err := c.call(ctx, "getSearchDetails", http.MethodGet, path, q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateStep implements Client.
func (c *HTTPClient) CreateStep(ctx context.Context, req CreateStepRequest) (*CreatedStep, error) {
	user, err := c.userPath(ctx)
	if err != nil {
		return nil, err
	}
	body := stepBody{
		SearchName:   req.SearchName,
		SearchConfig: searchConfig{Parameters: nonNil(req.Parameters)},
		CustomName:   req.CustomName,
	}
	var out CreatedStep
	if err := c.call(ctx, "createStep", http.MethodPost, user+"/steps", nil, body, &out); err != nil {
		return nil, err
	}
	c.logger.Debug(ctx, "created step", "search", req.SearchName, "stepId", out.ID)
	return &out, nil
}

// CreateTransformStep implements Client.
func (c *HTTPClient) CreateTransformStep(ctx context.Context, req CreateTransformStepRequest) (*CreatedStep, error) {
	paramName := req.InputParamName
	if paramName == "" {
		details, err := c.GetSearchDetails(ctx, req.RecordType, req.SearchName, true)
		if err != nil {
			return nil, err
		}
		for _, p := range details.Parameters {
			if p.Type == inputStepParamType {
				paramName = p.Name
				break
			}
		}
		if paramName == "" {
			return nil, fmt.Errorf("wdk: transform search %q has no input-step parameter", req.SearchName)
		}
	}
	params := make(map[string]string, len(req.Parameters)+1)
	for k, v := range req.Parameters {
		params[k] = v
	}
	params[paramName] = strconv.Itoa(req.InputStepID)

	user, err := c.userPath(ctx)
	if err != nil {
		return nil, err
	}
	body := stepBody{
		SearchName:   req.SearchName,
		SearchConfig: searchConfig{Parameters: params},
		CustomName:   req.CustomName,
	}
	var out CreatedStep
	if err := c.call(ctx, "createTransformStep", http.MethodPost, user+"/steps", nil, body, &out); err != nil {
		return nil, err
	}
	c.logger.Debug(ctx, "created transform step", "search", req.SearchName, "inputStepId", req.InputStepID, "stepId", out.ID)
	return &out, nil
}

// CreateCombinedStep implements Client. The record type's boolean meta-search
// and its operand/operator parameter names are discovered on first use and
// cached. Operand parameters are sent empty: the real inputs are wired
// through the step tree when the strategy is created or its tree updated.
func (c *HTTPClient) CreateCombinedStep(ctx context.Context, req CreateCombinedStepRequest) (*CreatedStep, error) {
	bs, err := c.booleanSearch(ctx, req.RecordType)
	if err != nil {
		return nil, err
	}
	params := map[string]string{
		bs.leftParam:     "",
		bs.rightParam:    "",
		bs.operatorParam: req.Operator,
	}
	for k, v := range req.Parameters {
		params[k] = v
	}
	user, err := c.userPath(ctx)
	if err != nil {
		return nil, err
	}
	body := stepBody{
		SearchName:   bs.searchName,
		SearchConfig: searchConfig{Parameters: params},
		CustomName:   req.CustomName,
	}
	var out CreatedStep
	if err := c.call(ctx, "createCombinedStep", http.MethodPost, user+"/steps", nil, body, &out); err != nil {
		return nil, err
	}
	c.logger.Debug(ctx, "created combined step",
		"operator", req.Operator,
		"primaryStepId", req.PrimaryStepID,
		"secondaryStepId", req.SecondaryStepID,
		"stepId", out.ID)
	return &out, nil
}

// CreateStrategy implements Client.
func (c *HTTPClient) CreateStrategy(ctx context.Context, req CreateStrategyRequest) (*CreatedStrategy, error) {
	user, err := c.userPath(ctx)
	if err != nil {
		return nil, err
	}
	body := struct {
		Name        string    `json:"name"`
		Description string    `json:"description,omitempty"`
		IsPublic    bool      `json:"isPublic"`
		IsSaved     bool      `json:"isSaved"`
		StepTree    *StepTree `json:"stepTree"`
	}{req.Name, req.Description, req.IsPublic, req.IsSaved, req.StepTree}
	var out CreatedStrategy
	if err := c.call(ctx, "createStrategy", http.MethodPost, user+"/strategies", nil, body, &out); err != nil {
		return nil, err
	}
	c.logger.Debug(ctx, "created strategy", "name", req.Name, "strategyId", out.ID)
	return &out, nil
}

// UpdateStepTree implements Client.
func (c *HTTPClient) UpdateStepTree(ctx context.Context, strategyID int, tree *StepTree) error {
	user, err := c.userPath(ctx)
	if err != nil {
		return err
	}
	body := struct {
		StepTree *StepTree `json:"stepTree"`
	}{tree}
	path := fmt.Sprintf("%s/strategies/%d/step-tree", user, strategyID)
	return c.call(ctx, "updateStepTree", http.MethodPut, path, nil, body, nil)
}

// UpdateStrategy implements Client.
func (c *HTTPClient) UpdateStrategy(ctx context.Context, strategyID int, patch StrategyPatch) error {
	user, err := c.userPath(ctx)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("%s/strategies/%d", user, strategyID)
	return c.call(ctx, "updateStrategy", http.MethodPatch, path, nil, patch, nil)
}

// DeleteStrategy implements Client.
func (c *HTTPClient) DeleteStrategy(ctx context.Context, strategyID int) error {
	user, err := c.userPath(ctx)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("%s/strategies/%d", user, strategyID)
	return c.call(ctx, "deleteStrategy", http.MethodDelete, path, nil, nil, nil)
}

// GetStrategy implements Client.
func (c *HTTPClient) GetStrategy(ctx context.Context, strategyID int) (*Strategy, error) {
	user, err := c.userPath(ctx)
	if err != nil {
		return nil, err
	}
	path := fmt.Sprintf("%s/strategies/%d", user, strategyID)
	var out Strategy
	if err := c.callTimeout(ctx, c.strategyTimeout, "getStrategy", http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListStrategies implements Client.
func (c *HTTPClient) ListStrategies(ctx context.Context) ([]StrategySummary, error) {
	user, err := c.userPath(ctx)
	if err != nil {
		return nil, err
	}
	var out []StrategySummary
	if err := c.call(ctx, "listStrategies", http.MethodGet, user+"/strategies", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetStepFilter implements Client.
func (c *HTTPClient) SetStepFilter(ctx context.Context, stepID int, filter StepFilter) error {
	user, err := c.userPath(ctx)
	if err != nil {
		return err
	}
	body := struct {
		Value    any  `json:"value,omitempty"`
		Disabled bool `json:"disabled,omitempty"`
	}{filter.Value, filter.Disabled}
	path := fmt.Sprintf("%s/steps/%d/filters/%s", user, stepID, url.PathEscape(filter.Name))
	return c.call(ctx, "setStepFilter", http.MethodPut, path, nil, body, nil)
}

// DeleteStepFilter implements Client.
func (c *HTTPClient) DeleteStepFilter(ctx context.Context, stepID int, name string) error {
	user, err := c.userPath(ctx)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("%s/steps/%d/filters/%s", user, stepID, url.PathEscape(name))
	return c.call(ctx, "deleteStepFilter", http.MethodDelete, path, nil, nil, nil)
}

// RunStepAnalysis implements Client.
func (c *HTTPClient) RunStepAnalysis(ctx context.Context, stepID int, name string, params map[string]string) (json.RawMessage, error) {
	user, err := c.userPath(ctx)
	if err != nil {
		return nil, err
	}
	body := struct {
		AnalysisName string            `json:"analysisName"`
		Parameters   map[string]string `json:"parameters"`
	}{name, nonNil(params)}
	path := fmt.Sprintf("%s/steps/%d/analyses", user, stepID)
	var out json.RawMessage
	if err := c.call(ctx, "runStepAnalysis", http.MethodPost, path, nil, body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RunStepReport implements Client.
func (c *HTTPClient) RunStepReport(ctx context.Context, stepID int, name string, config map[string]any) (json.RawMessage, error) {
	user, err := c.userPath(ctx)
	if err != nil {
		return nil, err
	}
	body := struct {
		ReportConfig map[string]any `json:"reportConfig"`
	}{config}
	path := fmt.Sprintf("%s/steps/%d/reports/%s", user, stepID, url.PathEscape(name))
	var out json.RawMessage
	if err := c.call(ctx, "runStepReport", http.MethodPost, path, nil, body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetStepCount implements Client.
func (c *HTTPClient) GetStepCount(ctx context.Context, stepID int) (int, error) {
	user, err := c.userPath(ctx)
	if err != nil {
		return 0, err
	}
	body := map[string]any{
		"reportConfig": map[string]any{
			"pagination": map[string]int{"offset": 0, "numRecords": 0},
		},
	}
	path := fmt.Sprintf("%s/steps/%d/reports/standard", user, stepID)
	var out struct {
		Meta struct {
			TotalCount int `json:"totalCount"`
		} `json:"meta"`
	}
	if err := c.call(ctx, "getStepCount", http.MethodPost, path, nil, body, &out); err != nil {
		return 0, err
	}
	return out.Meta.TotalCount, nil
}

// GetStepAnswer implements Client.
func (c *HTTPClient) GetStepAnswer(ctx context.Context, stepID int, reportConfig map[string]any) (json.RawMessage, error) {
	user, err := c.userPath(ctx)
	if err != nil {
		return nil, err
	}
	body := struct {
		ReportConfig map[string]any `json:"reportConfig"`
	}{reportConfig}
	path := fmt.Sprintf("%s/steps/%d/reports/standard", user, stepID)
	var out json.RawMessage
	if err := c.call(ctx, "getStepAnswer", http.MethodPost, path, nil, body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateDataset implements Client.
func (c *HTTPClient) CreateDataset(ctx context.Context, ids []string) (int, error) {
	user, err := c.userPath(ctx)
	if err != nil {
		return 0, err
	}
	body := struct {
		SourceType    string `json:"sourceType"`
		SourceContent struct {
			IDs []string `json:"ids"`
		} `json:"sourceContent"`
	}{SourceType: "idList"}
	body.SourceContent.IDs = ids
	var out struct {
		ID int `json:"id"`
	}
	if err := c.call(ctx, "createDataset", http.MethodPost, user+"/datasets", nil, body, &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

// userPath returns the concrete /users/{id} path prefix. Mutation endpoints
// are path-scoped to a concrete user id even when reads accept a placeholder,
// so the id is resolved once via the current-user endpoint and reused. A
// failed resolution is retried on the next call.
func (c *HTTPClient) userPath(ctx context.Context) (string, error) {
	c.userMu.Lock()
	defer c.userMu.Unlock()
	if c.userID != "" {
		return "/users/" + c.userID, nil
	}
	var user struct {
		ID json.Number `json:"id"`
	}
	if err := c.call(ctx, "currentUser", http.MethodGet, "/users/current", nil, nil, &user); err != nil {
		return "", err
	}
	if user.ID.String() == "" {
		return "", &Error{Message: "current-user response carried no id"}
	}
	c.userID = user.ID.String()
	c.logger.Debug(ctx, "resolved platform user", "userId", c.userID)
	return "/users/" + c.userID, nil
}

// booleanSearch resolves and caches the boolean meta-search for a record
// type: its name (matched by prefix among the record type's searches) and the
// names of its operand and operator parameters.
func (c *HTTPClient) booleanSearch(ctx context.Context, recordType string) (booleanSearch, error) {
	c.boolMu.Lock()
	if bs, ok := c.boolSearches[recordType]; ok {
		c.boolMu.Unlock()
		return bs, nil
	}
	c.boolMu.Unlock()

	searches, err := c.ListSearches(ctx, recordType)
	if err != nil {
		return booleanSearch{}, err
	}
	var name string
	for _, s := range searches {
		if strings.HasPrefix(s.URLSegment, booleanSearchPrefix) {
			name = s.URLSegment
			break
		}
	}
	if name == "" {
		return booleanSearch{}, fmt.Errorf("wdk: record type %q has no boolean search", recordType)
	}
	details, err := c.GetSearchDetails(ctx, recordType, name, true)
	if err != nil {
		return booleanSearch{}, err
	}
	names := details.ParamNames
	if len(names) == 0 {
		for _, p := range details.Parameters {
			names = append(names, p.Name)
		}
	}
	bs := booleanSearch{
		searchName:    name,
		leftParam:     firstWithPrefix(names, leftOperandPrefix),
		rightParam:    firstWithPrefix(names, rightOperandPrefix),
		operatorParam: firstWithPrefix(names, operatorPrefix),
	}
	if bs.leftParam == "" || bs.rightParam == "" || bs.operatorParam == "" {
		return booleanSearch{}, fmt.Errorf("wdk: boolean search %q is missing operand or operator parameters", name)
	}

	c.boolMu.Lock()
	c.boolSearches[recordType] = bs
	c.boolMu.Unlock()
	c.logger.Debug(ctx, "resolved boolean search", "recordType", recordType, "search", name)
	return bs, nil
}

func firstWithPrefix(names []string, prefix string) string {
	for _, n := range names {
		if strings.HasPrefix(n, prefix) {
			return n
		}
	}
	return ""
}

func nonNil(params map[string]string) map[string]string {
	if params == nil {
		return map[string]string{}
	}
	return params
}

// call performs a retried JSON request with the default per-attempt timeout.
func (c *HTTPClient) call(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	return c.callTimeout(ctx, c.timeout, op, method, path, query, body, out)
}

// callTimeout performs a retried JSON request. Each attempt runs under its
// own deadline; cancellation of the caller's context aborts without further
// attempts. The out pointer may be nil when the response body is irrelevant.
func (c *HTTPClient) callTimeout(ctx context.Context, timeout time.Duration, op, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("wdk: encode %s request: %w", op, err)
		}
	}
	start := time.Now()
	attempts := 0
	err := doRetry(ctx, c.retry, func(ctx context.Context) error {
		attempts++
		if attempts > 1 {
			c.metrics.IncCounter(telemetry.MetricWDKRetries, 1, "op", op)
			c.logger.Debug(ctx, "retrying platform call", "op", op, "attempt", attempts)
		}
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return c.attempt(attemptCtx, method, path, query, payload, out)
	})
	c.metrics.RecordTimer(telemetry.MetricWDKCallDuration, time.Since(start), "op", op)
	if err != nil {
		c.logger.Error(ctx, "platform call failed", "op", op, "attempts", attempts, "err", err)
		return err
	}
	return nil
}

// attempt performs one HTTP exchange. Non-2xx responses become *Error; a
// 2xx body that fails to parse is a protocol error and also becomes *Error
// with a zero status so the retry policy treats it as transient.
func (c *HTTPClient) attempt(ctx context.Context, method, path string, query url.Values, payload []byte, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := http.StatusText(resp.StatusCode)
		var platform struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(b, &platform) == nil && platform.Message != "" {
			msg = platform.Message
		}
		return &Error{Status: resp.StatusCode, Message: msg, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Message: fmt.Sprintf("read %s %s response: %v", method, path, err)}
	}
	if err := json.Unmarshal(b, out); err != nil {
		return &Error{Message: fmt.Sprintf("decode %s %s response: %v", method, path, err)}
	}
	return nil
}
