package recordapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/abevier/tsk/ratelimiter"

	"github.com/wastewhirl/go-pickup/common"
	"github.com/wastewhirl/go-pickup/models"
)

var _ models.RequestRepository = &Client{}

const defaultRateLimit = 32
const defaultQueueDepthLimit = 1024

// Conditional writes that lose a race are re-read and re-evaluated this many times before giving up
const maxPreconditionRetries = 3

type apiRequest struct {
	method  string
	path    string
	query   url.Values
	body    any
	ifMatch string
	// Set to "*" on create so that an existing record is never overwritten
	ifNoneMatch string
}

type apiResponse struct {
	status int
	etag   string
	body   []byte
}

// Client stores requests through the Record API. Every conditional update is a read followed by a PUT carrying the
// read's ETag in If-Match, so the API rejects the write if the record changed in between.
type Client struct {
	url        string
	httpClient *http.Client
	limiter    *ratelimiter.RateLimiter[*apiRequest, *apiResponse]
	logger     models.Logger
}

func NewClient(url string, logger models.Logger) *Client {
	return newClient(url, http.DefaultClient, logger)
}

func newClient(url string, httpClient *http.Client, logger models.Logger) *Client {
	rlOpts := ratelimiter.Opts{
		Limit:             defaultRateLimit,
		Burst:             defaultRateLimit,
		MaxQueueDepth:     defaultQueueDepthLimit,
		FullQueueStrategy: ratelimiter.BlockWhenFull,
	}
	c := &Client{url: url, httpClient: httpClient, logger: logger}
	c.limiter = ratelimiter.New(rlOpts, c.do)
	return c
}

func (c *Client) CreateRequest(ctx context.Context, request *models.Request) error {
	resp, err := c.limiter.Submit(ctx, &apiRequest{
		method:      http.MethodPut,
		path:        requestPath(request.Id),
		body:        request,
		ifNoneMatch: "*",
	})
	if err != nil {
		return err
	}
	switch resp.status {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	case http.StatusPreconditionFailed:
		return fmt.Errorf("request %s already exists", request.Id)
	}
	return unexpectedStatus("create", resp)
}

func (c *Client) GetRequest(ctx context.Context, id string) (*models.Request, error) {
	request, _, err := c.get(ctx, id)
	return request, err
}

func (c *Client) UpdateStatus(ctx context.Context, id string, status models.RequestStatus, allowedSourceStatuses []models.RequestStatus) (bool, error) {
	return c.conditionalUpdate(ctx, id, func(request *models.Request) bool {
		for _, srcStatus := range allowedSourceStatuses {
			if request.Status == srcStatus {
				request.Status = status
				return true
			}
		}
		return false
	})
}

func (c *Client) CompleteWithoutEscrow(ctx context.Context, id string) (bool, error) {
	return c.conditionalUpdate(ctx, id, func(request *models.Request) bool {
		if (request.Status != models.RequestStatus_Accepted) || request.IsLinked() || (request.LinkTxHash != nil) {
			return false
		}
		request.Status = models.RequestStatus_Completed
		return true
	})
}

func (c *Client) LinkEscrow(ctx context.Context, id string, contractAddress string, amountWei string) (bool, error) {
	return c.claimedUpdate(ctx, id, claimKey("escrow", contractAddress), func(request *models.Request) bool {
		if (request.Status != models.RequestStatus_Accepted) || request.IsLinked() {
			return false
		}
		request.EscrowContractAddress = &contractAddress
		request.AmountWei = &amountWei
		return true
	})
}

func (c *Client) UpdateTx(ctx context.Context, id string, kind models.TxKind, txHash string, expected *string) (bool, error) {
	var field func(request *models.Request) **string
	switch kind {
	case models.TxKind_Link:
		field = func(request *models.Request) **string { return &request.LinkTxHash }
	case models.TxKind_Release:
		field = func(request *models.Request) **string { return &request.ReleaseTxHash }
	default:
		return false, fmt.Errorf("unknown transaction kind %q", kind)
	}
	mutate := func(request *models.Request) bool {
		current := field(request)
		if !sameOptional(*current, expected) {
			return false
		}
		if len(txHash) == 0 {
			*current = nil
			return true
		} else if request.Status != models.RequestStatus_Accepted {
			return false
		}
		*current = &txHash
		return true
	}
	if (kind == models.TxKind_Link) && (len(txHash) > 0) {
		return c.claimedUpdate(ctx, id, claimKey("link", txHash), mutate)
	}
	return c.conditionalUpdate(ctx, id, mutate)
}

func (c *Client) GetUnreconciled(ctx context.Context, olderThan time.Time, limit int) ([]*models.Request, error) {
	resp, err := c.limiter.Submit(ctx, &apiRequest{
		method: http.MethodGet,
		path:   "/request",
		query: url.Values{
			"unreconciled": []string{"true"},
			"olderThan":    []string{strconv.FormatInt(olderThan.Unix(), 10)},
			"limit":        []string{strconv.Itoa(limit)},
		},
	})
	if err != nil {
		return nil, err
	} else if resp.status != http.StatusOK {
		return nil, unexpectedStatus("list", resp)
	}
	requests := make([]*models.Request, 0)
	if err = json.Unmarshal(resp.body, &requests); err != nil {
		return nil, err
	}
	return requests, nil
}

// conditionalUpdate applies mutate to the current record and writes it back if mutate reports a change. It returns
// false without error if the record is missing or mutate declines.
func (c *Client) conditionalUpdate(ctx context.Context, id string, mutate func(request *models.Request) bool) (bool, error) {
	for attempt := 0; attempt < maxPreconditionRetries; attempt++ {
		request, etag, err := c.get(ctx, id)
		if err != nil {
			return false, err
		} else if (request == nil) || !mutate(request) {
			return false, nil
		}
		request.UpdatedAt = time.Now()
		resp, err := c.limiter.Submit(ctx, &apiRequest{
			method:  http.MethodPut,
			path:    requestPath(id),
			body:    request,
			ifMatch: etag,
		})
		if err != nil {
			return false, err
		}
		switch resp.status {
		case http.StatusOK, http.StatusNoContent:
			return true, nil
		case http.StatusPreconditionFailed:
			c.logger.Debugf("recordapi: lost update race for request %s, attempt %d", id, attempt+1)
			continue
		}
		return false, unexpectedStatus("update", resp)
	}
	return false, fmt.Errorf("request %s: gave up after %d conflicting updates", id, maxPreconditionRetries)
}

type claimRecord struct {
	RequestId string `json:"requestId"`
}

// claimedUpdate runs a conditional update while holding a create-only claim record for key, so that no two requests
// can store the same key. A claim taken by this call is handed back if the update declines.
func (c *Client) claimedUpdate(ctx context.Context, id string, key string, mutate func(request *models.Request) bool) (bool, error) {
	created, err := c.claim(ctx, id, key)
	if err != nil {
		return false, err
	}
	updated, err := c.conditionalUpdate(ctx, id, mutate)
	if (err == nil) && !updated && created {
		c.unclaim(ctx, key)
	}
	return updated, err
}

// claim returns true if it created the claim, false if the request already held it, and an error wrapping
// ErrEscrowClaimed if another request holds it
func (c *Client) claim(ctx context.Context, id string, key string) (bool, error) {
	resp, err := c.limiter.Submit(ctx, &apiRequest{
		method:      http.MethodPut,
		path:        claimPath(key),
		body:        claimRecord{RequestId: id},
		ifNoneMatch: "*",
	})
	if err != nil {
		return false, err
	}
	switch resp.status {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return true, nil
	case http.StatusPreconditionFailed:
	default:
		return false, unexpectedStatus("claim", resp)
	}
	if resp, err = c.limiter.Submit(ctx, &apiRequest{method: http.MethodGet, path: claimPath(key)}); err != nil {
		return false, err
	} else if resp.status != http.StatusOK {
		return false, unexpectedStatus("get claim", resp)
	}
	owner := claimRecord{}
	if err = json.Unmarshal(resp.body, &owner); err != nil {
		return false, err
	} else if owner.RequestId != id {
		return false, fmt.Errorf("%w: %s is held by request %s", models.ErrEscrowClaimed, key, owner.RequestId)
	}
	return false, nil
}

func (c *Client) unclaim(ctx context.Context, key string) {
	resp, err := c.limiter.Submit(ctx, &apiRequest{method: http.MethodDelete, path: claimPath(key)})
	if (err == nil) && (resp.status != http.StatusOK) && (resp.status != http.StatusNoContent) && (resp.status != http.StatusNotFound) {
		err = unexpectedStatus("delete claim", resp)
	}
	if err != nil {
		c.logger.Warnf("recordapi: error releasing claim %s: %v", key, err)
	}
}

func (c *Client) get(ctx context.Context, id string) (*models.Request, string, error) {
	resp, err := c.limiter.Submit(ctx, &apiRequest{method: http.MethodGet, path: requestPath(id)})
	if err != nil {
		return nil, "", err
	}
	switch resp.status {
	case http.StatusNotFound:
		return nil, "", nil
	case http.StatusOK:
		request := new(models.Request)
		if err = json.Unmarshal(resp.body, request); err != nil {
			return nil, "", err
		}
		return request, resp.etag, nil
	}
	return nil, "", unexpectedStatus("get", resp)
}

func (c *Client) do(ctx context.Context, apiReq *apiRequest) (*apiResponse, error) {
	rCtx, rCancel := context.WithTimeout(ctx, common.DefaultRpcWaitTime)
	defer rCancel()

	var body io.Reader
	if apiReq.body != nil {
		reqBody, err := json.Marshal(apiReq.body)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(reqBody)
	}
	reqUrl := c.url + apiReq.path
	if len(apiReq.query) > 0 {
		reqUrl += "?" + apiReq.query.Encode()
	}
	req, err := http.NewRequestWithContext(rCtx, apiReq.method, reqUrl, body)
	if err != nil {
		c.logger.Errorf("recordapi: error creating request: %v", err)
		return nil, err
	}
	req.Header.Add("Content-Type", "application/json")
	if len(apiReq.ifMatch) > 0 {
		req.Header.Add("If-Match", apiReq.ifMatch)
	}
	if len(apiReq.ifNoneMatch) > 0 {
		req.Header.Add("If-None-Match", apiReq.ifNoneMatch)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Errorf("recordapi: error submitting %s %s: %v", apiReq.method, apiReq.path, err)
		return nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Errorf("recordapi: error reading response: %v", err)
		return nil, err
	}
	return &apiResponse{resp.StatusCode, resp.Header.Get("ETag"), respBody}, nil
}

func requestPath(id string) string {
	return "/request/" + url.PathEscape(id)
}

func claimPath(key string) string {
	return "/claim/" + url.PathEscape(key)
}

func claimKey(kind, value string) string {
	return kind + ":" + strings.ToLower(value)
}

func sameOptional(a, b *string) bool {
	if (a == nil) || (b == nil) {
		return (a == nil) == (b == nil)
	}
	return *a == *b
}

var errUnexpectedStatus = errors.New("unexpected record api response")

func unexpectedStatus(op string, resp *apiResponse) error {
	return fmt.Errorf("%s: %w: %d, %s", op, errUnexpectedStatus, resp.status, resp.body)
}
