package converge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any](ctx context.Context) (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R], 1)
	apiCallback := NewApiCallback[R](func(result R, err error) {
		select {
		case <-ctx.Done():
		case c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}:
		}
	})
	return apiCallback, c
}

// the server explicitly refused the write (validation, authorization).
// rolled back immediately and never retried automatically.
type MutationRejectedError struct {
	StatusCode int
	Message    string
}

func (self *MutationRejectedError) Error() string {
	return fmt.Sprintf("mutation rejected (%d): %s", self.StatusCode, self.Message)
}

type SubmitArgs struct {
	ListKey ListKey       `json:"listKey"`
	Kind    OperationKind `json:"kind"`
	// the client's temp id, echoed back on the push event when the
	// transport supports it
	ClientTag EntityId `json:"clientTag"`
	// for update and delete, the permanent target id
	TargetId EntityId `json:"targetId,omitempty"`
	Payload  Payload  `json:"payload,omitempty"`
}

type SubmitResult struct {
	// the final, server-assigned entity for insert and update.
	// nil for delete.
	Entity *Entity `json:"entity,omitempty"`
}

type SubmitCallback apiCallback[*SubmitResult]

// client for the mutation request boundary.
// the result may resolve after a push event for the same logical write
// has already arrived; the reconcile engine handles that race.
type MutationApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	byJwt string

	httpClient *http.Client
}

func NewMutationApi(apiUrl string) *MutationApi {
	return NewMutationApiWithContext(context.Background(), apiUrl)
}

func NewMutationApiWithContext(ctx context.Context, apiUrl string) *MutationApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &MutationApi{
		ctx:        cancelCtx,
		cancel:     cancel,
		apiUrl:     apiUrl,
		httpClient: defaultClient(),
	}
}

// this gets attached to api calls that need it
func (self *MutationApi) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

func (self *MutationApi) Submit(args *SubmitArgs, callback SubmitCallback) {
	go post(
		self.ctx,
		self.httpClient,
		fmt.Sprintf("%s/mutations", self.apiUrl),
		self.byJwt,
		args,
		&SubmitResult{},
		callback,
	)
}

// blocking submit for callers that do not use the callback style
func (self *MutationApi) SubmitSync(ctx context.Context, args *SubmitArgs) (*SubmitResult, error) {
	callback, c := NewBlockingApiCallback[*SubmitResult](ctx)
	self.Submit(args, callback)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-c:
		return result.Result, result.Error
	}
}

func (self *MutationApi) Close() {
	self.cancel()
}

func post[A any, R any](
	ctx context.Context,
	httpClient *http.Client,
	url string,
	byJwt string,
	args A,
	result R,
	callback apiCallback[R],
) {
	var empty R

	requestBytes, err := json.Marshal(args)
	if err != nil {
		callback.Result(empty, err)
		return
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(requestBytes))
	if err != nil {
		callback.Result(empty, err)
		return
	}
	request.Header.Set("Content-Type", "application/json")
	if byJwt != "" {
		request.Header.Set("Authorization", fmt.Sprintf("Bearer %s", byJwt))
	}

	response, err := httpClient.Do(request)
	if err != nil {
		// a request that did not complete in time is a timeout for
		// store purposes. the write may still have succeeded server
		// side; a later push event re-enters as a foreign insert.
		if isTimeout(err) {
			callback.Result(empty, ErrMutationTimeout)
		} else {
			callback.Result(empty, err)
		}
		return
	}
	defer response.Body.Close()

	responseBytes, err := io.ReadAll(response.Body)
	if err != nil {
		callback.Result(empty, err)
		return
	}

	if 400 <= response.StatusCode && response.StatusCode < 500 {
		callback.Result(empty, &MutationRejectedError{
			StatusCode: response.StatusCode,
			Message:    string(responseBytes),
		})
		return
	}
	if http.StatusOK != response.StatusCode {
		callback.Result(empty, fmt.Errorf("bad status: %s", response.Status))
		return
	}

	if err := json.Unmarshal(responseBytes, result); err != nil {
		callback.Result(empty, err)
		return
	}
	callback.Result(result, nil)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
