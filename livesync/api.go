package livesync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const defaultHttpTimeout = 15 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

// the http timeout bounds a poll tick so that a hung fetch cannot block
// the next scheduled tick indefinitely
func defaultClient() *http.Client {
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

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	callback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return callback, c
}

// SessionApi is the one-shot REST collaborator. The controller uses it for
// the seed fetch on socket connect and for every polling tick; callers can
// also fire mutate actions through it.
type SessionApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	byJwt string
}

func NewSessionApi(apiUrl string) *SessionApi {
	return NewSessionApiWithContext(context.Background(), apiUrl)
}

func NewSessionApiWithContext(ctx context.Context, apiUrl string) *SessionApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &SessionApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// this gets attached to api calls that need it
func (self *SessionApi) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

type GetSessionSnapshotCallback = apiCallback[*Snapshot]

func (self *SessionApi) GetSessionSnapshot(sessionId Id, callback GetSessionSnapshotCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/session/%s/live", self.apiUrl, sessionId),
		self.byJwt,
		&Snapshot{},
		callback,
	)
}

func (self *SessionApi) GetSessionSnapshotSync(sessionId Id) (*Snapshot, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/session/%s/live", self.apiUrl, sessionId),
		self.byJwt,
		&Snapshot{},
		NewNoopApiCallback[*Snapshot](),
	)
}

type SessionActionCallback = apiCallback[*SessionActionResult]

type SessionActionArgs struct {
	SessionId Id              `json:"session_id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type SessionActionResult struct {
	Accepted bool                `json:"accepted"`
	Error    *SessionActionError `json:"error,omitempty"`
}

type SessionActionError struct {
	Message string `json:"message"`
}

func (self *SessionApi) SessionAction(sessionAction *SessionActionArgs, callback SessionActionCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/session/%s/action", self.apiUrl, sessionAction.SessionId),
		sessionAction,
		self.byJwt,
		&SessionActionResult{},
		callback,
	)
}

func (self *SessionApi) SessionActionSync(sessionAction *SessionActionArgs) (*SessionActionResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/session/%s/action", self.apiUrl, sessionAction.SessionId),
		sessionAction,
		self.byJwt,
		&SessionActionResult{},
		NewNoopApiCallback[*SessionActionResult](),
	)
}

func post[R any](ctx context.Context, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	if byJwt != "" {
		req.Header.Add("Authorization", bearer(byJwt))
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

func get[R any](ctx context.Context, url string, byJwt string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	if byJwt != "" {
		req.Header.Add("Authorization", bearer(byJwt))
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
