package coordinate

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

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

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

type HttpStatusError struct {
	StatusCode int
	Message    string
}

func (self *HttpStatusError) Error() string {
	return fmt.Sprintf("http %d: %s", self.StatusCode, self.Message)
}

func post[R any](ctx context.Context, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
	return request(ctx, "POST", url, args, byJwt, result, callback)
}

func get[R any](ctx context.Context, url string, byJwt string, result R, callback apiCallback[R]) (R, error) {
	return request(ctx, "GET", url, nil, byJwt, result, callback)
}

func put[R any](ctx context.Context, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
	return request(ctx, "PUT", url, args, byJwt, result, callback)
}

func del[R any](ctx context.Context, url string, byJwt string, result R, callback apiCallback[R]) (R, error) {
	return request(ctx, "DELETE", url, nil, byJwt, result, callback)
}

func request[R any](ctx context.Context, method string, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
	var requestBody io.Reader
	if args != nil {
		requestBodyBytes, err := json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
		requestBody = bytes.NewReader(requestBodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, requestBody)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
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
	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		err = &HttpStatusError{
			StatusCode: r.StatusCode,
			Message:    strings.TrimSpace(string(responseBodyBytes)),
		}
		callback.Result(result, err)
		return result, err
	}

	if 0 < len(responseBodyBytes) {
		err = json.Unmarshal(responseBodyBytes, &result)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	callback.Result(result, nil)
	return result, nil
}

// identity provider reached over http. the coordinator treats every
// call as a potentially failing, potentially slow remote operation.
type ApiIdentityProvider struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string
}

func NewApiIdentityProvider(ctx context.Context, apiUrl string) *ApiIdentityProvider {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ApiIdentityProvider{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

type VerifyTokenArgs struct {
	Token string `json:"token"`
}

type VerifyTokenResult struct {
	UserId      string                  `json:"user_id,omitempty"`
	DisplayName string                  `json:"display_name,omitempty"`
	AvatarRef   string                  `json:"avatar_ref,omitempty"`
	Error       *VerifyTokenResultError `json:"error,omitempty"`
}

type VerifyTokenResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (self *ApiIdentityProvider) VerifyToken(ctx context.Context, token string) (*Identity, error) {
	result, err := post(
		ctx,
		fmt.Sprintf("%s/auth/verify", self.apiUrl),
		&VerifyTokenArgs{Token: token},
		"",
		&VerifyTokenResult{},
		NewNoopApiCallback[*VerifyTokenResult](),
	)
	if err != nil {
		return nil, NewAuthenticationError(AuthReasonFailed, "%s", err)
	}
	if result.Error != nil {
		reason := result.Error.Code
		if reason == "" {
			reason = AuthReasonFailed
		}
		return nil, NewAuthenticationError(reason, "%s", result.Error.Message)
	}
	if result.UserId == "" {
		return nil, NewAuthenticationError(AuthReasonUserNotFound, "no user for token")
	}
	return &Identity{
		UserId:      result.UserId,
		DisplayName: result.DisplayName,
		AvatarRef:   result.AvatarRef,
	}, nil
}

func (self *ApiIdentityProvider) Close() {
	self.cancel()
}

// DocumentStore backed by a remote document service speaking the same
// http surface as the coordinator's admin api. used by coordinatectl
// and by coordinators that do not own the database.
type ApiDocumentStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	byJwt string
}

func NewApiDocumentStore(ctx context.Context, apiUrl string) *ApiDocumentStore {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ApiDocumentStore{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// attached to store calls that need it
func (self *ApiDocumentStore) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

func (self *ApiDocumentStore) mapError(documentId string, err error) error {
	var statusErr *HttpStatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusNotFound:
			return &NotFoundError{DocumentId: documentId}
		case http.StatusForbidden:
			return &AuthorizationError{DocumentId: documentId}
		}
	}
	return err
}

func (self *ApiDocumentStore) GetDocument(ctx context.Context, documentId string) (*Document, error) {
	document, err := get(
		ctx,
		fmt.Sprintf("%s/documents/%s", self.apiUrl, documentId),
		self.byJwt,
		&Document{},
		NewNoopApiCallback[*Document](),
	)
	if err != nil {
		return nil, self.mapError(documentId, err)
	}
	return document, nil
}

type CreateDocumentCallback apiCallback[*Document]

func (self *ApiDocumentStore) CreateDocumentWithCallback(document *Document, callback CreateDocumentCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/documents", self.apiUrl),
		document,
		self.byJwt,
		&Document{},
		callback,
	)
}

func (self *ApiDocumentStore) CreateDocument(ctx context.Context, document *Document) (*Document, error) {
	created, err := post(
		ctx,
		fmt.Sprintf("%s/documents", self.apiUrl),
		document,
		self.byJwt,
		&Document{},
		NewNoopApiCallback[*Document](),
	)
	if err != nil {
		return nil, self.mapError(document.DocumentId, err)
	}
	return created, nil
}

func (self *ApiDocumentStore) UpdateDocument(ctx context.Context, document *Document) error {
	_, err := put(
		ctx,
		fmt.Sprintf("%s/documents/%s", self.apiUrl, document.DocumentId),
		document,
		self.byJwt,
		&Document{},
		NewNoopApiCallback[*Document](),
	)
	if err != nil {
		return self.mapError(document.DocumentId, err)
	}
	return nil
}

func (self *ApiDocumentStore) DeleteDocument(ctx context.Context, documentId string) error {
	_, err := del(
		ctx,
		fmt.Sprintf("%s/documents/%s", self.apiUrl, documentId),
		self.byJwt,
		&struct{}{},
		NewNoopApiCallback[*struct{}](),
	)
	if err != nil {
		return self.mapError(documentId, err)
	}
	return nil
}

func (self *ApiDocumentStore) ListDocuments(ctx context.Context, userId string) ([]*Document, error) {
	documents, err := get(
		ctx,
		fmt.Sprintf("%s/documents", self.apiUrl),
		self.byJwt,
		[]*Document{},
		NewNoopApiCallback[[]*Document](),
	)
	if err != nil {
		return nil, err
	}
	return documents, nil
}

type AppendChangeResult struct {
	ChangeId string `json:"change_id"`
}

func (self *ApiDocumentStore) AppendChange(ctx context.Context, documentId string, change *Change) (string, error) {
	result, err := post(
		ctx,
		fmt.Sprintf("%s/documents/%s/changes", self.apiUrl, documentId),
		change,
		self.byJwt,
		&AppendChangeResult{},
		NewNoopApiCallback[*AppendChangeResult](),
	)
	if err != nil {
		return "", self.mapError(documentId, err)
	}
	return result.ChangeId, nil
}

type UpdateHeadArgs struct {
	Version      int64     `json:"version"`
	LastModified time.Time `json:"last_modified"`
}

func (self *ApiDocumentStore) UpdateHead(ctx context.Context, documentId string, version int64, lastModified time.Time) error {
	_, err := put(
		ctx,
		fmt.Sprintf("%s/documents/%s/head", self.apiUrl, documentId),
		&UpdateHeadArgs{
			Version:      version,
			LastModified: lastModified,
		},
		self.byJwt,
		&DocumentHead{},
		NewNoopApiCallback[*DocumentHead](),
	)
	if err != nil {
		return self.mapError(documentId, err)
	}
	return nil
}

func (self *ApiDocumentStore) ListChanges(ctx context.Context, documentId string, sinceVersion int64) ([]*Change, error) {
	changes, err := get(
		ctx,
		fmt.Sprintf("%s/documents/%s/changes?since=%d", self.apiUrl, documentId, sinceVersion),
		self.byJwt,
		[]*Change{},
		NewNoopApiCallback[[]*Change](),
	)
	if err != nil {
		return nil, self.mapError(documentId, err)
	}
	return changes, nil
}

func (self *ApiDocumentStore) Close() {
	self.cancel()
}
