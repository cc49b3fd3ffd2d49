package fetch_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chinmina/chinmina-client/internal/api"
	"github.com/chinmina/chinmina-client/internal/cache"
	"github.com/chinmina/chinmina-client/internal/clienterror"
	"github.com/chinmina/chinmina-client/internal/fetch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTokens struct {
	mu           sync.Mutex
	access       string
	accessErr    error
	refreshed    string
	refreshErr   error
	gets         int
	refreshCalls int
}

func (f *fakeTokens) GetAccessToken(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	return f.access, f.accessErr
}

func (f *fakeTokens) RefreshAccessToken(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	if f.refreshErr == nil {
		f.access = f.refreshed
	}
	return f.refreshed, f.refreshErr
}

type call struct {
	token         string
	simulateError bool
}

// fakeCaller accepts only the valid token.
type fakeCaller struct {
	mu      sync.Mutex
	valid   string
	body    []byte
	err     error
	calls   []call
	gate    chan struct{}
	entered chan struct{}
}

func newFakeCaller(valid string, body string) *fakeCaller {
	return &fakeCaller{
		valid:   valid,
		body:    []byte(body),
		entered: make(chan struct{}, 100),
	}
}

func (f *fakeCaller) Do(ctx context.Context, req api.Request, token string, simulateError bool) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{token: token, simulateError: simulateError})
	gate := f.gate
	valid, body, err := f.valid, f.body, f.err
	f.mu.Unlock()

	f.entered <- struct{}{}
	if gate != nil {
		<-gate
	}

	if token != valid {
		return nil, clienterror.ResponseError{URL: req.Path, StatusCode: http.StatusUnauthorized, Code: "unauthorized"}
	}
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (f *fakeCaller) hold() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
	return f.gate
}

func (f *fakeCaller) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeCaller) tokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	tokens := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		tokens = append(tokens, c.token)
	}
	return tokens
}

func (f *fakeCaller) waitForCall(t *testing.T) {
	t.Helper()
	select {
	case <-f.entered:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timed out waiting for API call")
	}
}

var companies = api.Request{Method: http.MethodGet, Path: "companies", Area: "companies"}

func TestFetch_Success(t *testing.T) {
	tokens := &fakeTokens{access: "A1"}
	caller := newFakeCaller("A1", `[]`)
	responses := cache.NewResponseCache()
	o := fetch.New(responses, tokens, caller)

	data, err := o.Fetch(context.Background(), "companies", companies, fetch.Options{})
	require.NoError(t, err)
	assert.Equal(t, []byte(`[]`), data)

	entry, ok := o.Entry("companies")
	require.True(t, ok)
	assert.Equal(t, cache.Done, entry.State())
	assert.Equal(t, []byte(`[]`), entry.Data())
}

func TestFetch_CachedDataIsReused(t *testing.T) {
	tokens := &fakeTokens{access: "A1"}
	caller := newFakeCaller("A1", `[]`)
	o := fetch.New(cache.NewResponseCache(), tokens, caller)

	for range 3 {
		_, err := o.Fetch(context.Background(), "companies", companies, fetch.Options{})
		require.NoError(t, err)
	}

	assert.Equal(t, 1, caller.callCount())
}

func TestFetch_ConcurrentCallersShareOneSequence(t *testing.T) {
	tokens := &fakeTokens{access: "A1"}
	caller := newFakeCaller("A1", `[{"id":1}]`)
	release := caller.hold()
	o := fetch.New(cache.NewResponseCache(), tokens, caller)

	const callers = 20
	results := make([][]byte, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := o.Fetch(context.Background(), "companies", companies, fetch.Options{})
			assert.NoError(t, err)
			results[i] = data
		}()
	}

	caller.waitForCall(t)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, caller.callCount())
	for _, data := range results {
		assert.Equal(t, []byte(`[{"id":1}]`), data)
	}
}

func TestFetch_RetriesOnceAfterRefresh(t *testing.T) {
	tokens := &fakeTokens{access: "expired", refreshed: "A2"}
	caller := newFakeCaller("A2", `[]`)
	o := fetch.New(cache.NewResponseCache(), tokens, caller)

	data, err := o.Fetch(context.Background(), "companies", companies, fetch.Options{})
	require.NoError(t, err)
	assert.Equal(t, []byte(`[]`), data)

	assert.Equal(t, []string{"expired", "A2"}, caller.tokens())
	assert.Equal(t, 1, tokens.refreshCalls)

	entry, ok := o.Entry("companies")
	require.True(t, ok)
	assert.Equal(t, cache.Done, entry.State())
	assert.NoError(t, entry.Err())
}

func TestFetch_SecondUnauthorizedIsTerminal(t *testing.T) {
	tokens := &fakeTokens{access: "expired", refreshed: "also-rejected"}
	caller := newFakeCaller("A2", `[]`)
	o := fetch.New(cache.NewResponseCache(), tokens, caller)

	_, err := o.Fetch(context.Background(), "companies", companies, fetch.Options{})

	assert.True(t, clienterror.IsUnauthorized(err))
	assert.Equal(t, 2, caller.callCount())
	assert.Equal(t, 1, tokens.refreshCalls)

	entry, ok := o.Entry("companies")
	require.True(t, ok)
	assert.True(t, entry.Failed())
}

func TestFetch_RefreshEndsSessionRequiresLogin(t *testing.T) {
	tokens := &fakeTokens{access: "expired", refreshed: ""}
	caller := newFakeCaller("A2", `[]`)
	o := fetch.New(cache.NewResponseCache(), tokens, caller)

	_, err := o.Fetch(context.Background(), "companies", companies, fetch.Options{})

	assert.True(t, clienterror.IsLoginRequired(err))
	assert.Equal(t, 1, caller.callCount())
}

func TestFetch_NoTokenRequiresLogin(t *testing.T) {
	tokens := &fakeTokens{}
	caller := newFakeCaller("A1", `[]`)
	o := fetch.New(cache.NewResponseCache(), tokens, caller)

	_, err := o.Fetch(context.Background(), "companies", companies, fetch.Options{})

	assert.True(t, clienterror.IsLoginRequired(err))
	assert.Equal(t, 0, caller.callCount())

	entry, ok := o.Entry("companies")
	require.True(t, ok)
	assert.True(t, clienterror.IsLoginRequired(entry.Err()))
}

func TestFetch_TokenErrorPropagates(t *testing.T) {
	tokenErr := clienterror.TokenError{Grant: "refresh_token", Code: "invalid_client"}
	tokens := &fakeTokens{accessErr: tokenErr}
	o := fetch.New(cache.NewResponseCache(), tokens, newFakeCaller("A1", `[]`))

	_, err := o.Fetch(context.Background(), "companies", companies, fetch.Options{})

	var got clienterror.TokenError
	require.ErrorAs(t, err, &got)
	assert.Equal(t, tokenErr, got)
}

func TestFetch_OtherErrorsAreNotRetried(t *testing.T) {
	tokens := &fakeTokens{access: "A1"}
	caller := newFakeCaller("A1", "")
	caller.err = clienterror.ResponseError{StatusCode: http.StatusInternalServerError, Code: "server_error"}
	o := fetch.New(cache.NewResponseCache(), tokens, caller)

	_, err := o.Fetch(context.Background(), "companies", companies, fetch.Options{})

	var respErr clienterror.ResponseError
	require.ErrorAs(t, err, &respErr)
	assert.Equal(t, "server_error", respErr.Code)
	assert.Equal(t, 1, caller.callCount())
	assert.Equal(t, 0, tokens.refreshCalls)
}

func TestFetch_FailedEntryIsRetriedOnNextFetch(t *testing.T) {
	tokens := &fakeTokens{access: "A1"}
	caller := newFakeCaller("A1", `[]`)
	caller.err = clienterror.NetworkError{URL: "companies", Cause: errors.New("connection refused")}
	o := fetch.New(cache.NewResponseCache(), tokens, caller)

	_, err := o.Fetch(context.Background(), "companies", companies, fetch.Options{})
	require.Error(t, err)

	caller.mu.Lock()
	caller.err = nil
	caller.mu.Unlock()

	data, err := o.Fetch(context.Background(), "companies", companies, fetch.Options{})
	require.NoError(t, err)
	assert.Equal(t, []byte(`[]`), data)
	assert.Equal(t, 2, caller.callCount())
}

func TestFetch_ForceReload(t *testing.T) {
	tokens := &fakeTokens{access: "A1"}
	caller := newFakeCaller("A1", `[1]`)
	o := fetch.New(cache.NewResponseCache(), tokens, caller)

	_, err := o.Fetch(context.Background(), "companies", companies, fetch.Options{})
	require.NoError(t, err)
	first, _ := o.Entry("companies")

	caller.mu.Lock()
	caller.body = []byte(`[2]`)
	caller.mu.Unlock()

	data, err := o.Fetch(context.Background(), "companies", companies, fetch.Options{ForceReload: true})
	require.NoError(t, err)
	assert.Equal(t, []byte(`[2]`), data)

	second, _ := o.Entry("companies")
	assert.NotSame(t, first, second)
	assert.Equal(t, 2, caller.callCount())
}

func TestFetch_ConcurrentReloadsShareOneSequence(t *testing.T) {
	tokens := &fakeTokens{access: "A1"}
	caller := newFakeCaller("A1", `[1]`)
	o := fetch.New(cache.NewResponseCache(), tokens, caller)

	_, err := o.Fetch(context.Background(), "companies", companies, fetch.Options{})
	require.NoError(t, err)
	caller.waitForCall(t)

	caller.mu.Lock()
	caller.body = []byte(`[2]`)
	caller.mu.Unlock()
	release := caller.hold()

	const callers = 10
	results := make([][]byte, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := o.Fetch(context.Background(), "companies", companies, fetch.Options{ForceReload: true})
			assert.NoError(t, err)
			results[i] = data
		}()
	}

	caller.waitForCall(t)
	// give the remaining reloads time to join the in-flight sequence
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 2, caller.callCount())
	for _, data := range results {
		assert.Equal(t, []byte(`[2]`), data)
	}
}

func TestFetch_KeysAreIndependent(t *testing.T) {
	tokens := &fakeTokens{access: "A1"}
	caller := newFakeCaller("A1", `{}`)
	o := fetch.New(cache.NewResponseCache(), tokens, caller)

	_, err := o.Fetch(context.Background(), "companies", companies, fetch.Options{})
	require.NoError(t, err)
	_, err = o.Fetch(context.Background(), "transactions:2", api.Get("companies/2/transactions"), fetch.Options{})
	require.NoError(t, err)

	assert.Equal(t, 2, caller.callCount())
}

func TestFetch_SimulateErrorIsPassedThrough(t *testing.T) {
	tokens := &fakeTokens{access: "A1"}
	caller := newFakeCaller("A1", `[]`)
	o := fetch.New(cache.NewResponseCache(), tokens, caller)

	_, err := o.Fetch(context.Background(), "companies", companies, fetch.Options{SimulateError: true})
	require.NoError(t, err)

	caller.mu.Lock()
	defer caller.mu.Unlock()
	assert.True(t, caller.calls[0].simulateError)
}

func TestFetch_AbandonedWaitDoesNotCancelSequence(t *testing.T) {
	tokens := &fakeTokens{access: "A1"}
	caller := newFakeCaller("A1", `[]`)
	release := caller.hold()
	o := fetch.New(cache.NewResponseCache(), tokens, caller)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := o.Fetch(ctx, "companies", companies, fetch.Options{})
		done <- err
	}()

	caller.waitForCall(t)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	close(release)

	// the next reader receives the result of the original sequence
	data, err := o.Fetch(context.Background(), "companies", companies, fetch.Options{})
	require.NoError(t, err)
	assert.Equal(t, []byte(`[]`), data)
	assert.Equal(t, 1, caller.callCount())
}

func TestFetch_ConcurrentUnauthorizedKeysRetryIndependently(t *testing.T) {
	var refreshes atomic.Int32
	tokens := &sharedRefreshTokens{access: "expired", refreshed: "A2", count: &refreshes}
	caller := newFakeCaller("A2", `[]`)
	o := fetch.New(cache.NewResponseCache(), tokens, caller)

	keys := []string{"companies", "transactions:1", "transactions:2", "apiUserInfo"}
	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.Fetch(context.Background(), key, api.Get(key), fetch.Options{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// each key made its own initial call and its own retry
	assert.Equal(t, 2*len(keys), caller.callCount())
}

// sharedRefreshTokens hands every caller the refreshed token once any
// refresh has happened, as a single-flight refresh would.
type sharedRefreshTokens struct {
	mu        sync.Mutex
	access    string
	refreshed string
	count     *atomic.Int32
}

func (s *sharedRefreshTokens) GetAccessToken(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.access, nil
}

func (s *sharedRefreshTokens) RefreshAccessToken(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count.Add(1)
	s.access = s.refreshed
	return s.refreshed, nil
}
