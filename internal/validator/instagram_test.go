package validator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cookiepool/internal/registry"
	"cookiepool/pkg/config"
	errs "cookiepool/pkg/errors"
	"cookiepool/pkg/models"
)

const mediaInfoBody = `{
	"data": {
		"xdt_api__v1__media__shortcode__web_info": {
			"items": [{"pk": "3123456789012345678", "comment_count": 42}]
		}
	}
}`

func testConfig(baseURL string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Validator.BaseURL = baseURL
	cfg.Validator.MaxAttempts = 3
	cfg.Validator.BaseDelay = time.Millisecond
	cfg.Validator.MaxDelay = 4 * time.Millisecond
	cfg.Validator.Timeout = 2 * time.Second
	return cfg
}

func testSession() *registry.Session {
	return &registry.Session{
		ID:       7,
		Platform: models.PlatformInstagram,
		Username: "probe_acct",
		SessionData: registry.Pairs{
			{Name: "sessionid", Value: "sid-7"},
			{Name: "csrftoken", Value: "tok-7"},
		},
	}
}

func TestValidateSuccess(t *testing.T) {
	var gotCookie, gotCSRF, gotDocID atomic.Value

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/graphql/query", r.URL.Path)
		require.NoError(t, r.ParseForm())
		gotCookie.Store(r.Header.Get("Cookie"))
		gotCSRF.Store(r.Header.Get("X-CSRFToken"))
		gotDocID.Store(r.FormValue("doc_id"))
		w.Write([]byte(mediaInfoBody))
	}))
	defer srv.Close()

	v := New(models.PlatformInstagram, testConfig(srv.URL), nil)
	res, err := v.Validate(context.Background(), testSession(), "https://www.instagram.com/p/DEADBEEF123/")
	require.NoError(t, err)

	assert.True(t, res.Valid)
	assert.Equal(t, 42, res.ExpectedCount)
	assert.Equal(t, "sessionid=sid-7; csrftoken=tok-7", gotCookie.Load())
	assert.Equal(t, "tok-7", gotCSRF.Load())
	assert.Equal(t, mediaInfoDocID, gotDocID.Load())
}

func TestValidateExpiredSessionNoRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	v := New(models.PlatformInstagram, testConfig(srv.URL), nil)
	res, err := v.Validate(context.Background(), testSession(), "https://www.instagram.com/p/DEADBEEF123/")
	require.NoError(t, err)

	assert.False(t, res.Valid)
	assert.Equal(t, errs.ErrorTypeSessionExpired, res.Reason)
	assert.Equal(t, int32(1), hits.Load(), "auth rejection is terminal")
}

func TestValidateRateLimitedNoRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	v := New(models.PlatformInstagram, testConfig(srv.URL), nil)
	res, err := v.Validate(context.Background(), testSession(), "https://www.instagram.com/p/DEADBEEF123/")
	require.NoError(t, err)

	assert.False(t, res.Valid)
	assert.Equal(t, errs.ErrorTypeRateLimited, res.Reason)
	assert.Equal(t, int32(1), hits.Load())
}

func TestValidateServerErrorRetriedThenFails(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	v := New(models.PlatformInstagram, cfg, nil)
	res, err := v.Validate(context.Background(), testSession(), "https://www.instagram.com/p/DEADBEEF123/")
	require.NoError(t, err)

	assert.False(t, res.Valid)
	assert.Equal(t, errs.ErrorTypeAPIError, res.Reason)
	assert.Equal(t, int32(cfg.Validator.MaxAttempts), hits.Load())
}

func TestValidateMalformedBodyRetriedThenRecovers(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.Write([]byte("<html>blocked</html>"))
			return
		}
		w.Write([]byte(mediaInfoBody))
	}))
	defer srv.Close()

	v := New(models.PlatformInstagram, testConfig(srv.URL), nil)
	res, err := v.Validate(context.Background(), testSession(), "https://www.instagram.com/p/DEADBEEF123/")
	require.NoError(t, err)

	assert.True(t, res.Valid)
	assert.Equal(t, int32(3), hits.Load())
}

func TestValidateMalformedBodyExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": {}}`))
	}))
	defer srv.Close()

	v := New(models.PlatformInstagram, testConfig(srv.URL), nil)
	res, err := v.Validate(context.Background(), testSession(), "https://www.instagram.com/p/DEADBEEF123/")
	require.NoError(t, err)

	assert.False(t, res.Valid)
	assert.Equal(t, errs.ErrorTypeUnexpectedResponse, res.Reason)
}

func TestValidateBadPostURL(t *testing.T) {
	v := New(models.PlatformInstagram, testConfig("http://unused"), nil)
	res, err := v.Validate(context.Background(), testSession(), "not a url")
	require.NoError(t, err)

	assert.False(t, res.Valid)
	assert.Equal(t, errs.ErrorTypeValidation, res.Reason)
}

func TestPassthroughPlatforms(t *testing.T) {
	for _, platform := range []models.Platform{models.PlatformLinkedIn, models.PlatformTwitter} {
		v := New(platform, testConfig("http://unused"), nil)
		res, err := v.Validate(context.Background(), testSession(), "https://example.com/post/1")
		require.NoError(t, err)
		assert.True(t, res.Valid, "%s sessions pass without a probe", platform)
	}
}

func TestDetailTruncated(t *testing.T) {
	long := make([]byte, 4096)
	for i := range long {
		long[i] = 'x'
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(long)
	}))
	defer srv.Close()

	v := New(models.PlatformInstagram, testConfig(srv.URL), nil)
	res, err := v.Validate(context.Background(), testSession(), "https://www.instagram.com/p/DEADBEEF123/")
	require.NoError(t, err)

	assert.False(t, res.Valid)
	assert.LessOrEqual(t, len(res.Detail), 200)
}
