package direct

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	utls "github.com/refraction-networking/utls"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/fetchflow/adapter"
	"github.com/BaSui01/fetchflow/types"
)

func TestHelloIDProfiles(t *testing.T) {
	tests := []struct {
		profile string
		want    utls.ClientHelloID
	}{
		{"chrome", utls.HelloChrome_Auto},
		{"chrome120", utls.HelloChrome_Auto},
		{"CHROME", utls.HelloChrome_Auto},
		{"firefox", utls.HelloFirefox_Auto},
		{"firefox117", utls.HelloFirefox_Auto},
		{"safari", utls.HelloSafari_Auto},
		{"edge", utls.HelloEdge_Auto},
		{"ios", utls.HelloIOS_Auto},
		{"random", utls.HelloRandomized},
		{"", utls.HelloChrome_Auto},
		{"unknown-browser", utls.HelloChrome_Auto},
	}

	for _, tt := range tests {
		t.Run("profile="+tt.profile, func(t *testing.T) {
			assert.Equal(t, tt.want, helloID(tt.profile), "档位应按前缀映射")
		})
	}
}

func TestImpersonatePlainHTTP(t *testing.T) {
	srv := newEchoServer(t)
	eng := NewImpersonate(nil)

	task := &types.TaskEnvelope{
		ID:      "t-imp-plain",
		Backend: eng.Name(),
		Method:  http.MethodGet,
		URL:     srv.URL + "/page",
		Headers: map[string]string{"X-Probe": "imp"},
		Cookies: map[string]string{"session": "xyz"},
	}

	result, err := eng.Execute(context.Background(), &adapter.Request{
		Task:    task,
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, result.StatusCode)

	echo := decodeEcho(t, result)
	assert.Equal(t, "/page", echo.Path)
	assert.Equal(t, "imp", echo.Probe)
	assert.Equal(t, "xyz", echo.Cookie)
	assert.Equal(t, task.URL, result.EffectiveURL)
}

func TestImpersonateTLSHandshake(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("fingerprinted"))
	}))
	t.Cleanup(srv.Close)
	eng := NewImpersonate(nil)

	t.Run("跳过校验完成握手", func(t *testing.T) {
		task := &types.TaskEnvelope{
			ID:                   "t-imp-tls",
			Backend:              eng.Name(),
			Method:               http.MethodGet,
			URL:                  srv.URL,
			VerifyTLS:            boolPtr(false),
			ImpersonationProfile: "chrome",
		}

		result, err := eng.Execute(context.Background(), &adapter.Request{
			Task:    task,
			Timeout: 5 * time.Second,
		})
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, result.StatusCode)
		assert.Equal(t, "fingerprinted", string(result.Body))
	})

	t.Run("默认严格校验拒绝自签名", func(t *testing.T) {
		task := &types.TaskEnvelope{
			ID:      "t-imp-tls-strict",
			Backend: eng.Name(),
			Method:  http.MethodGet,
			URL:     srv.URL,
		}

		_, err := eng.Execute(context.Background(), &adapter.Request{
			Task:    task,
			Timeout: 5 * time.Second,
		})
		require.Error(t, err)

		typed, ok := types.AsError(err)
		require.True(t, ok)
		assert.Equal(t, types.ErrTransport, typed.Code)
	})
}

func TestImpersonateHTTP2(t *testing.T) {
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"proto": r.Proto})
	}))
	srv.EnableHTTP2 = true
	srv.StartTLS()
	t.Cleanup(srv.Close)
	eng := NewImpersonate(nil)

	task := &types.TaskEnvelope{
		ID:        "t-imp-h2",
		Backend:   eng.Name(),
		Method:    http.MethodGet,
		URL:       srv.URL,
		VerifyTLS: boolPtr(false),
	}

	result, err := eng.Execute(context.Background(), &adapter.Request{
		Task:    task,
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)

	var body map[string]string
	require.NoError(t, json.Unmarshal(result.Body, &body))
	assert.Equal(t, "HTTP/2.0", body["proto"], "ALPN 协商 h2 后应走 HTTP/2 通道")
}

func TestImpersonateRedirectMethodDowngrade(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/submit", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/done", http.StatusSeeOther)
	})
	mux.HandleFunc("/done", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"method": r.Method})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	eng := NewImpersonate(nil)

	task := &types.TaskEnvelope{
		ID:       "t-imp-303",
		Backend:  eng.Name(),
		Method:   http.MethodPost,
		URL:      srv.URL + "/submit",
		BodyJSON: json.RawMessage(`{"k": "v"}`),
	}

	result, err := eng.Execute(context.Background(), &adapter.Request{
		Task:    task,
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, result.StatusCode)

	var body map[string]string
	require.NoError(t, json.Unmarshal(result.Body, &body))
	assert.Equal(t, http.MethodGet, body["method"], "303 跳转应降级为 GET")
	assert.Equal(t, srv.URL+"/done", result.EffectiveURL, "最终 URL 应为跳转目标")
}

func TestImpersonateStopOnRedirect(t *testing.T) {
	srv := newRedirectServer(t)
	eng := NewImpersonate(nil)

	task := &types.TaskEnvelope{
		ID:              "t-imp-noredir",
		Backend:         eng.Name(),
		Method:          http.MethodGet,
		URL:             srv.URL + "/start",
		FollowRedirects: boolPtr(false),
	}

	result, err := eng.Execute(context.Background(), &adapter.Request{
		Task:    task,
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusFound, result.StatusCode)
	assert.Equal(t, "/final", result.Headers["Location"])
}

func TestImpersonateRedirectLoop(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	eng := NewImpersonate(nil)

	task := &types.TaskEnvelope{
		ID:      "t-imp-loop",
		Backend: eng.Name(),
		Method:  http.MethodGet,
		URL:     srv.URL + "/loop",
	}

	_, err := eng.Execute(context.Background(), &adapter.Request{
		Task:    task,
		Timeout: 10 * time.Second,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redirects", "循环跳转应在上限处截断")

	typed, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrTransport, typed.Code)
}

func TestResolveLocation(t *testing.T) {
	tests := []struct {
		name     string
		current  string
		location string
		want     string
	}{
		{"绝对跳转", "https://a.com/x", "https://b.com/y", "https://b.com/y"},
		{"相对路径", "https://a.com/dir/page", "next", "https://a.com/dir/next"},
		{"根相对路径", "https://a.com/dir/page", "/top", "https://a.com/top"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveLocation(tt.current, tt.location)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestImpersonateDefaultProfileFallback(t *testing.T) {
	eng := NewImpersonate(nil).WithDefaultProfile("firefox")

	assert.Equal(t, "firefox", eng.profileFor(&types.TaskEnvelope{}), "任务未指定档位时用引擎默认")
	assert.Equal(t, "safari", eng.profileFor(&types.TaskEnvelope{ImpersonationProfile: "safari"}), "任务档位优先")
}
