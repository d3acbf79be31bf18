package direct

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/fetchflow/adapter"
	"github.com/BaSui01/fetchflow/proxy"
	"github.com/BaSui01/fetchflow/types"
)

// echoPayload 回显服务端观察到的请求细节, 供断言用。
type echoPayload struct {
	Method      string `json:"method"`
	Path        string `json:"path"`
	RawQuery    string `json:"raw_query"`
	Probe       string `json:"probe"`
	Cookie      string `json:"cookie"`
	ContentType string `json:"content_type"`
	Body        string `json:"body"`
}

func newEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		cookie := ""
		if c, err := r.Cookie("session"); err == nil {
			cookie = c.Value
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(echoPayload{
			Method:      r.Method,
			Path:        r.URL.Path,
			RawQuery:    r.URL.RawQuery,
			Probe:       r.Header.Get("X-Probe"),
			Cookie:      cookie,
			ContentType: r.Header.Get("Content-Type"),
			Body:        string(body),
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func decodeEcho(t *testing.T, result *adapter.Result) echoPayload {
	t.Helper()
	var echo echoPayload
	require.NoError(t, json.Unmarshal(result.Body, &echo))
	return echo
}

// protocolEngines 返回参与跨引擎一致性测试的协议引擎。
// impersonate 的 https 路径依赖真实握手, 单独覆盖。
func protocolEngines() []adapter.Adapter {
	return []adapter.Adapter{NewNetHTTP(nil), NewResty(nil)}
}

func boolPtr(v bool) *bool { return &v }

func TestEnginesGetWithQueryMerge(t *testing.T) {
	srv := newEchoServer(t)

	for _, eng := range protocolEngines() {
		t.Run(eng.Name(), func(t *testing.T) {
			task := &types.TaskEnvelope{
				ID:      "t-get",
				Backend: eng.Name(),
				Method:  http.MethodGet,
				URL:     srv.URL + "/search?a=1",
				Query:   json.RawMessage(`{"b": "2", "n": 3}`),
				Headers: map[string]string{"X-Probe": "v1"},
				Cookies: map[string]string{"session": "abc"},
			}

			result, err := eng.Execute(context.Background(), &adapter.Request{
				Task:    task,
				Timeout: 5 * time.Second,
			})
			require.NoError(t, err)
			require.Equal(t, http.StatusOK, result.StatusCode)

			echo := decodeEcho(t, result)
			assert.Equal(t, http.MethodGet, echo.Method)
			assert.Equal(t, "/search", echo.Path)

			q, err := url.ParseQuery(echo.RawQuery)
			require.NoError(t, err)
			assert.Equal(t, "1", q.Get("a"), "URL 自带参数应保留")
			assert.Equal(t, "2", q.Get("b"))
			assert.Equal(t, "3", q.Get("n"))

			assert.Equal(t, "v1", echo.Probe, "任务请求头应下发")
			assert.Equal(t, "abc", echo.Cookie, "任务 Cookie 应下发")
			assert.Contains(t, result.EffectiveURL, "/search")
			assert.Equal(t, "application/json", strings.Split(result.Headers["Content-Type"], ";")[0])
		})
	}
}

func TestEnginesPostJSON(t *testing.T) {
	srv := newEchoServer(t)

	for _, eng := range protocolEngines() {
		t.Run(eng.Name(), func(t *testing.T) {
			task := &types.TaskEnvelope{
				ID:       "t-json",
				Backend:  eng.Name(),
				Method:   http.MethodPost,
				URL:      srv.URL + "/submit",
				BodyJSON: json.RawMessage(`{"name": "alice", "age": 30}`),
			}

			result, err := eng.Execute(context.Background(), &adapter.Request{
				Task:    task,
				Timeout: 5 * time.Second,
			})
			require.NoError(t, err)

			echo := decodeEcho(t, result)
			assert.Equal(t, http.MethodPost, echo.Method)
			assert.Contains(t, echo.ContentType, "application/json")
			assert.JSONEq(t, `{"name": "alice", "age": 30}`, echo.Body, "json 负载应原样透传")
		})
	}
}

func TestEnginesPostForm(t *testing.T) {
	srv := newEchoServer(t)

	for _, eng := range protocolEngines() {
		t.Run(eng.Name(), func(t *testing.T) {
			task := &types.TaskEnvelope{
				ID:       "t-form",
				Backend:  eng.Name(),
				Method:   http.MethodPost,
				URL:      srv.URL + "/submit",
				BodyForm: json.RawMessage(`{"user": "bob", "pin": 1234}`),
			}

			result, err := eng.Execute(context.Background(), &adapter.Request{
				Task:    task,
				Timeout: 5 * time.Second,
			})
			require.NoError(t, err)

			echo := decodeEcho(t, result)
			assert.Contains(t, echo.ContentType, "application/x-www-form-urlencoded")

			form, err := url.ParseQuery(echo.Body)
			require.NoError(t, err)
			assert.Equal(t, "bob", form.Get("user"))
			assert.Equal(t, "1234", form.Get("pin"), "数值字段应编码为字面量")
		})
	}
}

func newRedirectServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/final", http.StatusFound)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("done"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestEnginesFollowRedirects(t *testing.T) {
	srv := newRedirectServer(t)

	for _, eng := range protocolEngines() {
		t.Run(eng.Name(), func(t *testing.T) {
			task := &types.TaskEnvelope{
				ID:      "t-redir",
				Backend: eng.Name(),
				Method:  http.MethodGet,
				URL:     srv.URL + "/start",
			}

			result, err := eng.Execute(context.Background(), &adapter.Request{
				Task:    task,
				Timeout: 5 * time.Second,
			})
			require.NoError(t, err)

			assert.Equal(t, http.StatusOK, result.StatusCode, "缺省应跟随重定向")
			assert.Equal(t, "done", string(result.Body))
			assert.True(t, strings.HasSuffix(result.EffectiveURL, "/final"),
				"最终 URL 应指向跳转后的地址, got %s", result.EffectiveURL)
		})
	}
}

func TestEnginesStopOnRedirect(t *testing.T) {
	srv := newRedirectServer(t)

	for _, eng := range protocolEngines() {
		t.Run(eng.Name(), func(t *testing.T) {
			task := &types.TaskEnvelope{
				ID:              "t-noredir",
				Backend:         eng.Name(),
				Method:          http.MethodGet,
				URL:             srv.URL + "/start",
				FollowRedirects: boolPtr(false),
			}

			result, err := eng.Execute(context.Background(), &adapter.Request{
				Task:    task,
				Timeout: 5 * time.Second,
			})
			require.NoError(t, err, "不跟随时 3xx 是正常结果而非错误")

			assert.Equal(t, http.StatusFound, result.StatusCode)
			assert.Equal(t, "/final", result.Headers["Location"], "Location 头应保留")
		})
	}
}

func TestEnginesTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	for _, eng := range protocolEngines() {
		t.Run(eng.Name(), func(t *testing.T) {
			task := &types.TaskEnvelope{
				ID:      "t-timeout",
				Backend: eng.Name(),
				Method:  http.MethodGet,
				URL:     srv.URL,
			}

			start := time.Now()
			_, err := eng.Execute(context.Background(), &adapter.Request{
				Task:    task,
				Timeout: 80 * time.Millisecond,
			})
			require.Error(t, err)
			assert.Less(t, time.Since(start), time.Second, "应在截止附近返回")

			typed, ok := types.AsError(err)
			require.True(t, ok)
			assert.Equal(t, types.ErrTransport, typed.Code, "超时归为传输错误")
			assert.True(t, typed.Retryable)
		})
	}
}

func TestEnginesConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	target := srv.URL
	srv.Close()

	for _, eng := range protocolEngines() {
		t.Run(eng.Name(), func(t *testing.T) {
			task := &types.TaskEnvelope{
				ID:      "t-refused",
				Backend: eng.Name(),
				Method:  http.MethodGet,
				URL:     target,
			}

			_, err := eng.Execute(context.Background(), &adapter.Request{
				Task:    task,
				Timeout: 2 * time.Second,
			})
			require.Error(t, err)

			typed, ok := types.AsError(err)
			require.True(t, ok)
			assert.Equal(t, types.ErrTransport, typed.Code)
			assert.True(t, typed.Retryable, "拒连可重试")
		})
	}
}

func TestEnginesCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	for _, eng := range protocolEngines() {
		t.Run(eng.Name(), func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				time.Sleep(50 * time.Millisecond)
				cancel()
			}()

			task := &types.TaskEnvelope{
				ID:      "t-cancel",
				Backend: eng.Name(),
				Method:  http.MethodGet,
				URL:     srv.URL,
			}

			start := time.Now()
			_, err := eng.Execute(ctx, &adapter.Request{Task: task, Timeout: 30 * time.Second})
			require.Error(t, err)
			assert.Less(t, time.Since(start), 2*time.Second, "取消应立即中止在途请求")

			typed, ok := types.AsError(err)
			require.True(t, ok)
			assert.Equal(t, types.ErrTransport, typed.Code)
		})
	}
}

func TestEnginesSkipTLSVerify(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("secure"))
	}))
	t.Cleanup(srv.Close)

	for _, eng := range protocolEngines() {
		t.Run(eng.Name()+"/跳过校验", func(t *testing.T) {
			task := &types.TaskEnvelope{
				ID:        "t-tls-skip",
				Backend:   eng.Name(),
				Method:    http.MethodGet,
				URL:       srv.URL,
				VerifyTLS: boolPtr(false),
			}

			result, err := eng.Execute(context.Background(), &adapter.Request{
				Task:    task,
				Timeout: 5 * time.Second,
			})
			require.NoError(t, err, "跳过校验后自签名证书应可访问")
			assert.Equal(t, "secure", string(result.Body))
		})

		t.Run(eng.Name()+"/默认严格校验", func(t *testing.T) {
			task := &types.TaskEnvelope{
				ID:      "t-tls-strict",
				Backend: eng.Name(),
				Method:  http.MethodGet,
				URL:     srv.URL,
			}

			_, err := eng.Execute(context.Background(), &adapter.Request{
				Task:    task,
				Timeout: 5 * time.Second,
			})
			require.Error(t, err, "自签名证书默认应被拒绝")

			typed, ok := types.AsError(err)
			require.True(t, ok)
			assert.Equal(t, types.ErrTransport, typed.Code)
		})
	}
}

func TestEnginesRejectSOCKS4(t *testing.T) {
	socks4 := &proxy.Proxy{Scheme: proxy.SchemeSOCKS4, Host: "127.0.0.1", Port: 1080}

	engines := append(protocolEngines(), NewImpersonate(nil))
	for _, eng := range engines {
		t.Run(eng.Name(), func(t *testing.T) {
			task := &types.TaskEnvelope{
				ID:      "t-socks4",
				Backend: eng.Name(),
				Method:  http.MethodGet,
				URL:     "https://example.com",
			}

			_, err := eng.Execute(context.Background(), &adapter.Request{
				Task:    task,
				Proxy:   socks4,
				Timeout: time.Second,
			})
			require.Error(t, err)

			typed, ok := types.AsError(err)
			require.True(t, ok)
			assert.Equal(t, types.ErrConfiguration, typed.Code, "socks4 超出引擎能力, 属配置错误")
			assert.False(t, typed.Retryable)
		})
	}
}
