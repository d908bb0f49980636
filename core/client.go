package core

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"llm-relay/models"
)

// HTTPClientFactory 出站连接层：按代理设置构建 Client，claude.ai 会话额外带上浏览器指纹
type HTTPClientFactory struct {
	mu          sync.RWMutex
	proxy       string
	fingerprint string
	api         *http.Client
	browser     *http.Client
}

// NewHTTPClientFactory 创建出站 Client 工厂，proxy 为空时使用环境变量代理
func NewHTTPClientFactory(proxy, fingerprint string) (*HTTPClientFactory, error) {
	f := &HTTPClientFactory{}
	if err := f.Update(proxy, fingerprint); err != nil {
		return nil, err
	}
	return f, nil
}

// Update 代理或指纹变化时重建 Client；未变化时保持连接池
func (f *HTTPClientFactory) Update(proxy, fingerprint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.api != nil && proxy == f.proxy && fingerprint == f.fingerprint {
		return nil
	}

	transport, err := newTransport(proxy)
	if err != nil {
		return err
	}
	if f.api != nil {
		f.api.CloseIdleConnections()
		f.browser.CloseIdleConnections()
	}
	f.proxy = proxy
	f.fingerprint = fingerprint
	// 禁用全局超时，由 Request Context 控制
	f.api = &http.Client{Timeout: 0, Transport: transport}
	f.browser = &http.Client{Timeout: 0, Transport: &fingerprintTransport{base: transport, userAgent: fingerprint}}
	return nil
}

// ClientFor 返回凭证使用的 Client
func (f *HTTPClientFactory) ClientFor(cred *models.Credential) *http.Client {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if cred != nil && cred.Kind == models.KindClaudeWeb {
		return f.browser
	}
	return f.api
}

func newTransport(proxy string) (*http.Transport, error) {
	proxyFunc := http.ProxyFromEnvironment
	if proxy != "" {
		u, err := url.Parse(proxy)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid proxy url %q", proxy)
		}
		proxyFunc = http.ProxyURL(u)
	}
	return &http.Transport{
		Proxy: proxyFunc,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 60 * time.Second, // 保持 TCP 连接活跃
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          1000,             // 最大空闲连接数
		MaxIdleConnsPerHost:   100,              // 每个 Host 的最大空闲连接数
		IdleConnTimeout:       90 * time.Second, // 空闲连接超时
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 120 * time.Second, // 等待首字节超时
	}, nil
}

// defaultBrowserUA 未配置指纹时 claude.ai 请求使用的 User-Agent
const defaultBrowserUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// fingerprintTransport 为网页端请求补齐浏览器 User-Agent
type fingerprintTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *fingerprintTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		ua := t.userAgent
		if ua == "" {
			ua = defaultBrowserUA
		}
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", ua)
	}
	return t.base.RoundTrip(req)
}
