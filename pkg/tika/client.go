// Package tika 把文档交给 Apache Tika server 转换为带分页结构的 XHTML。
package tika

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"knowledge-ingest-go/internal/config"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxErrorBody 限制错误信息中保留的响应体长度。
const maxErrorBody = 512

// Client 调用 Tika server 的 /tika 与 /version 接口。
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient 创建 Tika 客户端，请求经过 otelhttp 传播链路信息。
func NewClient(cfg config.TikaConfig) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.ServerURL, "/"),
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// ExtractHTML 返回文档的 XHTML，分页文档的每一页位于 <div class="page"> 中。
// contentType 为空时根据文件后缀推断，文件名同时作为 Tika 的类型探测提示。
func (c *Client) ExtractHTML(ctx context.Context, r io.Reader, fileName, contentType string) (string, error) {
	if contentType == "" {
		contentType = mimeFromName(fileName)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/tika", r)
	if err != nil {
		return "", fmt.Errorf("tika: build request: %w", err)
	}
	req.Header.Set("Accept", "text/html")
	req.Header.Set("Content-Type", contentType)
	if fileName != "" {
		req.Header.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": fileName}))
	}

	body, err := c.do(req)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// Version 返回 Tika server 的版本串，用于启动时探活。
func (c *Client) Version(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/version", nil)
	if err != nil {
		return "", fmt.Errorf("tika: build request: %w", err)
	}
	body, err := c.do(req)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tika: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tika: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, fmt.Errorf("tika: %s %s returned %d: %s", req.Method, req.URL.Path, resp.StatusCode, body)
	}
	return body, nil
}

func mimeFromName(fileName string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(fileName))); t != "" {
		return t
	}
	return "application/octet-stream"
}
