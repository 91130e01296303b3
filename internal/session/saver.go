package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	pkgerr "github.com/waldiez/studio/pkg/errors"
)

// Saver 运行前持久化流程内容。
type Saver interface {
	SaveFlow(ctx context.Context, path, contents string) error
}

// SaverFunc 函数适配器。
type SaverFunc func(ctx context.Context, path, contents string) error

func (f SaverFunc) SaveFlow(ctx context.Context, path, contents string) error {
	return f(ctx, path, contents)
}

// HTTPSaver 通过服务端 POST /api/flow?path= 保存。
type HTTPSaver struct {
	Origin string
	Client *http.Client
}

// SaveFlow 实现 Saver。非 2xx 响应的 detail 作为错误信息返回。
func (s HTTPSaver) SaveFlow(ctx context.Context, path, contents string) error {
	const op = "Session.SaveFlow"
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	body, err := json.Marshal(map[string]string{"contents": contents})
	if err != nil {
		return pkgerr.Wrap(err, op, "encode body")
	}
	endpoint := strings.TrimRight(s.Origin, "/") + "/api/flow?path=" + url.QueryEscape(strings.TrimLeft(path, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return pkgerr.Wrap(err, op, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return pkgerr.Wrap(err, op, "request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 == 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	var detail struct {
		Detail string `json:"detail"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(raw, &detail) != nil || detail.Detail == "" {
		detail.Detail = strings.TrimSpace(string(raw))
	}
	return pkgerr.New(op, fmt.Sprintf("save failed (%d): %s", resp.StatusCode, detail.Detail))
}
