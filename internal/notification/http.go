package notification

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/smartdevs17/deal-alerts/pkg/utils"
)

const maxResponseBody = 4096

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 5,
			IdleConnTimeout:     30 * time.Second,
		},
	}
}

// doRequest sends req and returns the status code and a bounded prefix of
// the body. Transport errors come back as transient failures.
func doRequest(ctx context.Context, client *http.Client, req *http.Request) (int, []byte, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "deal-alerts/1.0")
	}
	req.Header.Set("X-Request-ID", utils.GenerateID())

	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return 0, nil, Transient(utils.WrapError(utils.ErrCodeExternal, "Request failed", err))
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	return resp.StatusCode, body, nil
}

// classifyStatus maps an HTTP status to a delivery outcome: 2xx succeeds,
// 408, 429 and 5xx are transient, every other status is permanent.
func classifyStatus(provider string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	err := utils.NewAppError(utils.ErrCodeExternal,
		fmt.Sprintf("%s returned non-success status", provider),
		fmt.Sprintf("status: %d, body: %s", status, truncate(string(body), 256)))
	if status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500 {
		return Transient(err)
	}
	return Permanent(err)
}
