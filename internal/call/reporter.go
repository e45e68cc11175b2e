package call

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	appErrors "consultlink-backend/pkg/errors"
)

// HTTPSessionReporter ends sessions through the clinician REST API
type HTTPSessionReporter struct {
	baseURL     string
	accessToken string
	client      *http.Client
}

// NewHTTPSessionReporter creates a reporter for the API at baseURL
// (e.g. https://api.example.com) authenticating with a clinician JWT
func NewHTTPSessionReporter(baseURL, accessToken string) *HTTPSessionReporter {
	return &HTTPSessionReporter{
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
		client:      &http.Client{Timeout: 15 * time.Second},
	}
}

// EndSession calls POST /v1/consultations/:id/end
func (r *HTTPSessionReporter) EndSession(ctx context.Context, sessionID uuid.UUID, notes string) error {
	body, err := json.Marshal(map[string]string{"notes": notes})
	if err != nil {
		return err
	}

	endpoint := r.baseURL + "/v1/consultations/" + url.PathEscape(sessionID.String()) + "/end"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.accessToken)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach consultation API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 300 {
		return nil
	}

	var env struct {
		Error *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil || env.Error == nil {
		return appErrors.NewWithStatus(appErrors.ErrCodeInternal, resp.Status, resp.StatusCode)
	}
	return appErrors.NewWithStatus(appErrors.ErrorCode(env.Error.Code), env.Error.Message, resp.StatusCode)
}
