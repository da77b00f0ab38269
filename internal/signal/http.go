package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/unionpay/riskgate/internal/models"
)

// HTTPProvider reads signals from the fraud service at
// GET {baseURL}/signals/{subjectID}. A 200 with no changed_at means no
// identity change is known; any other status is an error.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
}

func NewHTTPProvider(baseURL string, client *http.Client) *HTTPProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProvider{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (p *HTTPProvider) GetSignal(ctx context.Context, subjectID string) (models.RiskSignal, error) {
	endpoint := p.baseURL + "/signals/" + url.PathEscape(subjectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return models.RiskSignal{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return models.RiskSignal{}, fmt.Errorf("signal request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return models.RiskSignal{}, fmt.Errorf("signal service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var reply signalReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return models.RiskSignal{}, fmt.Errorf("decode signal: %w", err)
	}
	if reply.SubjectID == "" {
		reply.SubjectID = subjectID
	}
	return models.RiskSignal{SubjectID: reply.SubjectID, ChangedAt: reply.ChangedAt}, nil
}
