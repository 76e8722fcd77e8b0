// Package settlement pays merchants once a customer confirms receipt.
// A confirmed receipt queues a durable settlement row; this package
// drains the queue with retry so a payout outage can neither lose a
// payment nor trigger it twice.
package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/panierlocal/surplus-reservations/internal/domain"
)

// PayoutClient is the external "pay merchant" call.
type PayoutClient interface {
	PayMerchant(ctx context.Context, reservationID, merchantID uuid.UUID, amount float64) error
}

type HTTPPayoutClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPPayoutClient(baseURL string) *HTTPPayoutClient {
	return &HTTPPayoutClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *HTTPPayoutClient) PayMerchant(ctx context.Context, reservationID, merchantID uuid.UUID, amount float64) error {
	body, err := json.Marshal(map[string]interface{}{
		"reservation_id": reservationID,
		"merchant_id":    merchantID,
		"amount":         amount,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/payouts", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(domain.ErrSettlementFailure, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return errors.Wrapf(domain.ErrSettlementFailure, "payout provider status %d", resp.StatusCode)
	}
	return nil
}
