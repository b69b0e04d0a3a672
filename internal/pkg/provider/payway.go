package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/InvoiceFox/app/models"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/config"
)

const (
	defaultPaywayAPIURL = "https://live.decidir.com/api/v2"

	paywayPageSize       = 50
	paywayMaxWindowPages = 200
)

// PaywayClient reads approved transactions from the Payway (Decidir) API.
type PaywayClient struct {
	PrivateKey string
	APIBaseURL string

	HTTPClient *http.Client
}

func NewPaywayClientFromConfig(cfg *config.Config) *PaywayClient {
	base := strings.TrimSpace(cfg.PaywayAPIURL)
	if base == "" {
		base = defaultPaywayAPIURL
	}
	return &PaywayClient{
		PrivateKey: strings.TrimSpace(cfg.PaywayPrivateKey),
		APIBaseURL: strings.TrimRight(base, "/"),
		HTTPClient: &http.Client{
			Timeout: cfg.ExternalCallTimeout,
		},
	}
}

func (c *PaywayClient) Name() string {
	return models.ProviderPayway
}

type paywayTransaction struct {
	ID                json.Number `json:"id"`
	Status            string      `json:"status"`
	Amount            json.Number `json:"amount"`
	Currency          string      `json:"currency"`
	Date              string      `json:"date"`
	CardBrand         string      `json:"card_brand"`
	Customer          string      `json:"customer"`
	CustomerDocType   string      `json:"customer_doc_type"`
	CustomerDocNumber string      `json:"customer_doc_number"`
}

type paywayListResponse struct {
	Results []paywayTransaction `json:"results"`
	HasMore bool                `json:"hasMore"`
}

// SearchApproved returns one page of approved transactions created since the given time.
func (c *PaywayClient) SearchApproved(ctx context.Context, since time.Time, page int) (*models.PaymentPage, error) {
	res, err := c.list(ctx, since, page)
	if err != nil {
		return nil, err
	}
	out := &models.PaymentPage{HasMore: len(res.Results) == paywayPageSize}
	for _, raw := range res.Results {
		pp, err := normalizePayway(raw)
		if err != nil {
			log.Warnf("[Provider] Payway: skipping malformed payment %s: %v", raw.ID, err)
			continue
		}
		if !pp.IsApproved() {
			continue
		}
		out.Payments = append(out.Payments, *pp)
	}
	return out, nil
}

// SearchWithinWindow returns approved transactions whose date falls in [start, end].
func (c *PaywayClient) SearchWithinWindow(ctx context.Context, start, end time.Time) ([]models.ProviderPayment, error) {
	seen := make(map[string]bool)
	var all []models.ProviderPayment

	for page := 0; page < paywayMaxWindowPages; page++ {
		res, err := c.list(ctx, start, page)
		if err != nil {
			return nil, err
		}
		for _, raw := range res.Results {
			pp, err := normalizePayway(raw)
			if err != nil {
				log.Warnf("[Provider] Payway: skipping malformed payment %s: %v", raw.ID, err)
				continue
			}
			if !pp.IsApproved() || pp.ApprovedAt == nil || seen[pp.ID] {
				continue
			}
			if pp.ApprovedAt.Before(start) || pp.ApprovedAt.After(end) {
				continue
			}
			seen[pp.ID] = true
			all = append(all, *pp)
		}
		if len(res.Results) < paywayPageSize {
			break
		}
	}
	return all, nil
}

// GetByID fetches one transaction. It returns nil without error for unknown ids.
func (c *PaywayClient) GetByID(ctx context.Context, id string) (*models.ProviderPayment, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("payment id is required")
	}
	body, status, err := c.get(ctx, "/payments/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("payway payment request failed: status=%d body=%s", status, string(body))
	}
	var raw paywayTransaction
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	return normalizePayway(raw)
}

func (c *PaywayClient) list(ctx context.Context, since time.Time, page int) (*paywayListResponse, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("fromDate", since.UTC().Format("2006-01-02"))
	}
	q.Set("pageSize", strconv.Itoa(paywayPageSize))
	q.Set("offset", strconv.Itoa(page*paywayPageSize))

	body, status, err := c.get(ctx, "/payments", q)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("payway list failed: status=%d offset=%s body=%s", status, q.Get("offset"), string(body))
	}
	var out paywayListResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *PaywayClient) get(ctx context.Context, path string, q url.Values) ([]byte, int, error) {
	if c.PrivateKey == "" {
		return nil, 0, errors.New("PAYWAY_PRIVATE_KEY is not configured")
	}
	u, err := url.Parse(c.APIBaseURL + path)
	if err != nil {
		return nil, 0, err
	}
	if q != nil {
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("apikey", c.PrivateKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	return body, resp.StatusCode, nil
}

func normalizePayway(raw paywayTransaction) (*models.ProviderPayment, error) {
	pp := &models.ProviderPayment{
		ID:            raw.ID.String(),
		Provider:      models.ProviderPayway,
		Status:        raw.Status,
		Currency:      raw.Currency,
		PaymentMethod: raw.CardBrand,
		Customer:      raw.Customer,
		DocType:       raw.CustomerDocType,
		DocNumber:     raw.CustomerDocNumber,
	}
	if raw.Amount != "" {
		amount, err := decimal.NewFromString(raw.Amount.String())
		if err != nil {
			return nil, fmt.Errorf("payment %s: invalid amount: %w", pp.ID, err)
		}
		pp.Amount = amount
	}
	// unparseable dates leave ApprovedAt unset so the poller skips the record
	if raw.Date != "" {
		if t, err := time.Parse(time.RFC3339, raw.Date); err == nil {
			t = t.UTC()
			pp.ApprovedAt = &t
		}
	}
	return pp, nil
}
