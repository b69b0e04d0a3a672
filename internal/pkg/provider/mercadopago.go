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
	defaultMercadoPagoAPIURL = "https://api.mercadopago.com/v1"

	mercadoPagoPageSize       = 200
	mercadoPagoWindowPageSize = 500
	mercadoPagoMaxWindowPages = 40
	mercadoPagoDateLayout     = "2006-01-02T15:04:05.000Z07:00"
)

// MercadoPagoClient reads approved payments of one point of sale.
type MercadoPagoClient struct {
	AccessToken   string
	APIBaseURL    string
	POSID         string
	WebhookSecret string

	HTTPClient *http.Client
}

func NewMercadoPagoClientFromConfig(cfg *config.Config) *MercadoPagoClient {
	base := strings.TrimSpace(cfg.MPAPIURL)
	if base == "" {
		base = defaultMercadoPagoAPIURL
	}
	return &MercadoPagoClient{
		AccessToken:   strings.TrimSpace(cfg.MPAccessToken),
		APIBaseURL:    strings.TrimRight(base, "/"),
		POSID:         strings.TrimSpace(cfg.MPPOSID),
		WebhookSecret: strings.TrimSpace(cfg.MPWebhookSecret),
		HTTPClient: &http.Client{
			Timeout: cfg.ExternalCallTimeout,
		},
	}
}

func (c *MercadoPagoClient) Name() string {
	return models.ProviderMercadoPago
}

type mercadoPagoPayment struct {
	ID                json.Number     `json:"id"`
	Status            string          `json:"status"`
	TransactionAmount json.Number     `json:"transaction_amount"`
	CurrencyID        string          `json:"currency_id"`
	DateApproved      *string         `json:"date_approved"`
	PaymentMethodID   string          `json:"payment_method_id"`
	OperationType     string          `json:"operation_type"`
	POSID             json.RawMessage `json:"pos_id"`
	PaymentMethod     struct {
		ID string `json:"id"`
	} `json:"payment_method"`
	Payer struct {
		Email          string `json:"email"`
		Identification struct {
			Type   string `json:"type"`
			Number string `json:"number"`
		} `json:"identification"`
	} `json:"payer"`
}

type mercadoPagoSearchResponse struct {
	Results []mercadoPagoPayment `json:"results"`
	Paging  struct {
		Total  int `json:"total"`
		Limit  int `json:"limit"`
		Offset int `json:"offset"`
	} `json:"paging"`
}

// SearchApproved returns one page of approved payments, newest first. A zero since searches everything.
func (c *MercadoPagoClient) SearchApproved(ctx context.Context, since time.Time, page int) (*models.PaymentPage, error) {
	q := url.Values{}
	q.Set("status", "approved")
	q.Set("sort", "date_approved")
	q.Set("criteria", "desc")
	q.Set("limit", strconv.Itoa(mercadoPagoPageSize))
	q.Set("offset", strconv.Itoa(page*mercadoPagoPageSize))
	if !since.IsZero() {
		q.Set("range", "date_approved")
		q.Set("begin_date", since.UTC().Format(mercadoPagoDateLayout))
		q.Set("end_date", "NOW")
	}

	res, err := c.search(ctx, q)
	if err != nil {
		return nil, err
	}
	out := &models.PaymentPage{HasMore: len(res.Results) == mercadoPagoPageSize}
	for _, raw := range res.Results {
		pp, err := c.normalize(raw)
		if err != nil {
			log.Warnf("[Provider] MercadoPago: skipping malformed payment %s: %v", raw.ID, err)
			continue
		}
		if pp.Excluded != "" {
			continue
		}
		out.Payments = append(out.Payments, *pp)
	}
	return out, nil
}

// SearchWithinWindow returns every approved payment of the point of sale approved in [start, end].
func (c *MercadoPagoClient) SearchWithinWindow(ctx context.Context, start, end time.Time) ([]models.ProviderPayment, error) {
	seen := make(map[string]bool)
	var all []models.ProviderPayment

	for page := 0; page < mercadoPagoMaxWindowPages; page++ {
		q := url.Values{}
		q.Set("status", "approved")
		q.Set("range", "date_approved")
		q.Set("begin_date", start.UTC().Format(mercadoPagoDateLayout))
		q.Set("end_date", end.UTC().Format(mercadoPagoDateLayout))
		q.Set("limit", strconv.Itoa(mercadoPagoWindowPageSize))
		q.Set("offset", strconv.Itoa(page*mercadoPagoWindowPageSize))

		res, err := c.search(ctx, q)
		if err != nil {
			return nil, err
		}
		for _, raw := range res.Results {
			pp, err := c.normalize(raw)
			if err != nil {
				log.Warnf("[Provider] MercadoPago: skipping malformed payment %s: %v", raw.ID, err)
				continue
			}
			if pp.Excluded != "" || seen[pp.ID] {
				continue
			}
			seen[pp.ID] = true
			all = append(all, *pp)
		}
		if len(res.Results) < mercadoPagoWindowPageSize {
			break
		}
	}
	return all, nil
}

// GetByID fetches one payment. It returns nil without error when MercadoPago does not know the id.
func (c *MercadoPagoClient) GetByID(ctx context.Context, id string) (*models.ProviderPayment, error) {
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
		return nil, fmt.Errorf("mercadopago payment request failed: status=%d body=%s", status, string(body))
	}

	var raw mercadoPagoPayment
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	return c.normalize(raw)
}

// ParseNotification extracts the payment id of a webhook delivery. It accepts the JSON
// body ({"type":"payment","data":{"id":...}}) and the legacy query form (?topic=payment&id=...).
func (c *MercadoPagoClient) ParseNotification(body []byte, query url.Values) (string, bool, error) {
	if len(strings.TrimSpace(string(body))) > 0 {
		var n struct {
			Type   string `json:"type"`
			Action string `json:"action"`
			Data   struct {
				ID json.Number `json:"id"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &n); err != nil {
			return "", false, fmt.Errorf("invalid mercadopago notification: %w", err)
		}
		if n.Type != "" {
			if n.Type != "payment" || n.Data.ID.String() == "" {
				return "", false, nil
			}
			return n.Data.ID.String(), true, nil
		}
	}

	topic := query.Get("topic")
	if topic == "" {
		topic = query.Get("type")
	}
	id := query.Get("id")
	if id == "" {
		id = query.Get("data.id")
	}
	if topic == "payment" && id != "" {
		return id, true, nil
	}
	return "", false, nil
}

// VerifyNotification checks the x-signature header. It reports true when no secret is configured.
func (c *MercadoPagoClient) VerifyNotification(signature, requestID, resourceID string) bool {
	if c.WebhookSecret == "" {
		return true
	}
	return VerifyMercadoPagoSignature(signature, requestID, resourceID, c.WebhookSecret)
}

// SignatureConfigured reports whether deliveries are expected to be signed.
func (c *MercadoPagoClient) SignatureConfigured() bool {
	return c.WebhookSecret != ""
}

func (c *MercadoPagoClient) search(ctx context.Context, q url.Values) (*mercadoPagoSearchResponse, error) {
	body, status, err := c.get(ctx, "/payments/search", q)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("mercadopago search failed: status=%d offset=%s body=%s", status, q.Get("offset"), string(body))
	}
	var out mercadoPagoSearchResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *MercadoPagoClient) get(ctx context.Context, path string, q url.Values) ([]byte, int, error) {
	if c.AccessToken == "" {
		return nil, 0, errors.New("MP_ACCESS_TOKEN is not configured")
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
	req.Header.Set("Authorization", "Bearer "+c.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	return body, resp.StatusCode, nil
}

func (c *MercadoPagoClient) normalize(raw mercadoPagoPayment) (*models.ProviderPayment, error) {
	pp := &models.ProviderPayment{
		ID:            raw.ID.String(),
		Provider:      models.ProviderMercadoPago,
		Status:        raw.Status,
		Currency:      raw.CurrencyID,
		PaymentMethod: raw.PaymentMethodID,
		Customer:      raw.Payer.Email,
		DocType:       raw.Payer.Identification.Type,
		DocNumber:     raw.Payer.Identification.Number,
	}
	if pp.PaymentMethod == "" {
		pp.PaymentMethod = raw.PaymentMethod.ID
	}
	if raw.TransactionAmount != "" {
		amount, err := decimal.NewFromString(raw.TransactionAmount.String())
		if err != nil {
			return nil, fmt.Errorf("payment %s: invalid transaction_amount: %w", pp.ID, err)
		}
		pp.Amount = amount
	}
	if raw.DateApproved != nil && *raw.DateApproved != "" {
		t, err := time.Parse(time.RFC3339, *raw.DateApproved)
		if err != nil {
			return nil, fmt.Errorf("payment %s: invalid date_approved: %w", pp.ID, err)
		}
		t = t.UTC()
		pp.ApprovedAt = &t
	}

	switch {
	case raw.OperationType == "money_transfer":
		pp.Excluded = "money transfer"
	case c.POSID != "" && rawString(raw.POSID) != c.POSID:
		pp.Excluded = fmt.Sprintf("point of sale %q is not %q", rawString(raw.POSID), c.POSID)
	}
	return pp, nil
}

// rawString renders a JSON scalar that may arrive quoted, unquoted or null.
func rawString(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	if unq, err := strconv.Unquote(s); err == nil {
		return unq
	}
	return s
}
