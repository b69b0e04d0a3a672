package fiscal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/InvoiceFox/internal/pkg/config"
)

var (
	// ErrRejected marks a domain rejection by the tax authority. Retrying the same request will not help.
	ErrRejected = errors.New("fiscal authority rejected the invoice")
	// ErrUnreadableAuthorization marks a successful gateway response whose authorization
	// could not be read. The number may already be used at the authority, so it must not be retried.
	ErrUnreadableAuthorization = errors.New("fiscal authorization response is unreadable")

	errUndecodable = errors.New("undecodable gateway response")
)

// Authority is the narrow view of the tax authority the pipeline needs.
type Authority interface {
	LastAuthorizedNumber(ctx context.Context, salesPoint, docType int) (int64, bool, error)
	Authorize(ctx context.Context, req AuthorizationRequest) (*Authorization, error)
}

// AuthorizationRequest describes one invoice to authorize.
type AuthorizationRequest struct {
	SalesPoint    int             `json:"pto_vta"`
	DocType       int             `json:"cbte_tipo"`
	Number        int64           `json:"cbte_nro"`
	Concept       int             `json:"concepto"`
	Date          string          `json:"cbte_fch"`
	ReceiverType  int             `json:"doc_tipo"`
	ReceiverDoc   string          `json:"doc_nro"`
	ReceiverVATID int             `json:"condicion_iva_receptor_id"`
	Total         decimal.Decimal `json:"imp_total"`
	Net           decimal.Decimal `json:"imp_neto"`
	VAT           decimal.Decimal `json:"imp_iva"`
	VATRateID     int             `json:"alic_iva_id"`
	Currency      string          `json:"mon_id"`
}

// Authorization is a granted CAE. CAEExpiry is formatted 2006-01-02.
type Authorization struct {
	Number    int64
	CAE       string
	CAEExpiry string
}

const (
	conceptProducts       = 1
	receiverFinalConsumer = 99
	receiverDNI           = 96
	receiverCUIT          = 80
	receiverCUIL          = 86
	vatConditionFinal     = 5
	vatRateID21           = 5
	vatRateID105          = 4
	vatRateID27           = 6
	vatRateID0            = 3
)

// NewAuthorizationRequest builds the request for a payment using the given number.
func NewAuthorizationRequest(salesPoint, docType int, number int64, total decimal.Decimal, vatRate decimal.Decimal, docKind, docNumber string, date time.Time) AuthorizationRequest {
	net, vat := SplitVAT(total, vatRate)
	receiverType, receiverDoc := receiverDocument(docKind, docNumber)
	return AuthorizationRequest{
		SalesPoint:    salesPoint,
		DocType:       docType,
		Number:        number,
		Concept:       conceptProducts,
		Date:          date.Format("20060102"),
		ReceiverType:  receiverType,
		ReceiverDoc:   receiverDoc,
		ReceiverVATID: vatConditionFinal,
		Total:         total.Round(2),
		Net:           net,
		VAT:           vat,
		VATRateID:     vatRateID(vatRate),
		Currency:      "PES",
	}
}

// SplitVAT splits a VAT-inclusive total into net and VAT amounts rounded to cents.
func SplitVAT(total, ratePercent decimal.Decimal) (net, vat decimal.Decimal) {
	total = total.Round(2)
	divisor := decimal.NewFromInt(1).Add(ratePercent.Div(decimal.NewFromInt(100)))
	net = total.Div(divisor).Round(2)
	vat = total.Sub(net)
	return net, vat
}

func vatRateID(rate decimal.Decimal) int {
	switch {
	case rate.Equal(decimal.NewFromFloat(10.5)):
		return vatRateID105
	case rate.Equal(decimal.NewFromInt(27)):
		return vatRateID27
	case rate.IsZero():
		return vatRateID0
	default:
		return vatRateID21
	}
}

func receiverDocument(kind, number string) (int, string) {
	number = strings.TrimSpace(number)
	if number == "" {
		return receiverFinalConsumer, "0"
	}
	switch strings.ToUpper(strings.TrimSpace(kind)) {
	case "DNI":
		return receiverDNI, number
	case "CUIT":
		return receiverCUIT, number
	case "CUIL":
		return receiverCUIL, number
	default:
		return receiverFinalConsumer, "0"
	}
}

// Client talks to the WSFE signing gateway over JSON. The gateway holds the
// certificate and the WSAA ticket; this process never signs anything itself.
type Client struct {
	BaseURL string
	Token   string
	CUIT    string

	HTTPClient *http.Client
}

func NewClientFromConfig(cfg *config.Config) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(cfg.AFIPGatewayURL), "/"),
		Token:   strings.TrimSpace(cfg.AFIPGatewayToken),
		CUIT:    strings.TrimSpace(cfg.AFIPCUIT),
		HTTPClient: &http.Client{
			Timeout: cfg.ExternalCallTimeout,
		},
	}
}

type gatewayError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type lastAuthorizedResponse struct {
	CbteNro *int64         `json:"cbte_nro"`
	Errors  []gatewayError `json:"errors"`
}

type authorizeResponse struct {
	Result       string         `json:"resultado"`
	CAE          string         `json:"cae"`
	CAEDue       string         `json:"cae_fch_vto"`
	CbteDesde    int64          `json:"cbte_desde"`
	Errors       []gatewayError `json:"errors"`
	Observations []gatewayError `json:"observaciones"`
}

// LastAuthorizedNumber returns the last number the authority accepted. found is false
// when nothing was ever authorized for the key.
func (c *Client) LastAuthorizedNumber(ctx context.Context, salesPoint, docType int) (int64, bool, error) {
	var out lastAuthorizedResponse
	err := c.post(ctx, "/wsfe/last-authorized", map[string]interface{}{
		"cuit":      c.CUIT,
		"pto_vta":   salesPoint,
		"cbte_tipo": docType,
	}, &out)
	if err != nil {
		return 0, false, err
	}
	if len(out.Errors) > 0 {
		return 0, false, fmt.Errorf("last authorized %05d/%d: %s", salesPoint, docType, joinErrors(out.Errors))
	}
	if out.CbteNro == nil || *out.CbteNro <= 0 {
		return 0, false, nil
	}
	return *out.CbteNro, true, nil
}

// Authorize requests a CAE. A result other than "A" is returned as ErrRejected
// carrying the authority's messages verbatim.
func (c *Client) Authorize(ctx context.Context, req AuthorizationRequest) (*Authorization, error) {
	payload := struct {
		CUIT string `json:"cuit"`
		AuthorizationRequest
	}{CUIT: c.CUIT, AuthorizationRequest: req}

	var out authorizeResponse
	if err := c.post(ctx, "/wsfe/cae", payload, &out); err != nil {
		if errors.Is(err, errUndecodable) {
			return nil, fmt.Errorf("%w: %v", ErrUnreadableAuthorization, err)
		}
		return nil, err
	}

	if !strings.EqualFold(out.Result, "A") {
		msgs := append(append([]gatewayError{}, out.Errors...), out.Observations...)
		return nil, fmt.Errorf("%w: %s", ErrRejected, joinErrors(msgs))
	}
	if strings.TrimSpace(out.CAE) == "" {
		return nil, fmt.Errorf("%w: approved without a CAE", ErrUnreadableAuthorization)
	}
	expiry, err := time.Parse("20060102", out.CAEDue)
	if err != nil {
		return nil, fmt.Errorf("%w: CAE %s with invalid cae_fch_vto %q: %v", ErrUnreadableAuthorization, out.CAE, out.CAEDue, err)
	}

	number := out.CbteDesde
	if number == 0 {
		number = req.Number
	}
	return &Authorization{
		Number:    number,
		CAE:       out.CAE,
		CAEExpiry: expiry.Format("2006-01-02"),
	}, nil
}

func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	if c.BaseURL == "" {
		return errors.New("AFIP_GATEWAY_URL is not configured")
	}
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode == http.StatusUnprocessableEntity {
		var rejected authorizeResponse
		_ = json.Unmarshal(raw, &rejected)
		if len(rejected.Errors) > 0 {
			return fmt.Errorf("%w: %s", ErrRejected, joinErrors(rejected.Errors))
		}
		return fmt.Errorf("%w: %s", ErrRejected, strings.TrimSpace(string(raw)))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("fiscal gateway %s failed: status=%d body=%s", path, resp.StatusCode, string(raw))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w from %s: %v body=%s", errUndecodable, path, err, string(raw))
	}
	return nil
}

func joinErrors(errs []gatewayError) string {
	if len(errs) == 0 {
		return "no reason given"
	}
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, fmt.Sprintf("%d: %s", e.Code, e.Msg))
	}
	return strings.Join(parts, "; ")
}
