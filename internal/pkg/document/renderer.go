package document

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/template/html/v2"
	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/InvoiceFox/app/models"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/config"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/fiscal"
)

//go:embed templates/*.html
var templateFS embed.FS

const invoiceTemplate = "invoice"

// Issuer is the company printed on every invoice.
type Issuer struct {
	Name    string
	CUIT    string
	Address string
}

// Renderer writes invoice documents to a local directory.
type Renderer struct {
	engine    *html.Engine
	outputDir string
	issuer    Issuer
	vatRate   decimal.Decimal
	loc       *time.Location
}

type invoiceView struct {
	Letter            string
	Receiver          string
	Number            string
	Date              string
	PaymentMethod     string
	Customer          string
	Provider          string
	ProviderPaymentID string
	Net               string
	VAT               string
	VATRate           string
	Total             string
	CAE               string
	CAEExpiry         string
	IssuerName        string
	IssuerCUIT        string
	IssuerAddress     string
}

func NewRenderer(outputDir string, issuer Issuer, vatRate decimal.Decimal, loc *time.Location) (*Renderer, error) {
	sub, err := fs.Sub(templateFS, "templates")
	if err != nil {
		return nil, err
	}
	engine := html.NewFileSystem(http.FS(sub), ".html")
	if err := engine.Load(); err != nil {
		return nil, fmt.Errorf("load invoice templates: %w", err)
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Renderer{
		engine:    engine,
		outputDir: outputDir,
		issuer:    issuer,
		vatRate:   vatRate,
		loc:       loc,
	}, nil
}

func NewRendererFromConfig(cfg *config.Config) (*Renderer, error) {
	_, _, loc, err := cfg.ReconcileClock()
	if err != nil {
		return nil, err
	}
	issuer := Issuer{Name: cfg.IssuerName, CUIT: cfg.AFIPCUIT, Address: cfg.IssuerAddress}
	return NewRenderer(cfg.InvoiceOutputDir, issuer, decimal.NewFromFloat(cfg.AFIPVATRate), loc)
}

// FileName is the document name of an authorized payment: CUIT_TTT_PPPPP_NNNNNNNN.html
func (r *Renderer) FileName(p *models.Payment) string {
	return fmt.Sprintf("%s_%03d_%05d_%08d.html", r.issuer.CUIT, p.CbteTipo, p.PtoVta, p.CbteNro)
}

// Render writes the invoice of p and returns its path. Rendering twice overwrites the same file.
func (r *Renderer) Render(ctx context.Context, p *models.Payment) (string, error) {
	if !p.HasCAE() {
		return "", errors.New("payment has no CAE")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := r.engine.Render(&buf, invoiceTemplate, r.view(p)); err != nil {
		return "", fmt.Errorf("render invoice %s: %w", p.InvoiceNumber(), err)
	}

	if err := os.MkdirAll(r.outputDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(r.outputDir, r.FileName(p))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}

	log.Debugf("[Document] Rendered %s for payment %d", path, p.ID)
	return path, nil
}

func (r *Renderer) view(p *models.Payment) invoiceView {
	net, vat := fiscal.SplitVAT(p.Amount, r.vatRate)
	customer := strings.TrimSpace(p.Customer)
	if customer == "" {
		customer = models.DefaultCustomerName
	}
	date := ""
	if p.DateApproved != nil {
		date = p.DateApproved.In(r.loc).Format("02/01/2006 15:04")
	}
	return invoiceView{
		Letter:            invoiceLetter(p.CbteTipo),
		Receiver:          models.DefaultCustomerName,
		Number:            p.InvoiceNumber(),
		Date:              date,
		PaymentMethod:     p.PaymentMethodID,
		Customer:          customer,
		Provider:          p.Provider,
		ProviderPaymentID: p.ProviderPaymentID,
		Net:               net.StringFixed(2),
		VAT:               vat.StringFixed(2),
		VATRate:           r.vatRate.String(),
		Total:             p.Amount.StringFixed(2),
		CAE:               p.CAE,
		CAEExpiry:         displayDate(p.CAEVto),
		IssuerName:        r.issuer.Name,
		IssuerCUIT:        r.issuer.CUIT,
		IssuerAddress:     r.issuer.Address,
	}
}

func invoiceLetter(docType int) string {
	switch docType {
	case 1:
		return "A"
	case 6:
		return "B"
	case 11:
		return "C"
	default:
		return fmt.Sprintf("%03d", docType)
	}
}

// displayDate turns 2006-01-02 into 02/01/2006 and leaves other values alone.
func displayDate(s string) string {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return s
	}
	return t.Format("02/01/2006")
}
