package notification

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"html"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"

	"github.com/bher20/wargabill/internal/billing"
	"github.com/bher20/wargabill/internal/storage"
)

var ErrNotConfigured = errors.New("email not configured or disabled")

// SendFunc delivers one message using cfg.
type SendFunc func(ctx context.Context, cfg *storage.EmailConfig, to, subject, body string) error

// Service sends payment receipts to residents by e-mail. It implements
// billing.Notifier.
type Service struct {
	storage storage.Storage
	logger  *zap.Logger
	send    SendFunc
	loc     *time.Location
}

var _ billing.Notifier = (*Service)(nil)

func NewService(s storage.Storage, logger *zap.Logger, loc *time.Location) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Service{storage: s, logger: logger.Named("notification"), send: deliver, loc: loc}
}

func (s *Service) GetConfig(ctx context.Context) (*storage.EmailConfig, error) {
	return s.storage.GetEmailConfig(ctx)
}

func (s *Service) SaveConfig(ctx context.Context, cfg storage.EmailConfig) error {
	switch cfg.Provider {
	case "smtp", "gmail":
		if cfg.Host == "" || cfg.Port == 0 {
			return errors.New("smtp requires host and port")
		}
	case "sendgrid":
		if cfg.APIKey == "" {
			return errors.New("sendgrid requires an api key")
		}
	default:
		return fmt.Errorf("unknown provider: %s", cfg.Provider)
	}
	if cfg.FromAddress == "" {
		return errors.New("from_address is required")
	}
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	return s.storage.SaveEmailConfig(ctx, cfg)
}

// TestConfig sends a test message with cfg without saving it.
func (s *Service) TestConfig(ctx context.Context, cfg storage.EmailConfig, to string) error {
	return s.send(ctx, &cfg, to, "Test Email", "<p>Ini adalah e-mail uji dari WargaBill.</p>")
}

// PaymentRecorded e-mails a receipt to the paying resident. Residents
// without an e-mail address and a disabled configuration are skipped
// silently.
func (s *Service) PaymentRecorded(ctx context.Context, r billing.Receipt) error {
	if r.Resident.Email == "" {
		return nil
	}
	cfg, err := s.storage.GetEmailConfig(ctx)
	if err != nil {
		return err
	}
	if cfg == nil || !cfg.Enabled {
		return nil
	}

	subject, body := s.renderReceipt(r)
	if err := s.send(ctx, cfg, r.Resident.Email, subject, body); err != nil {
		return fmt.Errorf("send receipt to %s: %w", r.Resident.HouseNo, err)
	}
	s.logger.Info("receipt sent",
		zap.String("resident_id", r.Resident.ID),
		zap.String("bill_id", r.Bill.ID),
	)
	return nil
}

func (s *Service) renderReceipt(r billing.Receipt) (string, string) {
	period := fmt.Sprintf("%02d/%d", r.Bill.PeriodMonth, r.Bill.PeriodYear)
	subject := "Bukti Pembayaran Iuran " + period
	if r.IsEdit {
		subject = "Koreksi Pembayaran Iuran " + period
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<p>Yth. %s (%s),</p>", html.EscapeString(r.Resident.Name), html.EscapeString(r.Resident.HouseNo))
	fmt.Fprintf(&b, "<p>Pembayaran tagihan periode %s telah kami terima.</p>", period)
	b.WriteString("<table>")
	row := func(label string, v int64) {
		fmt.Fprintf(&b, "<tr><td>%s</td><td>%s</td></tr>", label, FormatRupiah(v))
	}
	row("Total tagihan", r.Bill.Total)
	row("Dibayar", r.Bill.PaidAmount)
	row("Sisa tunggakan", r.ArrearsBalance)
	b.WriteString("</table>")
	if r.Bill.PaidAt != nil {
		fmt.Fprintf(&b, "<p>Tanggal bayar: %s</p>", r.Bill.PaidAt.In(s.loc).Format("02/01/2006 15:04"))
	}
	fmt.Fprintf(&b, "<p>Kategori: %s</p>", html.EscapeString(r.Category))
	return subject, b.String()
}

// FormatRupiah renders v as "Rp 1.234.567". Negative values are credit.
func FormatRupiah(v int64) string {
	neg := v < 0
	if neg {
		v = -v
	}
	digits := strconv.FormatInt(v, 10)
	var b strings.Builder
	for i, c := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(c)
	}
	if neg {
		return "-Rp " + b.String()
	}
	return "Rp " + b.String()
}

func deliver(ctx context.Context, cfg *storage.EmailConfig, to, subject, body string) error {
	if cfg == nil {
		return ErrNotConfigured
	}
	switch cfg.Provider {
	case "smtp", "gmail":
		return sendSMTP(cfg, to, subject, body)
	case "sendgrid":
		return sendSendgrid(ctx, cfg, to, subject, body)
	default:
		return fmt.Errorf("unknown provider: %s", cfg.Provider)
	}
}

func sendSMTP(cfg *storage.EmailConfig, to, subject, body string) error {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	from := cfg.FromAddress
	if cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", cfg.FromName, cfg.FromAddress)
	}
	msg := []byte(fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"MIME-Version: 1.0\r\n"+
		"Content-Type: text/html; charset=\"UTF-8\"\r\n"+
		"\r\n"+
		"%s\r\n", from, to, subject, body))

	var c *smtp.Client
	switch cfg.Encryption {
	case "ssl":
		conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: cfg.Host})
		if err != nil {
			return err
		}
		c, err = smtp.NewClient(conn, cfg.Host)
		if err != nil {
			conn.Close()
			return err
		}
	case "tls":
		var err error
		c, err = smtp.Dial(addr)
		if err != nil {
			return err
		}
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: cfg.Host}); err != nil {
				c.Close()
				return err
			}
		}
	default:
		var auth smtp.Auth
		if cfg.Username != "" {
			auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
		}
		return smtp.SendMail(addr, auth, cfg.FromAddress, []string{to}, msg)
	}
	defer c.Quit()

	if cfg.Username != "" && cfg.Password != "" {
		if err := c.Auth(smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)); err != nil {
			return err
		}
	}
	if err := c.Mail(cfg.FromAddress); err != nil {
		return err
	}
	if err := c.Rcpt(to); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	return w.Close()
}

func sendSendgrid(ctx context.Context, cfg *storage.EmailConfig, to, subject, body string) error {
	from := mail.NewEmail(cfg.FromName, cfg.FromAddress)
	message := mail.NewSingleEmail(from, subject, mail.NewEmail("", to), body, body)
	client := sendgrid.NewSendClient(cfg.APIKey)
	resp, err := client.SendWithContext(ctx, message)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("sendgrid error: %d %s", resp.StatusCode, resp.Body)
	}
	return nil
}
