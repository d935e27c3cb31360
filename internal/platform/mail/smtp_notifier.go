// Package mail delivers order notifications by email.
package mail

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gomail "github.com/wneessen/go-mail"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/storefront/api/internal/services"
)

const defaultCurrency = "INR"

// SMTPConfig configures the SMTP relay.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Locale   string
	Currency string
}

type sender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*gomail.Msg) error
}

// SMTPNotifier emails an order confirmation to the shipping contact.
type SMTPNotifier struct {
	client   sender
	from     string
	currency string
	printer  *message.Printer
	logger   *zap.Logger
}

// NewSMTPNotifier dials nothing up front; each notification opens its own SMTP session.
func NewSMTPNotifier(cfg SMTPConfig, logger *zap.Logger) (*SMTPNotifier, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("mail: smtp host is required")
	}
	opts := []gomail.Option{
		gomail.WithPort(cfg.Port),
		gomail.WithTLSPortPolicy(gomail.TLSMandatory),
	}
	if cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(cfg.Username),
			gomail.WithPassword(cfg.Password),
		)
	}
	client, err := gomail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("mail: create smtp client: %w", err)
	}
	return newSMTPNotifier(client, cfg, logger)
}

func newSMTPNotifier(client sender, cfg SMTPConfig, logger *zap.Logger) (*SMTPNotifier, error) {
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("mail: from address is required")
	}
	tag, err := language.Parse(strings.TrimSpace(cfg.Locale))
	if err != nil {
		tag = language.English
	}
	currency := strings.ToUpper(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = defaultCurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SMTPNotifier{
		client:   client,
		from:     cfg.From,
		currency: currency,
		printer:  message.NewPrinter(tag),
		logger:   logger,
	}, nil
}

// NotifyOrderPlaced sends the confirmation. Orders without a contact email are skipped.
func (n *SMTPNotifier) NotifyOrderPlaced(ctx context.Context, notification services.OrderNotification) error {
	if strings.TrimSpace(notification.Email) == "" {
		n.logger.Debug("mail: order has no contact email", zap.String("order", notification.OrderID))
		return nil
	}
	msg, err := n.compose(notification)
	if err != nil {
		return err
	}
	if err := n.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("mail: send order confirmation: %w", err)
	}
	n.logger.Info("mail: order confirmation sent", zap.String("order", notification.OrderID))
	return nil
}

func (n *SMTPNotifier) compose(notification services.OrderNotification) (*gomail.Msg, error) {
	msg := gomail.NewMsg()
	if err := msg.From(n.from); err != nil {
		return nil, fmt.Errorf("mail: from address: %w", err)
	}
	if err := msg.To(notification.Email); err != nil {
		return nil, fmt.Errorf("mail: recipient: %w", err)
	}
	msg.Subject(fmt.Sprintf("Order %s received", notification.OrderID))
	msg.SetBodyString(gomail.TypeTextPlain, n.body(notification))
	return msg, nil
}

func (n *SMTPNotifier) body(notification services.OrderNotification) string {
	name := strings.TrimSpace(notification.CustomerName)
	if name == "" {
		name = "there"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Hi %s,\n\n", name)
	fmt.Fprintf(&b, "Thanks for your order %s.\n\n", notification.OrderID)
	b.WriteString(n.printer.Sprintf("Items: %d\n", notification.Lines))
	b.WriteString(n.printer.Sprintf("Total: %s %.2f\n", n.currency, notification.Total.InexactFloat64()))
	fmt.Fprintf(&b, "Payment: %s\n", strings.ToUpper(string(notification.PaymentMethod)))
	fmt.Fprintf(&b, "Placed: %s\n\n", notification.PlacedAt.UTC().Format("02 Jan 2006 15:04 MST"))
	b.WriteString("We will let you know when it ships.\n")
	return b.String()
}
