package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"sipi/internal/config"
	"sipi/internal/model"

	"gopkg.in/gomail.v2"
)

// EmailNotifier 实现邮件通知。
type EmailNotifier struct {
	cfg    *config.EmailConfig
	logger *slog.Logger
	send   func(m ...*gomail.Message) error
}

// NewEmailNotifier 创建一个新的邮件通知器。
func NewEmailNotifier(cfg *config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	n := &EmailNotifier{
		cfg:    cfg,
		logger: logger,
	}
	n.send = func(m ...*gomail.Message) error {
		d := gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass)
		return d.DialAndSend(m...)
	}
	return n
}

// NotifyDetection 发送状态变化邮件。配置缺失或没有收件人时跳过。
func (n *EmailNotifier) NotifyDetection(ctx context.Context, listing *model.Listing, detection *model.Detection, from model.Status) error {
	if n.cfg == nil || n.cfg.SMTPHost == "" || n.cfg.FromEmail == "" {
		n.logger.Warn("email config missing, skip notification")
		return nil
	}
	recipients := make([]string, 0, len(n.cfg.To))
	for _, to := range n.cfg.To {
		if strings.TrimSpace(to) != "" {
			recipients = append(recipients, strings.TrimSpace(to))
		}
	}
	if len(recipients) == 0 {
		n.logger.Warn("email recipient empty, skip notification")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", recipients...)
	m.SetHeader("Subject", subject(listing, detection))
	m.SetBody("text/html", buildHTMLBody(listing, detection, from))

	if err := n.send(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	n.logger.Info("detection notification sent",
		slog.String("listing", listing.Key().String()),
		slog.String("from", string(from)),
		slog.String("to", string(detection.Status)))
	return nil
}

func subject(listing *model.Listing, detection *model.Detection) string {
	return fmt.Sprintf("[SIPI] %s: %s", detection.Status, listing.Title)
}

func buildHTMLBody(listing *model.Listing, detection *model.Detection, from model.Status) string {
	priceLine := "sin precio"
	if listing.Price != nil {
		priceLine = formatEUR(*listing.Price) + " €"
	}
	place := strings.TrimSpace(strings.Join(nonEmpty(listing.Locality, listing.Province), ", "))

	var b strings.Builder
	b.WriteString(`<!DOCTYPE html>
<html>
<head><meta charset="UTF-8" /></head>
<body style="font-family: Arial, sans-serif; background: #f6f7fb; color: #1f2937;">
  <div style="max-width: 600px; margin: 24px auto; background: #fff; border: 1px solid #e5e7eb; border-radius: 12px; padding: 20px;">
`)
	fmt.Fprintf(&b, "    <h2>%s</h2>\n", html.EscapeString(listing.Title))
	fmt.Fprintf(&b, "    <p>%s &rarr; <strong>%s</strong> (score %d)</p>\n", from, detection.Status, detection.Score)
	fmt.Fprintf(&b, "    <p>%s</p>\n", html.EscapeString(priceLine))
	if place != "" {
		fmt.Fprintf(&b, "    <p>%s</p>\n", html.EscapeString(place))
	}
	if detection.GazetteerID != nil && detection.MatchConfidence != nil {
		fmt.Fprintf(&b, "    <p>Gazetteer: %s/%s (%d)</p>\n",
			html.EscapeString(*detection.GazetteerType), html.EscapeString(*detection.GazetteerID), *detection.MatchConfidence)
	}
	if len(detection.Evidences) > 0 {
		b.WriteString("    <ul>\n")
		for _, e := range detection.Evidences {
			fmt.Fprintf(&b, "      <li>%s</li>\n", html.EscapeString(e))
		}
		b.WriteString("    </ul>\n")
	}
	if listing.URL != "" {
		fmt.Fprintf(&b, "    <a href=\"%s\" target=\"_blank\">%s</a>\n", html.EscapeString(listing.URL), html.EscapeString(string(listing.Portal)))
	}
	b.WriteString("  </div>\n</body>\n</html>")
	return b.String()
}

func nonEmpty(values ...string) []string {
	out := values[:0]
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}

// formatEUR 以 "." 作为千位分隔符。
func formatEUR(v int64) string {
	s := fmt.Sprintf("%d", v)
	n := len(s)
	if n <= 3 {
		return s
	}
	out := make([]byte, 0, n+n/3)
	for i, ch := range []byte(s) {
		out = append(out, ch)
		if (n-i-1)%3 == 0 && i != n-1 {
			out = append(out, '.')
		}
	}
	return string(out)
}
