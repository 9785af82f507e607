package notify

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"iot-telemetry/internal/models"

	"go.uber.org/zap"
)

// EmailSender 邮件通道
type EmailSender interface {
	Send(ctx context.Context, n models.Notification) error
}

// SMTPConfig SMTP 连接参数
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPEmailSender 通过 SMTP 投递
type SMTPEmailSender struct {
	cfg    SMTPConfig
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	logger *zap.Logger
}

// NewSMTPEmailSender 创建 SMTP 邮件发送器
func NewSMTPEmailSender(cfg SMTPConfig, logger *zap.Logger) *SMTPEmailSender {
	return &SMTPEmailSender{cfg: cfg, send: smtp.SendMail, logger: logger}
}

// Send 一封邮件发给全部接收人
func (s *SMTPEmailSender) Send(ctx context.Context, n models.Notification) error {
	if len(n.Recipients) == 0 {
		return fmt.Errorf("notification %s has no recipients", n.NotificationID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	if err := s.send(addr, auth, s.cfg.From, n.Recipients, buildMessage(s.cfg.From, n)); err != nil {
		return fmt.Errorf("smtp send to %s: %w", addr, err)
	}
	s.logger.Info("Email notification sent",
		zap.String("notification_id", n.NotificationID),
		zap.Strings("recipients", n.Recipients),
	)
	return nil
}

func buildMessage(from string, n models.Notification) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + strings.Join(n.Recipients, ", ") + "\r\n")
	b.WriteString("Subject: " + n.Title + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(n.Message)
	if n.DeviceID != "" {
		b.WriteString("\r\n\r\nDevice: " + n.DeviceID)
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

// LogEmailSender 未配置 SMTP 时只记录日志
type LogEmailSender struct {
	Logger *zap.Logger
}

// Send 记录日志
func (s LogEmailSender) Send(_ context.Context, n models.Notification) error {
	s.Logger.Info("Email notification (log only)",
		zap.String("notification_id", n.NotificationID),
		zap.String("title", n.Title),
		zap.Strings("recipients", n.Recipients),
	)
	return nil
}
