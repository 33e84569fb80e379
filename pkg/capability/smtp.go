package capability

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"mime/multipart"
	"net/smtp"
	"net/textproto"
	"strings"

	"github.com/google/uuid"
)

// SMTPConfig SMTP 邮件发送配置
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPMailer 通过 SMTP 发送邮件的 Messenger（对外导出）
type SMTPMailer struct {
	cfg SMTPConfig
}

// NewSMTPMailer 创建 SMTP 邮件发送器
func NewSMTPMailer(cfg SMTPConfig) (*SMTPMailer, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("smtp host不能为空")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("smtp from不能为空")
	}
	if cfg.Port <= 0 {
		cfg.Port = 25
	}
	return &SMTPMailer{cfg: cfg}, nil
}

// Send 发送邮件，只接受 email 渠道
func (m *SMTPMailer) Send(ctx context.Context, msg Message) (*DeliveryResult, error) {
	if msg.Channel != ChannelEmail {
		return nil, Permanent(fmt.Errorf("SMTP 不支持渠道 %s", msg.Channel))
	}
	if strings.TrimSpace(msg.To) == "" {
		return nil, Permanent(fmt.Errorf("收件人为空"))
	}
	body, err := m.buildMessage(msg)
	if err != nil {
		return nil, Permanent(err)
	}

	done := make(chan error, 1)
	go func() {
		done <- m.deliver(msg.To, body)
	}()
	select {
	case err := <-done:
		if err != nil {
			log.Printf("❌ [SMTP] 发送邮件失败: To=%s, Error=%v", msg.To, err)
			return nil, err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	log.Printf("✅ [SMTP] 邮件发送成功: To=%s, Subject=%s", msg.To, msg.Subject)
	return &DeliveryResult{ProviderID: uuid.NewString(), Status: "sent"}, nil
}

func (m *SMTPMailer) deliver(to string, message []byte) error {
	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	var auth smtp.Auth
	if m.cfg.Username != "" && m.cfg.Password != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	if m.cfg.Port == 465 {
		return m.deliverTLS(addr, auth, to, message)
	}
	return smtp.SendMail(addr, auth, m.cfg.From, []string{to}, message)
}

// deliverTLS 465 端口需要先建立 TLS 连接
func (m *SMTPMailer) deliverTLS(addr string, auth smtp.Auth, to string, message []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: m.cfg.Host})
	if err != nil {
		return fmt.Errorf("TLS连接失败: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		return fmt.Errorf("创建SMTP客户端失败: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return Permanent(fmt.Errorf("SMTP认证失败: %w", err))
		}
	}
	if err := client.Mail(m.cfg.From); err != nil {
		return fmt.Errorf("设置发件人失败: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return Permanent(fmt.Errorf("设置收件人失败: %w", err))
	}
	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("获取数据写入器失败: %w", err)
	}
	if _, err := writer.Write(message); err != nil {
		return fmt.Errorf("写入邮件内容失败: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("关闭数据写入器失败: %w", err)
	}
	return client.Quit()
}

// buildMessage 生成 multipart/alternative 邮件，纯文本在前
func (m *SMTPMailer) buildMessage(msg Message) ([]byte, error) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("From: %s\r\n", m.cfg.From))
	sb.WriteString(fmt.Sprintf("To: %s\r\n", msg.To))
	sb.WriteString(fmt.Sprintf("Subject: %s\r\n", msg.Subject))
	sb.WriteString("MIME-Version: 1.0\r\n")
	if msg.IdempotencyKey != "" {
		sb.WriteString(fmt.Sprintf("X-Idempotency-Key: %s\r\n", msg.IdempotencyKey))
	}

	if msg.HTMLBody == "" {
		sb.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
		sb.WriteString(msg.Body)
		return []byte(sb.String()), nil
	}

	var parts strings.Builder
	mw := multipart.NewWriter(&parts)
	sb.WriteString(fmt.Sprintf("Content-Type: multipart/alternative; boundary=%s\r\n\r\n", mw.Boundary()))
	for _, p := range []struct{ contentType, content string }{
		{"text/plain; charset=UTF-8", msg.Body},
		{"text/html; charset=UTF-8", msg.HTMLBody},
	} {
		w, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {p.contentType}})
		if err != nil {
			return nil, fmt.Errorf("构建邮件失败: %w", err)
		}
		if _, err := w.Write([]byte(p.content)); err != nil {
			return nil, fmt.Errorf("构建邮件失败: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("构建邮件失败: %w", err)
	}
	sb.WriteString(parts.String())
	return []byte(sb.String()), nil
}

// ChannelMux 按渠道分发到不同的 Messenger
type ChannelMux map[Channel]Messenger

// Send 分发消息，渠道未配置时不可重试
func (m ChannelMux) Send(ctx context.Context, msg Message) (*DeliveryResult, error) {
	target, ok := m[msg.Channel]
	if !ok || target == nil {
		return nil, Permanent(fmt.Errorf("渠道 %s 未配置", msg.Channel))
	}
	return target.Send(ctx, msg)
}
