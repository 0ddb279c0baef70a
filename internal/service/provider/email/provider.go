package email

import (
	"context"
	"fmt"
	"net/mail"
	"net/smtp"
	"strings"

	"gitee.com/flycash/notify-dispatch/internal/domain"
	"gitee.com/flycash/notify-dispatch/internal/errs"
	"gitee.com/flycash/notify-dispatch/internal/service/provider"

	"github.com/gofrs/uuid"
)

const Name = "smtp"

// Client SMTP 邮件客户端。supplier 侧没有受理回执，
// Reference 由本端生成，投递确认靠后续的退信回执修正
type Client struct {
	addr     string
	from     string
	auth     smtp.Auth
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewClient(addr, from, username, password, host string) *Client {
	var auth smtp.Auth
	if username != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}
	return &Client{
		addr:     addr,
		from:     from,
		auth:     auth,
		sendMail: smtp.SendMail,
	}
}

func (c *Client) Name() string {
	return Name
}

func (c *Client) Channel() domain.Channel {
	return domain.ChannelEmail
}

func (c *Client) Submit(_ context.Context, req provider.SubmitRequest) (provider.SubmitResult, error) {
	recipient := req.Notification.Recipient
	if _, err := mail.ParseAddress(recipient); err != nil {
		// 地址本身不合法，重试不可能成功
		return provider.SubmitResult{}, provider.NewPermanentError(domain.ReasonInvalidEmail, err)
	}

	reference, err := uuid.NewV4()
	if err != nil {
		return provider.SubmitResult{}, fmt.Errorf("%w: %w", errs.ErrSendNotificationFailed, err)
	}

	subject := render(req.Template.Subject, req.Notification.Template.Params)
	body := render(req.Template.Content, req.Notification.Template.Params)
	msg := c.buildMessage(recipient, reference.String(), subject, body)

	if err := c.sendMail(c.addr, c.auth, c.from, []string{recipient}, msg); err != nil {
		return provider.SubmitResult{}, fmt.Errorf("%w: %w", errs.ErrSendNotificationFailed, err)
	}

	return provider.SubmitResult{Reference: reference.String()}, nil
}

func (c *Client) buildMessage(to, reference, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", c.from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Message-ID: <%s@notify>\r\n", reference)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

// render 替换模板里的 ((name)) 占位符
func render(content string, params map[string]string) string {
	for k, v := range params {
		content = strings.ReplaceAll(content, "(("+k+"))", v)
	}
	return content
}
