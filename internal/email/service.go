// Package email sends transactional messages over SMTP.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

const appName = "Cockpit Comercial"

var ErrNotConfigured = errors.New("email not configured")

type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
}

func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendHTMLEmail sends a multipart message with a plain-text fallback.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	boundary := "boundary-cockpit"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n\r\n", boundary)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", textBody)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", htmlBody)
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return s.send(s.server, s.auth, s.config.From, to, msg.Bytes())
}

type PasswordResetData struct {
	AppName  string
	UserName string
	ResetURL string
}

type MembershipData struct {
	AppName       string
	UserName      string
	WorkspaceName string
	Role          string
	InvitedBy     string
	WorkspaceURL  string
}

func (s *Service) SendPasswordResetEmail(to, userName, resetURL string) error {
	data := PasswordResetData{AppName: appName, UserName: userName, ResetURL: resetURL}
	html, err := renderTemplate(passwordResetEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render password reset template: %w", err)
	}
	text := fmt.Sprintf("Olá %s,\n\nPara redefinir sua senha acesse %s\nO link expira em 1 hora.", userName, resetURL)
	return s.SendHTMLEmail([]string{to}, "Redefina sua senha do "+appName, text, html)
}

// SendMembershipEmail tells a user they were added to a workspace.
func (s *Service) SendMembershipEmail(to string, data MembershipData) error {
	data.AppName = appName
	html, err := renderTemplate(membershipEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render membership template: %w", err)
	}
	text := fmt.Sprintf("Olá %s,\n\n%s adicionou você ao workspace %s como %s.\n%s",
		data.UserName, data.InvitedBy, data.WorkspaceName, data.Role, data.WorkspaceURL)
	return s.SendHTMLEmail([]string{to}, "Você foi adicionado a "+data.WorkspaceName, text, html)
}

func renderTemplate(tmpl string, data any) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const emailStyle = `
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #1f3a5f; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #1f3a5f; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .link { word-break: break-all; color: #1f3a5f; }`

const passwordResetEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Redefina sua senha do {{.AppName}}</title>
    <style>` + emailStyle + `
        .warning { background: #fff3cd; padding: 12px; border-radius: 4px; margin: 20px 0; }
    </style>
</head>
<body>
    <div class="header"><h1>{{.AppName}}</h1></div>
    <p>Olá {{.UserName}},</p>
    <p>Recebemos um pedido para redefinir sua senha. Use o botão abaixo para criar uma nova:</p>
    <p><a href="{{.ResetURL}}" class="button">Redefinir senha</a></p>
    <p>Ou copie e cole este link no navegador:</p>
    <p class="link">{{.ResetURL}}</p>
    <div class="warning"><strong>Importante:</strong> este link expira em 1 hora.</div>
    <div class="footer"><p>Se você não pediu a redefinição, ignore este e-mail. Sua senha continua a mesma.</p></div>
</body>
</html>`

const membershipEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Novo acesso no {{.AppName}}</title>
    <style>` + emailStyle + `
    </style>
</head>
<body>
    <div class="header"><h1>{{.AppName}}</h1></div>
    <p>Olá {{.UserName}},</p>
    <p>{{.InvitedBy}} adicionou você ao workspace <strong>{{.WorkspaceName}}</strong> com o papel <strong>{{.Role}}</strong>.</p>
    {{if .WorkspaceURL}}<p><a href="{{.WorkspaceURL}}" class="button">Abrir workspace</a></p>{{end}}
    <div class="footer"><p>Se você não esperava este acesso, fale com o administrador do workspace.</p></div>
</body>
</html>`
