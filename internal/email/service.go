// Package email sends account and watcher mail over SMTP.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

var ErrNotConfigured = errors.New("email not configured")

type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	// BaseURL is the public site root used to build links in mail.
	BaseURL string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
}

func NewService(config Config) *Service {
	if config.FromName == "" {
		config.FromName = "Civic Portal"
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   smtp.PlainAuth("", config.Username, config.Password, config.Host),
		send:   smtp.SendMail,
	}
}

func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendHTMLEmail sends htmlBody with a plain text fallback part.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	msg := buildMessage(s.fromHeader(), to, subject, textBody, htmlBody)
	if err := s.send(s.server, s.auth, s.config.From, to, msg); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

func (s *Service) fromHeader() string {
	return fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
}

const boundary = "civic-portal-alt"

func buildMessage(from string, to []string, subject, textBody, htmlBody string) []byte {
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
	return msg.Bytes()
}

type VerificationData struct {
	AppName         string
	UserName        string
	VerificationURL string
}

func (s *Service) SendVerificationEmail(to, userName, token string) error {
	data := VerificationData{
		AppName:         s.config.FromName,
		UserName:        userName,
		VerificationURL: strings.TrimRight(s.config.BaseURL, "/") + "/verify-email?token=" + token,
	}
	html, err := render(verificationTemplate, data)
	if err != nil {
		return fmt.Errorf("render verification template: %w", err)
	}
	text := fmt.Sprintf("Welcome, %s! Verify your email address: %s", userName, data.VerificationURL)
	return s.SendHTMLEmail([]string{to}, "Verify your "+data.AppName+" account", text, html)
}

type WatcherAlertData struct {
	AppName  string
	UserName string
	Title    string
	Message  string
	Priority string
	IssueURL string
}

// SendWatcherAlert tells a watcher about a high-priority change to an issue.
func (s *Service) SendWatcherAlert(to, userName, issueID, title, message, priority string) error {
	data := WatcherAlertData{
		AppName:  s.config.FromName,
		UserName: userName,
		Title:    title,
		Message:  message,
		Priority: priority,
		IssueURL: strings.TrimRight(s.config.BaseURL, "/") + "/issues/" + issueID,
	}
	html, err := render(watcherAlertTemplate, data)
	if err != nil {
		return fmt.Errorf("render watcher alert template: %w", err)
	}
	text := fmt.Sprintf("%s\n\n%s\n\n%s", title, message, data.IssueURL)
	return s.SendHTMLEmail([]string{to}, "["+strings.ToUpper(priority)+"] "+title, text, html)
}

var (
	verificationTemplate = template.Must(template.New("verification").Parse(verificationEmailHTML))
	watcherAlertTemplate = template.Must(template.New("watcher_alert").Parse(watcherAlertHTML))
)

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const verificationEmailHTML = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Verify your {{.AppName}} account</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #1f6f43; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <h2>Welcome, {{.UserName}}!</h2>
    <p>Verify your email address to start reporting and following issues in your area.</p>
    <p><a href="{{.VerificationURL}}" class="button">Verify Email Address</a></p>
    <p>This link expires in 24 hours.</p>
    <div class="footer">
        <p>If you didn't create an account with {{.AppName}}, you can ignore this email.</p>
    </div>
</body>
</html>`

const watcherAlertHTML = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.Title}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .priority { display: inline-block; padding: 2px 8px; border-radius: 4px; background: #fde68a; font-size: 12px; text-transform: uppercase; }
        .button { display: inline-block; padding: 12px 24px; background: #1f6f43; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <p>Hi {{.UserName}},</p>
    <p><span class="priority">{{.Priority}}</span></p>
    <h2>{{.Title}}</h2>
    <p>{{.Message}}</p>
    <p><a href="{{.IssueURL}}" class="button">View issue</a></p>
    <div class="footer">
        <p>You receive this because you watch this issue on {{.AppName}}.</p>
    </div>
</body>
</html>`
