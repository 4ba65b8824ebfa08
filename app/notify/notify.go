// Package notify delivers storage event notifications via email and webhooks.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/url"
	"os"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"
)

//go:generate moq -out mocks/notifier.go -pkg mocks -skip-ensure -fmt goimports . Notifier

// Notifier defines the sender subset of go-pkgz/notify used by the service
type Notifier interface {
	Send(ctx context.Context, destination, text string) error
	Schema() string
}

// Service routes rendered event messages to all configured destinations.
type Service struct {
	Params
	destinations []Notifier
	fromEmail    string
	toEmail      []string
	webhooks     []string
}

// Params to customize behavior of the notification service
type Params struct {
	EnabledCapacity     bool
	EnabledWriteFailed  bool
	EnabledQuotaWarning bool

	CapacityTemplate    string // file path, empty selects the default
	WriteFailedTemplate string
	QuotaWarnTemplate   string
}

// SendersParams contains params specific for senders, i.e. email or webhook
type SendersParams struct {
	FromEmail    string
	ToEmails     []string
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPTLS      bool
	SMTPStartTLS bool
	TimeOut      time.Duration

	WebhookURLs    []string
	WebhookHeaders []string
}

// NewService makes notification service with optional email and webhook
// senders. Returns nil if no destinations defined.
func NewService(p Params, sp SendersParams) *Service {
	res := Service{Params: p, fromEmail: sp.FromEmail, toEmail: sp.ToEmails, webhooks: sp.WebhookURLs}

	if len(sp.ToEmails) > 0 {
		email := notify.NewEmail(notify.SMTPParams{
			Host:     sp.SMTPHost,
			Port:     sp.SMTPPort,
			TLS:      sp.SMTPTLS,
			StartTLS: sp.SMTPStartTLS,
			Username: sp.SMTPUsername,
			Password: sp.SMTPPassword,
			TimeOut:  sp.TimeOut,
		})
		res.destinations = append(res.destinations, email)
	}

	if len(sp.WebhookURLs) > 0 {
		webhook := notify.NewWebhook(notify.WebhookParams{
			Timeout: sp.TimeOut,
			Headers: sp.WebhookHeaders,
		})
		res.destinations = append(res.destinations, webhook)
	}

	if len(res.destinations) == 0 {
		return nil
	}
	return &res
}

// Send message to all destinations, sequentially. Failed destinations don't
// prevent the rest from being tried, all errors reported together.
func (s *Service) Send(ctx context.Context, subj, text string) error {
	var errs []error
	for _, dest := range s.makeDestinations(subj) {
		notifier, ok := s.pickNotifier(dest)
		if !ok {
			errs = append(errs, fmt.Errorf("no notifier for destination %q", dest))
			continue
		}
		log.Printf("[DEBUG] send %q via %s", subj, notifier.Schema())
		if err := notifier.Send(ctx, dest, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsOnCapacity reports if capacity-drop notifications are enabled
func (s *Service) IsOnCapacity() bool { return s.EnabledCapacity }

// IsOnWriteFailed reports if write-failure notifications are enabled
func (s *Service) IsOnWriteFailed() bool { return s.EnabledWriteFailed }

// IsOnQuotaWarning reports if quota-warning notifications are enabled
func (s *Service) IsOnQuotaWarning() bool { return s.EnabledQuotaWarning }

func (s *Service) makeDestinations(subj string) []string {
	res := []string{}
	if len(s.toEmail) > 0 {
		res = append(res, fmt.Sprintf("mailto:%s?from=%s&subject=%s",
			strings.Join(s.toEmail, ","), s.fromEmail, url.QueryEscape(subj)))
	}
	res = append(res, s.webhooks...)
	return res
}

func (s *Service) pickNotifier(dest string) (Notifier, bool) {
	scheme := strings.SplitN(dest, ":", 2)[0]
	for _, n := range s.destinations {
		if scheme == n.Schema() || (n.Schema() == "http" && scheme == "https") {
			return n, true
		}
	}
	return nil, false
}

// MakeCapacityHTML creates html message for a dropped over-quota write
func (s *Service) MakeCapacityHTML(key string, used, limit int64) (string, error) {
	data := struct {
		Key   string
		Used  int64
		Limit int64
		TS    time.Time
		Host  string
	}{Key: key, Used: used, Limit: limit, TS: time.Now(), Host: hostname()}
	return s.makeHTML(s.CapacityTemplate, defaultCapacityTmpl, data)
}

// MakeWriteFailedHTML creates html message for a write that exhausted retries
func (s *Service) MakeWriteFailedHTML(key, errorLog string) (string, error) {
	data := struct {
		Key   string
		Error string
		TS    time.Time
		Host  string
	}{Key: key, Error: errorLog, TS: time.Now(), Host: hostname()}
	return s.makeHTML(s.WriteFailedTemplate, defaultWriteFailedTmpl, data)
}

// MakeQuotaWarningHTML creates html message for crossing the warn threshold
func (s *Service) MakeQuotaWarningHTML(used, limit int64) (string, error) {
	data := struct {
		Used  int64
		Limit int64
		TS    time.Time
		Host  string
	}{Used: used, Limit: limit, TS: time.Now(), Host: hostname()}
	return s.makeHTML(s.QuotaWarnTemplate, defaultQuotaWarnTmpl, data)
}

// makeHTML renders the template file if set and valid, the default otherwise
func (s *Service) makeHTML(tmplFile, defTmpl string, data any) (string, error) {
	render := func(tmpl string) (string, error) {
		t, err := template.New("msg").Parse(tmpl)
		if err != nil {
			return "", fmt.Errorf("can't parse message template: %w", err)
		}
		buf := bytes.Buffer{}
		if err := t.Execute(&buf, data); err != nil {
			return "", fmt.Errorf("failed to apply template: %w", err)
		}
		return buf.String(), nil
	}

	if tmplFile != "" {
		body, err := os.ReadFile(tmplFile) // nolint:gosec // path is operator config
		if err != nil {
			log.Printf("[WARN] can't read template %s, falling back to default: %v", tmplFile, err)
		} else {
			res, rerr := render(string(body))
			if rerr == nil {
				return res, nil
			}
			log.Printf("[WARN] custom template %s failed, falling back to default: %v", tmplFile, rerr)
		}
	}
	return render(defTmpl)
}

func hostname() string {
	if host := os.Getenv("MHOST"); host != "" {
		return host
	}
	host, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return host
}

const messageStyle = `		<style type="text/css">
			body {
				font-family: "Arial";
				font-size: 1.0em;
			}
			ul {
				margin-top: -0.5em;
				margin-left: -0.5em;
			}
			pre {
				padding: 0.6em;
				font-size: 0.7em;
				background-color: #E8E2A0;
				font-family: "Menlo";
				overflow-x: auto;
				white-space: pre-wrap;
				word-wrap: break-word;
			}
			.bold {
				color: #882828;
				font-weight: 900;
			}
		</style>`

const defaultCapacityTmpl = `<!DOCTYPE html>
<html>
	<head>
		<meta name="viewport" content="width=device-width" />
		<meta http-equiv="Content-Type" content="text/html; charset=UTF-8" />
` + messageStyle + `
	</head>

	<body>
		<p>Waymark write dropped over quota on <span class="bold">{{.Host}}</span> at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}</p>
		<ul>
			<li>Key: <span class="bold">{{.Key}}</span></li>
			<li>Used: <span class="bold">{{.Used}}</span> of {{.Limit}} bytes</li>
		</ul>
	</body>
</html>
`

const defaultWriteFailedTmpl = `<!DOCTYPE html>
<html>
	<head>
		<meta name="viewport" content="width=device-width" />
		<meta http-equiv="Content-Type" content="text/html; charset=UTF-8" />
` + messageStyle + `
	</head>

	<body>
		<p>Waymark write failed on <span class="bold">{{.Host}}</span> at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}</p>
		<ul>
			<li>Key: <span class="bold">{{.Key}}</span></li>
		</ul>

		<pre>
{{.Error}}
		</pre>
	</body>
</html>
`

const defaultQuotaWarnTmpl = `<!DOCTYPE html>
<html>
	<head>
		<meta name="viewport" content="width=device-width" />
		<meta http-equiv="Content-Type" content="text/html; charset=UTF-8" />
` + messageStyle + `
	</head>

	<body>
		<p>Waymark storage almost full on <span class="bold">{{.Host}}</span> at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}</p>
		<ul>
			<li>Used: <span class="bold">{{.Used}}</span> of {{.Limit}} bytes</li>
		</ul>
	</body>
</html>
`
