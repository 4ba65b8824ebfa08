package notify

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Divinical/Waymark/app/notify/mocks"
)

func TestService_EmptyDestinations(t *testing.T) {
	svc := NewService(Params{}, SendersParams{})
	require.Nil(t, svc)
}

func TestMakeCapacityHTMLDefault(t *testing.T) {
	svc := NewService(Params{}, SendersParams{ToEmails: []string{"test@example.com"}})
	require.NotNil(t, svc)
	res, err := svc.MakeCapacityHTML("sessions", 5300000, 5242880)
	require.NoError(t, err)
	assert.Contains(t, res, "<li>Key: <span class=\"bold\">sessions</span></li>")
	assert.Contains(t, res, "<span class=\"bold\">5300000</span> of 5242880 bytes")
	assert.Contains(t, res, "Waymark write dropped over quota")
}

func TestMakeCapacityHTMLCustom(t *testing.T) {
	tmpl := filepath.Join(t.TempDir(), "capacity.tmpl")
	require.NoError(t, os.WriteFile(tmpl, []byte("Dropped write for {{.Key}}, {{.Used}}/{{.Limit}}"), 0o600))

	svc := NewService(Params{CapacityTemplate: tmpl}, SendersParams{ToEmails: []string{"test@example.com"}})
	require.NotNil(t, svc)
	res, err := svc.MakeCapacityHTML("sessions", 100, 200)
	require.NoError(t, err)
	assert.Equal(t, "Dropped write for sessions, 100/200", res)

	svc = NewService(Params{CapacityTemplate: filepath.Join(t.TempDir(), "missing.tmpl")},
		SendersParams{ToEmails: []string{"test@example.com"}})
	require.NotNil(t, svc)
	res, err = svc.MakeCapacityHTML("sessions", 100, 200)
	require.NoError(t, err)
	assert.Contains(t, res, "Waymark write dropped over quota", "missing file falls back to default")
}

func TestMakeCapacityHTMLBadTemplate(t *testing.T) {
	tmpl := filepath.Join(t.TempDir(), "bad.tmpl")
	require.NoError(t, os.WriteFile(tmpl, []byte("{{.NoSuchField}}"), 0o600))

	svc := NewService(Params{CapacityTemplate: tmpl}, SendersParams{ToEmails: []string{"test@example.com"}})
	require.NotNil(t, svc)
	res, err := svc.MakeCapacityHTML("sessions", 100, 200)
	require.NoError(t, err)
	assert.Contains(t, res, "Waymark write dropped over quota")
}

func TestMakeWriteFailedHTMLDefault(t *testing.T) {
	svc := NewService(Params{}, SendersParams{ToEmails: []string{"test@example.com"}})
	require.NotNil(t, svc)
	res, err := svc.MakeWriteFailedHTML("sessions", "sqlite: database is locked")
	require.NoError(t, err)
	assert.Contains(t, res, "<li>Key: <span class=\"bold\">sessions</span></li>")
	assert.Contains(t, res, "sqlite: database is locked")
	assert.Contains(t, res, "Waymark write failed")
}

func TestMakeQuotaWarningHTMLDefault(t *testing.T) {
	svc := NewService(Params{}, SendersParams{ToEmails: []string{"test@example.com"}})
	require.NotNil(t, svc)
	res, err := svc.MakeQuotaWarningHTML(4300000, 5242880)
	require.NoError(t, err)
	assert.Contains(t, res, "<span class=\"bold\">4300000</span> of 5242880 bytes")
	assert.Contains(t, res, "Waymark storage almost full")
}

func TestService_Toggles(t *testing.T) {
	svc := NewService(Params{EnabledCapacity: true, EnabledQuotaWarning: true},
		SendersParams{ToEmails: []string{"test@example.com"}})
	require.NotNil(t, svc)
	assert.True(t, svc.IsOnCapacity())
	assert.False(t, svc.IsOnWriteFailed())
	assert.True(t, svc.IsOnQuotaWarning())
}

func TestService_Send(t *testing.T) {
	tests := []struct {
		name           string
		subj           string
		text           string
		destination    string
		mockSendErr    error
		expectedErrMsg string
	}{
		{
			name:        "Successful Send",
			subj:        "Test Subject",
			text:        "Test Text",
			destination: "mailto:to@example.com,to2@example.com?from=from@example.com&subject=Test+Subject",
			mockSendErr: nil,
		},
		{
			name:           "Send Error",
			subj:           "Problem Subject",
			text:           "Problem Text",
			destination:    "mailto:to@example.com,to2@example.com?from=from@example.com&subject=Problem+Subject",
			mockSendErr:    errors.New("mock error"),
			expectedErrMsg: "mock error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mailtoNotifier := &mocks.NotifierMock{
				SendFunc: func(_ context.Context, dest string, text string) error {
					assert.Equal(t, tt.text, text)
					assert.Equal(t, tt.destination, dest)
					return tt.mockSendErr
				},
				SchemaFunc: func() string {
					return "mailto"
				},
			}

			s := Service{
				destinations: []Notifier{mailtoNotifier},
				fromEmail:    "from@example.com",
				toEmail:      []string{"to@example.com", "to2@example.com"},
			}

			err := s.Send(context.Background(), tt.subj, tt.text)
			assert.Len(t, mailtoNotifier.SendCalls(), 1)
			if tt.expectedErrMsg == "" {
				require.NoError(t, err)
			} else {
				assert.EqualError(t, err, tt.expectedErrMsg)
			}
		})
	}
}

func TestService_SendWebhook(t *testing.T) {
	hook := &mocks.NotifierMock{
		SendFunc:   func(_ context.Context, _ string, _ string) error { return nil },
		SchemaFunc: func() string { return "http" },
	}

	s := Service{
		destinations: []Notifier{hook},
		webhooks:     []string{"https://hooks.example.com/waymark", "http://internal/alerts"},
	}

	require.NoError(t, s.Send(context.Background(), "subj", "text"))
	calls := hook.SendCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "https://hooks.example.com/waymark", calls[0].Destination)
	assert.Equal(t, "http://internal/alerts", calls[1].Destination)
}

func TestService_SendNoMatchingNotifier(t *testing.T) {
	s := Service{
		destinations: []Notifier{&mocks.NotifierMock{SchemaFunc: func() string { return "http" }}},
		toEmail:      []string{"to@example.com"},
	}
	err := s.Send(context.Background(), "subj", "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no notifier for destination")
}
