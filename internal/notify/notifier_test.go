package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vault-db-backup/internal/backup"
	apperrors "vault-db-backup/internal/errors"
	"vault-db-backup/internal/logging"
)

type stubChannel struct {
	name    string
	enabled bool
	err     error
	panics  bool
	delay   time.Duration
	calls   int32
}

func (s *stubChannel) Name() string  { return s.name }
func (s *stubChannel) Enabled() bool { return s.enabled }

func (s *stubChannel) Send(ctx context.Context, f Failure) error {
	atomic.AddInt32(&s.calls, 1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.panics {
		panic("nil map write")
	}
	return s.err
}

func testFailure() Failure {
	cause := apperrors.NewDumpFailedError("mongodump failed: connection refused", errors.New("exit status 1"))
	return Failure{
		AttemptID: "attempt-1",
		Target:    "mongo://mongo.internal:27017",
		Stage:     backup.StageDumping,
		Err:       cause,
	}
}

func TestNotifier_AttemptsEveryChannel(t *testing.T) {
	ok := &stubChannel{name: "a-ok", enabled: true}
	broken := &stubChannel{name: "b-broken", enabled: true, err: errors.New("smtp down")}
	panicky := &stubChannel{name: "c-panics", enabled: true, panics: true}
	disabled := &stubChannel{name: "d-off"}

	n := NewNotifier(logging.NewNopLogger())
	report := n.Notify(context.Background(), testFailure(), []Channel{ok, broken, panicky, disabled, nil})

	assert.Equal(t, int32(1), atomic.LoadInt32(&ok.calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&broken.calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&panicky.calls))
	assert.Zero(t, atomic.LoadInt32(&disabled.calls))

	assert.ElementsMatch(t, []string{"a-ok", "b-broken", "c-panics"}, report.Attempted)
	assert.Equal(t, []string{"a-ok"}, report.Succeeded)
	require.Len(t, report.Failed, 2)
	assert.Equal(t, "b-broken", report.Failed[0].Channel)
	assert.Equal(t, apperrors.ErrorTypeNotification, apperrors.GetErrorType(report.Failed[0].Err))
	assert.Contains(t, report.Failed[1].Err.Error(), "panicked")
	assert.True(t, report.Delivered())
}

func TestNotifier_AllChannelsFailing(t *testing.T) {
	channels := []Channel{
		&stubChannel{name: "email", enabled: true, err: errors.New("throttled")},
		&stubChannel{name: "chat", enabled: true, err: errors.New("invalid_auth")},
	}
	report := NewNotifier(logging.NewNopLogger()).Notify(context.Background(), testFailure(), channels)

	assert.Len(t, report.Attempted, 2)
	assert.Len(t, report.Failed, 2)
	assert.False(t, report.Delivered())
}

func TestNotifier_PerChannelTimeout(t *testing.T) {
	slow := &stubChannel{name: "slow", enabled: true, delay: time.Minute}
	fast := &stubChannel{name: "fast", enabled: true}

	n := NewNotifier(logging.NewNopLogger(), WithTimeout(50*time.Millisecond))
	start := time.Now()
	report := n.Notify(context.Background(), testFailure(), []Channel{slow, fast})

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, []string{"fast"}, report.Succeeded)
	require.Len(t, report.Failed, 1)
	assert.ErrorIs(t, report.Failed[0].Err, context.DeadlineExceeded)
}

func TestNotifier_DeliversAfterCancellation(t *testing.T) {
	ch := &stubChannel{name: "email", enabled: true}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := NewNotifier(logging.NewNopLogger()).Notify(ctx, testFailure(), []Channel{ch})
	assert.Equal(t, []string{"email"}, report.Succeeded)
}

type fakeSES struct {
	inputs []*ses.SendEmailInput
	err    error
}

func (f *fakeSES) SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	f.inputs = append(f.inputs, params)
	if f.err != nil {
		return nil, f.err
	}
	return &ses.SendEmailOutput{MessageId: aws.String("msg-1")}, nil
}

func TestEmailChannel_Send(t *testing.T) {
	client := &fakeSES{}
	ch := NewEmailChannel(EmailConfig{From: "backup@example.com", To: []string{"ops@example.com", " ", "dba@example.com"}}, client)
	require.True(t, ch.Enabled())

	require.NoError(t, ch.Send(context.Background(), testFailure()))
	require.Len(t, client.inputs, 1)

	in := client.inputs[0]
	assert.Equal(t, "backup@example.com", aws.ToString(in.Source))
	assert.Equal(t, []string{"ops@example.com", "dba@example.com"}, in.Destination.ToAddresses)
	assert.Equal(t, "Error: Backup Failed", aws.ToString(in.Message.Subject.Data))

	body := aws.ToString(in.Message.Body.Text.Data)
	assert.Contains(t, body, "The database backup for mongo://mongo.internal:27017 failed:\n")
	assert.Contains(t, body, "connection refused")
	assert.Contains(t, body, "exit status 1")
}

func TestEmailChannel_Enabled(t *testing.T) {
	assert.False(t, NewEmailChannel(EmailConfig{To: []string{"ops@example.com"}}, &fakeSES{}).Enabled())
	assert.False(t, NewEmailChannel(EmailConfig{From: "a@example.com"}, &fakeSES{}).Enabled())
}

func TestEmailChannel_SendError(t *testing.T) {
	ch := NewEmailChannel(EmailConfig{From: "a@example.com", To: []string{"b@example.com"}},
		&fakeSES{err: errors.New("MessageRejected: Email address is not verified")})
	err := ch.Send(context.Background(), testFailure())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not verified")
}

type fakeSlack struct {
	params []slack.UploadFileV2Parameters
	err    error
}

func (f *fakeSlack) UploadFileV2Context(ctx context.Context, params slack.UploadFileV2Parameters) (*slack.FileSummary, error) {
	f.params = append(f.params, params)
	if f.err != nil {
		return nil, f.err
	}
	return &slack.FileSummary{ID: "F1", Title: params.Title}, nil
}

func TestChatChannel_Send(t *testing.T) {
	client := &fakeSlack{}
	ch := NewChatChannel(ChatConfig{Token: "xoxb-test", Channel: "C0123"}, client)
	require.True(t, ch.Enabled())

	require.NoError(t, ch.Send(context.Background(), testFailure()))
	require.Len(t, client.params, 1)

	p := client.params[0]
	assert.Equal(t, "C0123", p.Channel)
	assert.Equal(t, "<!channel> :rotating_light: Backup failed for mongo://mongo.internal:27017", p.InitialComment)
	assert.Contains(t, p.Content, "connection refused")
	assert.Equal(t, len(p.Content), p.FileSize)
	assert.Equal(t, "backup-error-attempt-1.txt", p.Filename)
}

func TestChatChannel_APIErrorIsDeliveryFailure(t *testing.T) {
	ch := NewChatChannel(ChatConfig{Token: "xoxb-test", Channel: "C0123"},
		&fakeSlack{err: slack.SlackErrorResponse{Err: "not_in_channel"}})
	err := ch.Send(context.Background(), testFailure())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not_in_channel")
}

func TestChatChannel_Enabled(t *testing.T) {
	assert.False(t, NewChatChannel(ChatConfig{Channel: "C0123"}, nil).Enabled())
	assert.True(t, NewChatChannel(ChatConfig{Token: "xoxb-test", Channel: "C0123"}, nil).Enabled())
}

func TestWebhookChannel_Send(t *testing.T) {
	var got WebhookPayload
	var header string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		header = r.Header.Get("X-Token")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	ch := NewWebhookChannel(WebhookConfig{URL: server.URL, Headers: map[string]string{"X-Token": "abc"}})
	require.True(t, ch.Enabled())
	require.NoError(t, ch.Send(context.Background(), testFailure()))

	assert.Equal(t, "abc", header)
	assert.Equal(t, "backup.failed", got.Event)
	assert.Equal(t, "attempt-1", got.AttemptID)
	assert.Equal(t, "DUMPING", got.Stage)
	assert.Contains(t, got.Error, "connection refused")
}

func TestWebhookChannel_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	err := NewWebhookChannel(WebhookConfig{URL: server.URL}).Send(context.Background(), testFailure())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.False(t, NewWebhookChannel(WebhookConfig{}).Enabled())
}
