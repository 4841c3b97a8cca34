package notification

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/deal-alerts/internal/config"
	"github.com/smartdevs17/deal-alerts/internal/models"
)

type fakeDeliverer struct {
	channel models.ChannelKind
	mu      sync.Mutex
	calls   int
	errs    []error
	block   bool
}

func (f *fakeDeliverer) Channel() models.ChannelKind { return f.channel }

func (f *fakeDeliverer) Deliver(ctx context.Context, dest Destination, payload *Payload) error {
	f.mu.Lock()
	idx := f.calls
	f.calls++
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if idx < len(f.errs) {
		return f.errs[idx]
	}
	return nil
}

func (f *fakeDeliverer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testPayload() *Payload {
	score := 0.92
	return &Payload{
		Kind:     models.NotificationKindAlert,
		UserID:   "u1",
		RuleID:   "r1",
		RuleName: "gaming laptop",
		Listings: []*models.Listing{{
			ID:        "l1",
			Title:     "RTX 4070 gaming laptop",
			Price:     decimal.RequireFromString("1099.5"),
			Category:  "electronics",
			DealScore: &score,
			URL:       "https://market.example/l1",
			CreatedAt: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		}},
	}
}

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, SendTimeout: time.Second}
}

func TestRetryingSenderRetriesTransientFailures(t *testing.T) {
	d := &fakeDeliverer{channel: models.ChannelEmail, errs: []error{
		Transient(errors.New("421 try later")),
		errors.New("connection reset"),
	}}
	res := NewRetryingSender(d, fastRetry(3)).Send(context.Background(), Destination{}, testPayload())

	assert.True(t, res.OK())
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, d.Calls())
}

func TestRetryingSenderStopsOnPermanentFailure(t *testing.T) {
	d := &fakeDeliverer{channel: models.ChannelDiscord, errs: []error{Permanent(errors.New("404 unknown webhook"))}}
	res := NewRetryingSender(d, fastRetry(3)).Send(context.Background(), Destination{}, testPayload())

	assert.Equal(t, models.AttemptFailed, res.Status)
	assert.Equal(t, FailurePermanent, res.Failure)
	assert.Equal(t, models.ReasonPermanent, res.Reason)
	assert.Equal(t, 1, res.Attempts)
	assert.Contains(t, res.Detail, "unknown webhook")
}

func TestRetryingSenderGivesUpAfterMaxAttempts(t *testing.T) {
	boom := Transient(errors.New("503"))
	d := &fakeDeliverer{channel: models.ChannelSMS, errs: []error{boom, boom, boom, boom}}
	res := NewRetryingSender(d, fastRetry(3)).Send(context.Background(), Destination{}, testPayload())

	assert.Equal(t, FailureTransient, res.Failure)
	assert.Equal(t, models.ReasonTransient, res.Reason)
	assert.Equal(t, 3, res.Attempts)
}

func TestRetryingSenderPerAttemptTimeout(t *testing.T) {
	d := &fakeDeliverer{channel: models.ChannelPush, block: true}
	cfg := fastRetry(2)
	cfg.SendTimeout = 10 * time.Millisecond

	res := NewRetryingSender(d, cfg).Send(context.Background(), Destination{}, testPayload())
	assert.Equal(t, FailureTransient, res.Failure)
	assert.Equal(t, 2, res.Attempts)
}

func TestRetryingSenderHonorsPassDeadline(t *testing.T) {
	d := &fakeDeliverer{channel: models.ChannelEmail, block: true}
	cfg := fastRetry(5)
	cfg.SendTimeout = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := NewRetryingSender(d, cfg).Send(ctx, Destination{}, testPayload())

	assert.Equal(t, models.ReasonDeadlineExceeded, res.Reason)
	assert.Equal(t, 1, res.Attempts)
}

func TestBackoff(t *testing.T) {
	s := NewRetryingSender(&fakeDeliverer{channel: models.ChannelEmail}, RetryConfig{
		MaxAttempts: 6, BaseDelay: time.Second, MaxDelay: 5 * time.Second,
	})
	assert.Equal(t, time.Second, s.backoff(2))
	assert.Equal(t, 2*time.Second, s.backoff(3))
	assert.Equal(t, 4*time.Second, s.backoff(4))
	assert.Equal(t, 5*time.Second, s.backoff(5))
}

func TestFailureOf(t *testing.T) {
	assert.Equal(t, FailureNone, FailureOf(nil))
	assert.Equal(t, FailurePermanent, FailureOf(fmt.Errorf("wrapped: %w", Permanent(errors.New("x")))))
	assert.Equal(t, FailureTransient, FailureOf(errors.New("plain")))
	assert.Equal(t, FailurePermanent, FailureOf(ErrNoDestination))
}

func TestDestinationFor(t *testing.T) {
	prefs := models.DefaultPreferences("u1")
	prefs.ChannelConfig = models.ChannelConfig{
		Email:      " u1@example.com ",
		PushTokens: []string{"", "ExponentPushToken[abc]"},
	}

	dest, err := DestinationFor(prefs, models.ChannelEmail)
	require.NoError(t, err)
	assert.Equal(t, "u1@example.com", dest.Address)

	dest, err = DestinationFor(prefs, models.ChannelPush)
	require.NoError(t, err)
	assert.Equal(t, []string{"ExponentPushToken[abc]"}, dest.Tokens)

	_, err = DestinationFor(prefs, models.ChannelSMS)
	assert.ErrorIs(t, err, ErrNoDestination)
	_, err = DestinationFor(prefs, models.ChannelDiscord)
	assert.ErrorIs(t, err, ErrNoDestination)
}

func TestFormatting(t *testing.T) {
	p := testPayload()
	assert.Equal(t, `New match for "gaming laptop": RTX 4070 gaming laptop`, Subject(p))
	assert.Contains(t, PlainText(p), "$1099.50")

	eur := &models.Listing{Price: decimal.NewFromInt(5), Currency: "eur"}
	assert.Equal(t, "€5.00", FormatPrice(eur))
	assert.Equal(t, "5.00 CHF", FormatPrice(&models.Listing{Price: decimal.NewFromInt(5), Currency: "CHF"}))

	prev := decimal.NewFromInt(1299)
	drop := testPayload()
	drop.Kind = models.NotificationKindPriceDrop
	drop.PreviousPrice = &prev
	assert.True(t, strings.HasPrefix(Subject(drop), "Price drop: RTX 4070 gaming laptop is now $1099.50"))
	assert.Contains(t, PlainText(drop), "was $1299.00")

	digest := testPayload()
	digest.Kind = models.NotificationKindDigest
	for i := 0; i < 40; i++ {
		digest.Listings = append(digest.Listings, &models.Listing{ID: fmt.Sprint(i), Title: "another long listing title", Price: decimal.NewFromInt(10)})
	}
	assert.Equal(t, "41 new deals matching your alerts", Subject(digest))
	assert.LessOrEqual(t, len([]rune(smsText(digest))), smsMaxLength)
	assert.Len(t, discordPayload(digest, "", "").Embeds, discordMaxEmbeds)

	html, err := emailBody(p)
	require.NoError(t, err)
	assert.Contains(t, html, `<a href="https://market.example/l1">RTX 4070 gaming laptop</a>`)
	assert.Contains(t, html, "92%")
}

func TestDiscordSender(t *testing.T) {
	var (
		mu       sync.Mutex
		received discordMessage
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			mu.Lock()
			defer mu.Unlock()
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
			w.WriteHeader(http.StatusNoContent)
		case "/busy":
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			http.Error(w, `{"message": "Unknown Webhook"}`, http.StatusNotFound)
		}
	}))
	defer srv.Close()

	sender := NewDiscordSender(config.DiscordConfig{Username: "Deal Alerts"}, time.Second)
	ctx := context.Background()

	require.NoError(t, sender.Deliver(ctx, Destination{Address: srv.URL + "/ok"}, testPayload()))
	mu.Lock()
	assert.Equal(t, "Deal Alerts", received.Username)
	require.Len(t, received.Embeds, 1)
	assert.Equal(t, "RTX 4070 gaming laptop", received.Embeds[0].Title)
	mu.Unlock()

	err := sender.Deliver(ctx, Destination{Address: srv.URL + "/gone"}, testPayload())
	assert.Equal(t, FailurePermanent, FailureOf(err))

	err = sender.Deliver(ctx, Destination{Address: srv.URL + "/busy"}, testPayload())
	assert.Equal(t, FailureTransient, FailureOf(err))

	err = sender.Deliver(ctx, Destination{Address: "not a url"}, testPayload())
	assert.Equal(t, FailurePermanent, FailureOf(err))
}

func TestSMSSender(t *testing.T) {
	var (
		mu   sync.Mutex
		form url.Values
		user string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "/Accounts/AC123/Messages.json", r.URL.Path)
		user, _, _ = r.BasicAuth()
		body, _ := io.ReadAll(r.Body)
		form, _ = url.ParseQuery(string(body))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	sender := NewSMSSender(config.SMSConfig{APIURL: srv.URL, AccountSID: "AC123", AuthToken: "tok", FromNumber: "+15550000000"}, time.Second)
	require.NoError(t, sender.Deliver(context.Background(), Destination{Address: "+15551234567"}, testPayload()))

	mu.Lock()
	assert.Equal(t, "AC123", user)
	assert.Equal(t, "+15551234567", form.Get("To"))
	assert.Contains(t, form.Get("Body"), "gaming laptop")
	mu.Unlock()

	err := sender.Deliver(context.Background(), Destination{Address: "555-1234"}, testPayload())
	assert.Equal(t, FailurePermanent, FailureOf(err))
}

func TestPushSender(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msgs []pushMessage
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&msgs))
		resp := pushResponse{}
		for _, m := range msgs {
			ticket := pushTicket{Status: "ok"}
			if strings.Contains(m.To, "dead") {
				ticket.Status = "error"
				ticket.Details.Error = "DeviceNotRegistered"
			}
			resp.Data = append(resp.Data, ticket)
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	sender := NewPushSender(config.PushConfig{GatewayURL: srv.URL}, time.Second)
	ctx := context.Background()

	assert.NoError(t, sender.Deliver(ctx, Destination{Tokens: []string{"dead-1", "live-1"}}, testPayload()))

	err := sender.Deliver(ctx, Destination{Tokens: []string{"dead-1", "dead-2"}}, testPayload())
	assert.Equal(t, FailurePermanent, FailureOf(err))

	err = sender.Deliver(ctx, Destination{}, testPayload())
	assert.Equal(t, FailurePermanent, FailureOf(err))
}

// fakeSMTP is a minimal SMTP server that accepts or rejects recipients.
type fakeSMTP struct {
	ln         net.Listener
	rejectRcpt bool

	mu       sync.Mutex
	messages []string
}

func startFakeSMTP(t *testing.T, rejectRcpt bool) *fakeSMTP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeSMTP{ln: ln, rejectRcpt: rejectRcpt}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeSMTP) port() int { return s.ln.Addr().(*net.TCPAddr).Port }

func (s *fakeSMTP) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	reply := func(line string) { fmt.Fprintf(conn, "%s\r\n", line) }

	reply("220 localhost ESMTP")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.ToUpper(strings.TrimSpace(line))
		switch {
		case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
			reply("250 localhost")
		case strings.HasPrefix(cmd, "RCPT"):
			if s.rejectRcpt {
				reply("550 5.1.1 mailbox unavailable")
			} else {
				reply("250 OK")
			}
		case cmd == "DATA":
			reply("354 end data with <CR><LF>.<CR><LF>")
			var msg strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				msg.WriteString(l)
			}
			s.mu.Lock()
			s.messages = append(s.messages, msg.String())
			s.mu.Unlock()
			reply("250 queued")
		case cmd == "QUIT":
			reply("221 bye")
			return
		default:
			reply("250 OK")
		}
	}
}

func TestEmailSender(t *testing.T) {
	srv := startFakeSMTP(t, false)
	sender := NewEmailSender(config.EmailConfig{
		SMTPHost:  "127.0.0.1",
		SMTPPort:  srv.port(),
		FromEmail: "alerts@example.com",
		FromName:  "Deal Alerts",
	})

	require.NoError(t, sender.Deliver(context.Background(), Destination{Address: "u1@example.com"}, testPayload()))
	srv.mu.Lock()
	require.Len(t, srv.messages, 1)
	assert.Contains(t, srv.messages[0], "To: u1@example.com")
	assert.Contains(t, srv.messages[0], "gaming laptop")
	srv.mu.Unlock()

	err := sender.Deliver(context.Background(), Destination{Address: "not-an-address"}, testPayload())
	assert.Equal(t, FailurePermanent, FailureOf(err))
}

func TestEmailSenderRejectedRecipientIsPermanent(t *testing.T) {
	srv := startFakeSMTP(t, true)
	sender := NewEmailSender(config.EmailConfig{SMTPHost: "127.0.0.1", SMTPPort: srv.port(), FromEmail: "alerts@example.com"})

	err := sender.Deliver(context.Background(), Destination{Address: "nobody@example.com"}, testPayload())
	require.Error(t, err)
	assert.Equal(t, FailurePermanent, FailureOf(err))
}

func TestEmailSenderUnreachableIsTransient(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	sender := NewEmailSender(config.EmailConfig{SMTPHost: "127.0.0.1", SMTPPort: port, FromEmail: "alerts@example.com"})
	err = sender.Deliver(context.Background(), Destination{Address: "u1@example.com"}, testPayload())
	assert.Equal(t, FailureTransient, FailureOf(err))
}

type staticSender struct{ res Result }

func (s staticSender) Send(context.Context, Destination, *Payload) Result { return s.res }

func TestNotificationManager(t *testing.T) {
	nm := NewNotificationManager()
	nm.Register(models.ChannelEmail, staticSender{res: Result{Status: models.AttemptSent, Attempts: 1}})
	nm.Register(models.ChannelDiscord, staticSender{res: Result{Status: models.AttemptFailed, Reason: models.ReasonPermanent, Detail: "404"}})

	_, ok := nm.Sender(models.ChannelSMS)
	assert.False(t, ok)
	assert.Equal(t, []models.ChannelKind{models.ChannelEmail, models.ChannelDiscord}, nm.Channels())

	email, ok := nm.Sender(models.ChannelEmail)
	require.True(t, ok)
	assert.True(t, email.Send(context.Background(), Destination{Channel: models.ChannelEmail}, testPayload()).OK())

	discord, _ := nm.Sender(models.ChannelDiscord)
	assert.False(t, discord.Send(context.Background(), Destination{Channel: models.ChannelDiscord}, testPayload()).OK())

	stats := nm.GetStats()
	assert.Equal(t, uint64(1), stats.TotalNotificationsSent)
	assert.Equal(t, uint64(1), stats.TotalNotificationsFailed)
	assert.Equal(t, uint64(1), stats.ByChannel[models.ChannelDiscord].Failed)
	require.NotNil(t, stats.LastError)
	assert.Equal(t, "404", *stats.LastError)

	assert.False(t, nm.GetHealth().Healthy)
	require.NoError(t, nm.Start(context.Background()))
	assert.True(t, nm.GetHealth().Healthy)
	assert.Error(t, nm.Start(context.Background()))
	require.NoError(t, nm.Stop())

	_, err := nm.SendTest(context.Background(), models.ChannelPush, Destination{})
	assert.Error(t, err)
	res, err := nm.SendTest(context.Background(), models.ChannelEmail, Destination{Address: "u1@example.com"})
	require.NoError(t, err)
	assert.True(t, res.OK())
}

func TestNewNotificationManagerFromConfig(t *testing.T) {
	nm := NewNotificationManagerFromConfig(&config.NotificationConfig{
		RetryAttempts: 2,
		SendTimeout:   time.Second,
		Discord:       config.DiscordConfig{Enabled: true},
		Push:          config.PushConfig{Enabled: true, GatewayURL: "http://localhost"},
	}, nil)
	assert.Equal(t, []models.ChannelKind{models.ChannelDiscord, models.ChannelPush}, nm.Channels())
}
