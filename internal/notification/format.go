package notification

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/smartdevs17/deal-alerts/internal/models"
)

const (
	smsMaxLength     = 320
	pushBodyMaxChars = 178
	discordMaxEmbeds = 10
	discordColor     = 0x2ecc71
)

var currencySymbols = map[string]string{
	"":    "$",
	"USD": "$",
	"EUR": "€",
	"GBP": "£",
}

// FormatPrice renders a listing price with its currency.
func FormatPrice(l *models.Listing) string {
	if symbol, ok := currencySymbols[strings.ToUpper(l.Currency)]; ok {
		return symbol + l.Price.StringFixed(2)
	}
	return l.Price.StringFixed(2) + " " + strings.ToUpper(l.Currency)
}

func isDigest(p *Payload) bool {
	return p.Kind == models.NotificationKindDigest || len(p.Listings) > 1
}

// Subject is the one-line summary used as email subject and push title.
func Subject(p *Payload) string {
	if len(p.Listings) == 0 {
		return "Deal alert"
	}
	if isDigest(p) {
		return fmt.Sprintf("%d new deals matching your alerts", len(p.Listings))
	}
	l := p.Listings[0]
	if p.Kind == models.NotificationKindPriceDrop {
		return fmt.Sprintf("Price drop: %s is now %s", l.Title, FormatPrice(l))
	}
	return fmt.Sprintf("New match for %q: %s", p.RuleName, l.Title)
}

// PlainText is the text body for SMS and push.
func PlainText(p *Payload) string {
	var b strings.Builder
	b.WriteString(Subject(p))
	if isDigest(p) {
		for _, l := range p.Listings {
			fmt.Fprintf(&b, "\n- %s %s", l.Title, FormatPrice(l))
		}
		return b.String()
	}
	if len(p.Listings) == 1 {
		l := p.Listings[0]
		if p.Kind != models.NotificationKindPriceDrop {
			fmt.Fprintf(&b, " (%s)", FormatPrice(l))
		} else if p.PreviousPrice != nil {
			fmt.Fprintf(&b, ", was %s", FormatPrice(&models.Listing{Price: *p.PreviousPrice, Currency: l.Currency}))
		}
		if l.URL != "" {
			b.WriteString(" ")
			b.WriteString(l.URL)
		}
	}
	return b.String()
}

func smsText(p *Payload) string {
	return truncate(PlainText(p), smsMaxLength)
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-1]) + "…"
}

var emailTemplate = template.Must(template.New("email").Parse(`<html><body>
<h2>{{.Subject}}</h2>
{{if .RuleName}}<p>Alert: <strong>{{.RuleName}}</strong></p>{{end}}
<table border="1" cellpadding="5" cellspacing="0">
<tr><th>Listing</th><th>Price</th><th>Category</th><th>Deal score</th></tr>
{{range .Rows}}<tr><td>{{if .URL}}<a href="{{.URL}}">{{.Title}}</a>{{else}}{{.Title}}{{end}}</td><td>{{.Price}}</td><td>{{.Category}}</td><td>{{.Score}}</td></tr>
{{end}}</table>
{{if .Previous}}<p>Previous price: {{.Previous}}</p>{{end}}
<p><small>Sent at: {{.SentAt}}</small></p>
</body></html>`))

type emailRow struct {
	Title    string
	URL      string
	Price    string
	Category string
	Score    string
}

// emailBody renders the HTML body of an email notification.
func emailBody(p *Payload) (string, error) {
	data := struct {
		Subject  string
		RuleName string
		Rows     []emailRow
		Previous string
		SentAt   string
	}{
		Subject:  Subject(p),
		RuleName: p.RuleName,
		SentAt:   sentAt(p).Format(time.RFC1123),
	}
	for _, l := range p.Listings {
		row := emailRow{Title: l.Title, URL: l.URL, Price: FormatPrice(l), Category: l.Category, Score: "-"}
		if l.DealScore != nil {
			row.Score = fmt.Sprintf("%.0f%%", *l.DealScore*100)
		}
		data.Rows = append(data.Rows, row)
	}
	if p.PreviousPrice != nil && len(p.Listings) == 1 {
		data.Previous = FormatPrice(&models.Listing{Price: *p.PreviousPrice, Currency: p.Listings[0].Currency})
	}

	var buf bytes.Buffer
	if err := emailTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

type discordMessage struct {
	Username  string         `json:"username,omitempty"`
	AvatarURL string         `json:"avatar_url,omitempty"`
	Content   string         `json:"content,omitempty"`
	Embeds    []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	URL         string         `json:"url,omitempty"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color"`
	Fields      []discordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

func discordPayload(p *Payload, username, avatarURL string) *discordMessage {
	msg := &discordMessage{Username: username, AvatarURL: avatarURL, Content: Subject(p)}
	for i, l := range p.Listings {
		if i == discordMaxEmbeds {
			break
		}
		embed := discordEmbed{
			Title:       truncate(l.Title, 256),
			URL:         l.URL,
			Description: truncate(l.Description, 300),
			Color:       discordColor,
			Timestamp:   l.CreatedAt.UTC().Format(time.RFC3339),
			Fields: []discordField{
				{Name: "Price", Value: FormatPrice(l), Inline: true},
			},
		}
		if l.Category != "" {
			embed.Fields = append(embed.Fields, discordField{Name: "Category", Value: l.Category, Inline: true})
		}
		if l.Condition != nil {
			embed.Fields = append(embed.Fields, discordField{Name: "Condition", Value: string(*l.Condition), Inline: true})
		}
		if l.DealScore != nil {
			embed.Fields = append(embed.Fields, discordField{Name: "Deal score", Value: fmt.Sprintf("%.0f%%", *l.DealScore*100), Inline: true})
		}
		if p.PreviousPrice != nil && !isDigest(p) {
			embed.Fields = append(embed.Fields, discordField{
				Name:   "Was",
				Value:  FormatPrice(&models.Listing{Price: *p.PreviousPrice, Currency: l.Currency}),
				Inline: true,
			})
		}
		msg.Embeds = append(msg.Embeds, embed)
	}
	return msg
}

type pushMessage struct {
	To    string            `json:"to"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
	Sound string            `json:"sound,omitempty"`
}

func pushMessages(p *Payload, tokens []string) []pushMessage {
	body := PlainText(p)
	if subject := Subject(p); strings.HasPrefix(body, subject) {
		body = strings.TrimSpace(strings.TrimPrefix(body, subject))
	}
	if body == "" && len(p.Listings) > 0 {
		body = FormatPrice(p.Listings[0])
	}
	data := map[string]string{"kind": string(p.Kind)}
	if p.RuleID != "" {
		data["rule_id"] = p.RuleID
	}
	if len(p.Listings) == 1 {
		data["listing_id"] = p.Listings[0].ID
	}

	msgs := make([]pushMessage, 0, len(tokens))
	for _, token := range tokens {
		msgs = append(msgs, pushMessage{
			To:    token,
			Title: truncate(Subject(p), 65),
			Body:  truncate(body, pushBodyMaxChars),
			Data:  data,
			Sound: "default",
		})
	}
	return msgs
}

func sentAt(p *Payload) time.Time {
	if p.SentAt.IsZero() {
		return time.Now().UTC()
	}
	return p.SentAt
}
