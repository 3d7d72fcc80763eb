// Package notify renders listings into messages and delivers them over
// Telegram. It is the only place that looks inside a listing's raw payload.
package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/timur-me/kleinanzeigen-sniper/internal/model"
)

const descriptionLimit = 300

// adView is the subset of the mobile API's ad payload the renderer reads.
// Every scalar is wrapped in a {"value": ...} object upstream.
type adView struct {
	Title struct {
		Value string `json:"value"`
	} `json:"title"`
	Description struct {
		Value string `json:"value"`
	} `json:"description"`
	Price struct {
		Amount struct {
			Value json.Number `json:"value"`
		} `json:"amount"`
		PriceType struct {
			Value string `json:"value"`
		} `json:"price-type"`
	} `json:"price"`
	Address struct {
		State struct {
			Value string `json:"value"`
		} `json:"state"`
		ZipCode struct {
			Value string `json:"value"`
		} `json:"zip-code"`
	} `json:"ad-address"`
	StartDateTime struct {
		Value string `json:"value"`
	} `json:"start-date-time"`
	Link []struct {
		Rel  string `json:"rel"`
		Href string `json:"href"`
	} `json:"link"`
}

// MessageRenderer formats a listing as a Telegram Markdown message.
type MessageRenderer struct{}

func NewMessageRenderer() *MessageRenderer {
	return &MessageRenderer{}
}

// Render builds the notification text for one listing. Missing payload fields
// degrade to shorter messages; only a payload that cannot be parsed at all is
// an error.
func (r *MessageRenderer) Render(listing *model.Listing) (string, error) {
	var ad adView
	if err := json.Unmarshal(listing.RawData, &ad); err != nil {
		return "", fmt.Errorf("parse listing %s payload: %w", listing.ID, err)
	}

	title := ad.Title.Value
	if title == "" {
		title = "Neues Inserat"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🆕 *%s*\n", escapeMarkdown(title))

	if price := formatPrice(ad); price != "" {
		fmt.Fprintf(&b, "💰 %s\n", price)
	}
	if location := formatLocation(ad); location != "" {
		fmt.Fprintf(&b, "📍 %s\n", escapeMarkdown(location))
	}
	if ad.StartDateTime.Value != "" {
		fmt.Fprintf(&b, "🕒 %s\n", ad.StartDateTime.Value)
	}

	if desc := strings.TrimSpace(ad.Description.Value); desc != "" {
		b.WriteString("\n")
		b.WriteString(escapeMarkdown(truncate(desc, descriptionLimit)))
		b.WriteString("\n")
	}

	if href := publicLink(ad, listing.ID); href != "" {
		fmt.Fprintf(&b, "\n[Zum Inserat](%s)", href)
	}

	return b.String(), nil
}

func formatPrice(ad adView) string {
	amount := ad.Price.Amount.Value.String()
	if amount == "" {
		if ad.Price.PriceType.Value == "PLEASE_CONTACT" {
			return "VB"
		}
		return ""
	}
	if ad.Price.PriceType.Value == "PLEASE_CONTACT" {
		return amount + " € VB"
	}
	return amount + " €"
}

func formatLocation(ad adView) string {
	parts := make([]string, 0, 2)
	if ad.Address.ZipCode.Value != "" {
		parts = append(parts, ad.Address.ZipCode.Value)
	}
	if ad.Address.State.Value != "" {
		parts = append(parts, ad.Address.State.Value)
	}
	return strings.Join(parts, " ")
}

// publicLink prefers the payload's own website link and falls back to the
// canonical URL scheme built from the listing id.
func publicLink(ad adView, listingID string) string {
	for _, link := range ad.Link {
		if link.Rel == "self-public-website" && link.Href != "" {
			return link.Href
		}
	}
	if listingID != "" {
		return "https://www.kleinanzeigen.de/s-anzeige/" + listingID
	}
	return ""
}

// escapeMarkdown neutralizes the characters Telegram's legacy Markdown mode
// treats as formatting.
func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer(
		"_", "\\_",
		"*", "\\*",
		"[", "\\[",
		"`", "\\`",
	)
	return replacer.Replace(s)
}

// truncate cuts s to at most n bytes without splitting a UTF-8 rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
