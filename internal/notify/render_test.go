// internal/notify/render_test.go
package notify

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"github.com/timur-me/kleinanzeigen-sniper/internal/model"
)

func listingWith(t *testing.T, payload map[string]interface{}) *model.Listing {
	raw, err := json.Marshal(payload)
	assert.NoError(t, err)
	return &model.Listing{ID: "listing-1", RawData: raw}
}

func TestRender_FullPayload(t *testing.T) {
	listing := listingWith(t, map[string]interface{}{
		"id":          "listing-1",
		"title":       map[string]string{"value": "Trekkingrad 28 Zoll"},
		"description": map[string]string{"value": "Kaum gefahren, Licht defekt."},
		"price": map[string]interface{}{
			"amount":     map[string]interface{}{"value": 120},
			"price-type": map[string]string{"value": "FIXED"},
		},
		"ad-address": map[string]interface{}{
			"state":    map[string]string{"value": "Berlin"},
			"zip-code": map[string]string{"value": "10115"},
		},
		"start-date-time": map[string]string{"value": "2026-08-29T10:00:00.000+02:00"},
		"link": []map[string]string{
			{"rel": "self-public-website", "href": "https://www.kleinanzeigen.de/s-anzeige/listing-1"},
		},
	})

	message, err := NewMessageRenderer().Render(listing)
	assert.NoError(t, err)

	assert.Contains(t, message, "*Trekkingrad 28 Zoll*")
	assert.Contains(t, message, "💰 120 €")
	assert.Contains(t, message, "📍 10115 Berlin")
	assert.Contains(t, message, "Kaum gefahren")
	assert.Contains(t, message, "[Zum Inserat](https://www.kleinanzeigen.de/s-anzeige/listing-1)")
}

func TestRender_NegotiablePrice(t *testing.T) {
	listing := listingWith(t, map[string]interface{}{
		"title": map[string]string{"value": "Sofa"},
		"price": map[string]interface{}{
			"amount":     map[string]interface{}{"value": 80},
			"price-type": map[string]string{"value": "PLEASE_CONTACT"},
		},
	})

	message, err := NewMessageRenderer().Render(listing)
	assert.NoError(t, err)
	assert.Contains(t, message, "💰 80 € VB")
}

func TestRender_MissingFieldsDegradeGracefully(t *testing.T) {
	listing := listingWith(t, map[string]interface{}{"id": "listing-1"})

	message, err := NewMessageRenderer().Render(listing)
	assert.NoError(t, err)

	assert.Contains(t, message, "Neues Inserat")
	assert.NotContains(t, message, "💰")
	assert.NotContains(t, message, "📍")
	// Link falls back to the canonical URL built from the id.
	assert.Contains(t, message, "https://www.kleinanzeigen.de/s-anzeige/listing-1")
}

func TestRender_LongDescriptionIsTruncated(t *testing.T) {
	listing := listingWith(t, map[string]interface{}{
		"title":       map[string]string{"value": "Bücherkiste"},
		"description": map[string]string{"value": strings.Repeat("x", 1000)},
	})

	message, err := NewMessageRenderer().Render(listing)
	assert.NoError(t, err)
	assert.Contains(t, message, strings.Repeat("x", descriptionLimit)+"...")
	assert.NotContains(t, message, strings.Repeat("x", descriptionLimit+1))
}

func TestRender_TruncationKeepsRunesIntact(t *testing.T) {
	// "ü" is two bytes; an odd description length forces the cut to land
	// mid-rune unless truncation backs up to a boundary.
	desc := "x" + strings.Repeat("ü", 400)
	listing := listingWith(t, map[string]interface{}{
		"title":       map[string]string{"value": "Gartenmöbel"},
		"description": map[string]string{"value": desc},
	})

	message, err := NewMessageRenderer().Render(listing)
	assert.NoError(t, err)
	assert.True(t, utf8.ValidString(message))
	assert.NotContains(t, message, string(utf8.RuneError))
	assert.Contains(t, message, "ü...")
}

func TestRender_EscapesMarkdownInUserContent(t *testing.T) {
	listing := listingWith(t, map[string]interface{}{
		"title": map[string]string{"value": "iPhone *wie neu* [OVP]"},
	})

	message, err := NewMessageRenderer().Render(listing)
	assert.NoError(t, err)
	assert.Contains(t, message, `\*wie neu\*`)
	assert.Contains(t, message, `\[OVP]`)
}

func TestRender_UnparseablePayloadIsError(t *testing.T) {
	listing := &model.Listing{ID: "listing-1", RawData: json.RawMessage(`not json`)}

	_, err := NewMessageRenderer().Render(listing)
	assert.Error(t, err)
}
