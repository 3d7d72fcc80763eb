// internal/source/models.go
package source

import "encoding/json"

// Candidate is one normalized search hit: the source-assigned id plus the
// untouched upstream payload. The adapter does no deduplication and no
// persistence.
type Candidate struct {
	ID      string
	RawData json.RawMessage
}

// adEnvelope mirrors the `value` object of the mobile API's namespaced ads
// wrapper.
type adEnvelope struct {
	Value struct {
		Ad []json.RawMessage `json:"ad"`
	} `json:"value"`
}

// adIdentity is the only field of an ad the adapter itself reads.
type adIdentity struct {
	ID string `json:"id"`
}

// locationEnvelope mirrors the `value` object of the locations wrapper.
type locationEnvelope struct {
	Value struct {
		Location []struct {
			ID struct {
				Value string `json:"value"`
			} `json:"id"`
			LocalizedName struct {
				Value string `json:"value"`
			} `json:"localized-name"`
		} `json:"location"`
	} `json:"value"`
}

// Location is a resolved place the bot layer can attach to a search.
type Location struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
