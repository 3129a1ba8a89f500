package platform

import (
	"context"
	"net/url"
	"strconv"
	"time"
)

// SearchFilters narrows a conversation export to a slice of the location's
// history. Zero values mean "no filter".
type SearchFilters struct {
	LocationID string
	StartDate  time.Time
	EndDate    time.Time
	Query      string
}

// Conversation is a single exported conversation with its message payloads.
type Conversation struct {
	ID           string         `json:"id"`
	ContactID    string         `json:"contactId"`
	LastMessage  string         `json:"lastMessageBody"`
	MessageCount int64          `json:"messageCount"`
	SMSCount     int64          `json:"smsCount"`
	EmailCount   int64          `json:"emailCount"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

// ConversationPage is one cursor page of search results.
type ConversationPage struct {
	Items      []Conversation `json:"conversations"`
	NextCursor string         `json:"nextCursor"`
	Total      int64          `json:"total"`
}

// ItemCounts breaks a location's billable volume down per meter.
type ItemCounts struct {
	Conversations int64 `json:"conversations"`
	SMS           int64 `json:"sms"`
	Email         int64 `json:"email"`
}

// PerMeter returns the counts keyed by meter id, skipping zero meters.
func (ic ItemCounts) PerMeter() map[string]int64 {
	counts := make(map[string]int64, 3)
	if ic.Conversations > 0 {
		counts["conversations"] = ic.Conversations
	}
	if ic.SMS > 0 {
		counts["sms"] = ic.SMS
	}
	if ic.Email > 0 {
		counts["email"] = ic.Email
	}
	return counts
}

func (f SearchFilters) values(cursor string, limit int) url.Values {
	q := url.Values{}
	q.Set("locationId", f.LocationID)
	if !f.StartDate.IsZero() {
		q.Set("startDate", f.StartDate.UTC().Format(time.RFC3339))
	}
	if !f.EndDate.IsZero() {
		q.Set("endDate", f.EndDate.UTC().Format(time.RFC3339))
	}
	if f.Query != "" {
		q.Set("query", f.Query)
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return q
}

// SearchConversations returns one page of conversations matching the filters.
// An empty NextCursor in the response marks the final page.
func (c *Client) SearchConversations(ctx context.Context, token string, filters SearchFilters, cursor string, limit int) (ConversationPage, error) {
	var page ConversationPage
	err := c.getJSON(ctx, token, "/conversations/search", filters.values(cursor, limit), &page)
	if err != nil {
		return ConversationPage{}, err
	}
	return page, nil
}

// CountItems returns the billable item counts matching the filters without
// fetching payloads. Used to price a job before any work starts.
func (c *Client) CountItems(ctx context.Context, token string, filters SearchFilters) (ItemCounts, error) {
	var counts ItemCounts
	err := c.getJSON(ctx, token, "/conversations/search/count", filters.values("", 0), &counts)
	if err != nil {
		return ItemCounts{}, err
	}
	return counts, nil
}
