package twitch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/streamtimeline/backend/internal/models"
)

// Subscription types and versions the tracker listens on.
var trackedTopics = []struct {
	Type    string
	Version string
}{
	{"stream.online", "1"},
	{"stream.offline", "1"},
	{"channel.update", "2"},
}

// BroadcasterTopics issues the tracked subscriptions for one broadcaster.
// Safe to call repeatedly: an existing subscription is success.
type BroadcasterTopics struct {
	client        *Client
	broadcasterID string
}

// NewBroadcasterTopics creates the subscriber for a broadcaster id.
func NewBroadcasterTopics(client *Client, broadcasterID string) *BroadcasterTopics {
	return &BroadcasterTopics{client: client, broadcasterID: broadcasterID}
}

// Subscribe registers all tracked topics on the given EventSub session.
func (t *BroadcasterTopics) Subscribe(ctx context.Context, sessionID string) error {
	for _, topic := range trackedTopics {
		if err := t.client.CreateSubscription(ctx, topic.Type, topic.Version, t.broadcasterID, sessionID); err != nil {
			return err
		}
	}
	return nil
}

// Channel is the broadcaster's channel information row.
type Channel struct {
	BroadcasterID string `json:"broadcaster_id"`
	Title         string `json:"title"`
	GameID        string `json:"game_id"`
	GameName      string `json:"game_name"`
}

// GetChannelByBroadcaster returns channel information, or nil if unknown.
func (c *Client) GetChannelByBroadcaster(ctx context.Context, broadcasterID string) (*Channel, error) {
	resp, err := c.do(ctx, http.MethodGet, "/channels", url.Values{"broadcaster_id": {broadcasterID}}, nil)
	if err != nil {
		return nil, fmt.Errorf("get channel: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get channel status: %d", resp.StatusCode)
	}
	var envelope struct {
		Data []Channel `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode channel: %w", err)
	}
	if len(envelope.Data) == 0 {
		return nil, nil
	}
	return &envelope.Data[0], nil
}

// CurrentCategory returns the broadcaster's current category. A channel
// without one yields the zero Category.
func (c *Client) CurrentCategory(ctx context.Context, broadcasterID string) (models.Category, error) {
	ch, err := c.GetChannelByBroadcaster(ctx, broadcasterID)
	if err != nil {
		return models.Category{}, err
	}
	if ch == nil {
		return models.Category{}, nil
	}
	return models.Category{ID: ch.GameID, Name: ch.GameName}, nil
}
