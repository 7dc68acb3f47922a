package notify

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// NtfySettings configure an ntfy channel. Server is the base URL, e.g.
// "https://ntfy.sh". Priority 0 lets the provider pick one per event type.
type NtfySettings struct {
	Server   string `json:"server"`
	Topic    string `json:"topic"`
	Priority int    `json:"priority,omitempty"`
	Token    string `json:"token,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Ntfy publishes operator notifications to an ntfy topic.
type Ntfy struct {
	settings NtfySettings
	client   *http.Client
}

// NewNtfy creates an ntfy notifier for the given server and topic.
func NewNtfy(server, topic string, priority int, token, username, password string) *Ntfy {
	return &Ntfy{
		settings: NtfySettings{
			Server:   strings.TrimRight(server, "/"),
			Topic:    topic,
			Priority: priority,
			Token:    token,
			Username: username,
			Password: password,
		},
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *Ntfy) Name() string { return "ntfy" }

// priorityFor maps an event onto ntfy's 1..5 scale when the channel does
// not pin a priority. Events that want the operator's attention now go out
// high; the rest at default.
func (n *Ntfy) priorityFor(t EventType) int {
	if n.settings.Priority != 0 {
		return n.settings.Priority
	}
	switch t {
	case EventApprovalPending, EventDeliveryFailed:
		return 4
	default:
		return 3
	}
}

// Send posts the event to the topic. Title and body come from the shared
// message formatting so every text provider reads the same.
func (n *Ntfy) Send(ctx context.Context, event Event) error {
	endpoint := n.settings.Server + "/" + n.settings.Topic

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(formatMessage(event)))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	if n.settings.Token != "" {
		req.Header.Set("Authorization", "Bearer "+n.settings.Token)
	} else if n.settings.Username != "" {
		req.SetBasicAuth(n.settings.Username, n.settings.Password)
	}
	req.Header.Set("X-Title", formatTitle(event.Type))
	req.Header.Set("X-Priority", strconv.Itoa(n.priorityFor(event.Type)))

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to ntfy: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy answered %s", resp.Status)
	}
	return nil
}
