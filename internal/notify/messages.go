package notify

import "fmt"

// formatTitle renders a short human headline for an event type.
func formatTitle(t EventType) string {
	switch t {
	case EventApprovalPending:
		return "Approval needed"
	case EventApprovalExpired:
		return "Approval expired"
	case EventConversationConfirmed:
		return "Conversation confirmed"
	case EventConversationRejected:
		return "Conversation rejected"
	case EventConversationExpired:
		return "Conversation expired"
	case EventDeliveryFailed:
		return "Delivery failed"
	case EventKeyRotated:
		return "Keys rotated"
	case EventContactAdded:
		return "New contact"
	default:
		return string(t)
	}
}

// formatMessage renders the one-line body shared by the text providers.
func formatMessage(event Event) string {
	switch event.Type {
	case EventApprovalPending:
		if event.Summary != "" {
			return fmt.Sprintf("%s asks: %s", event.AgentID, event.Summary)
		}
		return fmt.Sprintf("%s sent a %s request awaiting your approval", event.AgentID, event.Intent)
	case EventApprovalExpired:
		return fmt.Sprintf("request from %s was auto-rejected after its approval window", event.AgentID)
	case EventConversationConfirmed, EventConversationRejected, EventConversationExpired:
		return fmt.Sprintf("conversation %s with %s (%s)", event.Conversation, event.AgentID, event.Intent)
	case EventDeliveryFailed:
		return fmt.Sprintf("could not deliver to %s: %s", event.AgentID, event.Error)
	case EventKeyRotated:
		return "node signing and encryption keys were rotated"
	case EventContactAdded:
		return fmt.Sprintf("%s is now a contact", event.AgentID)
	default:
		if event.Summary != "" {
			return event.Summary
		}
		return string(event.Type)
	}
}
