package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the protocol stack. Subscribers filter by
// namespace prefix ("ns.", "contact.", "sb.", "conversation.").
const (
	// Notification session lifecycle.
	KindSignedIn      = "ns.signed_in"
	KindSignedOff     = "ns.signed_off"
	KindServerError   = "ns.server_error"
	KindAuthError     = "ns.auth_error"
	KindHandlerError  = "ns.handler_error"
	KindServerNotice  = "ns.notice"
	KindOIMReceived   = "ns.oim_received"

	// Contact and presence.
	KindContactOnline       = "contact.online"
	KindContactOffline      = "contact.offline"
	KindContactStatus       = "contact.status_changed"
	KindContactNameChanged  = "contact.name_changed"
	KindContactListAdded    = "contact.list_added"
	KindContactListRemoved  = "contact.list_removed"
	KindContactPlaceChanged = "contact.place_changed"
	KindDisplayImageChanged = "contact.display_image_changed"
	KindPersonalMessage     = "contact.personal_message"

	// Cross-network relay through the notification server.
	KindCrossNetMessage = "ns.crossnet_message"

	// Switchboard sessions.
	KindSBIncoming       = "sb.incoming"
	KindSBEstablished    = "sb.established"
	KindSBClosed         = "sb.closed"
	KindSBContactJoined  = "sb.contact_joined"
	KindSBContactLeft    = "sb.contact_left"
	KindSBAllLeft        = "sb.all_contacts_left"
	KindSBMessage        = "sb.message"
	KindSBTyping         = "sb.typing"
	KindSBNudge          = "sb.nudge"
	KindSBWink           = "sb.wink"
	KindSBEmoticon       = "sb.emoticon_defined"
	KindSBMessageFailed  = "sb.message_failed"

	// Conversation facade.
	KindConvCreated      = "conversation.created"
	KindConvEnded        = "conversation.ended"
	KindConvOwnerChanged = "conversation.owner_changed"
	KindConvObjectDone   = "conversation.object_transfer_completed"
)
