package store

// Conversation represents a synced conversation.
type Conversation struct {
	ID           string
	IsGroup      bool
	Participants []string
	LastOrderKey int64
	UnreadCount  int
	LastPreview  string
}

// Message represents a timeline message. LocalID is the permanent
// client-generated identity; ServerID and ServerOrderKey are assigned by the
// server on first acknowledgement. HasOrderKey distinguishes canonical
// messages from pending (optimistic) ones.
type Message struct {
	ID              int64
	ConversationID  string
	LocalID         string
	ServerID        string
	SenderID        string
	Body            string
	ClientCreatedAt int64
	ServerOrderKey  int64
	HasOrderKey     bool
	Status          string
	DeliveredTo     []string
	ReadBy          []string
	FailureReason   string
}

// QueueEntry represents a pending outgoing message in the send queue.
type QueueEntry struct {
	ID             int64
	ConversationID string
	LocalID        string
	AttemptCount   int
	NextRetryAt    int64
	EnqueuedAt     int64
}
