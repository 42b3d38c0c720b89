package protocol

// Presence statuses.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusBusy    = "busy"
)

// User is a chat participant as the server describes it.
type User struct {
	ID          string `json:"id" mapstructure:"id"`
	Username    string `json:"username" mapstructure:"username"`
	DisplayName string `json:"displayName,omitempty" mapstructure:"display_name"`
	Status      string `json:"status,omitempty" mapstructure:"status"`
}

// Chat is a direct or group conversation.
type Chat struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Members     []User `json:"members"`
}

// LoginRequest is the data of an auth:login request.
type LoginRequest struct {
	UsernameOrEmail string `json:"usernameOrEmail"`
	Password        string `json:"password"`
}

// AuthResponse is the data of an auth:login reply.
type AuthResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// Presence is the data of a presence:update event. Requests carry only
// Status; broadcasts name the user.
type Presence struct {
	UserID string `json:"userId,omitempty"`
	Status string `json:"status"`
}

// Message is a chat message as relayed by message:receive.
type Message struct {
	ID       string `json:"id,omitempty"`
	ChatID   string `json:"chatId"`
	SenderID string `json:"senderId,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Content  string `json:"content"`
	Created  int64  `json:"createdAt,omitempty"`
}
