package chat

// Space is a chat venue as the platform reports it.
// Name is the API resource name ("spaces/AAAA...").
type Space struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

// Member is a space member as the platform reports it.
// Name is the API resource name ("users/1234...").
type Member struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email,omitempty"`
}
