package domain

// HistoryEntry is one message of the rolling conversation log. Two entries are
// appended per completed turn, user first, then assistant; insertion order is
// the context order sent to the model.
type HistoryEntry struct {
	Role    string   `json:"role"` // user | assistant | system
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}
