package domain

// Update is the normalized inbound webhook payload. The telegram package maps
// the platform's raw update object (text message, photo caption, location, or
// callback query) into this shape before the middleware chain sees it.
type Update struct {
	UpdateID  int64
	ChatID    int64
	ChatType  string // private | group | supergroup | channel
	ThreadID  int    // forum topic thread, 0 outside forums
	MessageID int
	UserID    int64
	UserName  string
	Date      int64 // unix seconds, as reported by the platform

	Text     string   // message text or photo caption
	Photos   []string // platform file identifiers, smallest to largest
	Location *Location
	Callback *CallbackQuery

	// Mention is the literal bot-mention substring found in Text ("@botname"),
	// empty if the bot was not mentioned. Set during normalization so the
	// group-mention gate does not re-scan entities.
	Mention string
}

// Location is a shared-position message payload.
type Location struct {
	Latitude  float64
	Longitude float64
}

// CallbackQuery is an inline-keyboard button press.
type CallbackQuery struct {
	ID        string
	Data      string
	MessageID int
}

// IsPrivate reports whether the update came from a one-on-one chat.
func (u *Update) IsPrivate() bool { return u.ChatType == "private" }

// IsGroup reports whether the update came from a group or supergroup.
func (u *Update) IsGroup() bool {
	return u.ChatType == "group" || u.ChatType == "supergroup"
}
