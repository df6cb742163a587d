package domain

// Reply is a prepared outbound response produced by a middleware stage or a
// command handler. A nil Reply from a handled stage means delivery already
// happened inside the stage.
type Reply struct {
	Text           string
	ParseMode      string
	ReplyMarkup    any
	DisablePreview bool
}
