package wa

import (
	"github.com/tbourn/go-bizchat-backend/internal/utils"
)

// Channel-imposed length limits for interactive lists.
const (
	MaxSectionTitleRunes = 24
	MaxRowTitleRunes     = 24
	MaxRowDescRunes      = 72
	MaxButtonRunes       = 20
	MaxListRows          = 10
)

// ListRow is one selectable row of an interactive list.
type ListRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// ListSection groups rows under a title.
type ListSection struct {
	Title string    `json:"title"`
	Rows  []ListRow `json:"rows"`
}

// List is an interactive selection list. BodyText is the message above the
// list, ButtonText the label that opens it.
type List struct {
	BodyText   string
	ButtonText string
	Sections   []ListSection
}

// Clamp enforces the channel's length limits: titles and descriptions are
// rune-truncated and rows beyond MaxListRows (counted across sections) are
// dropped. It returns the list for chaining.
func (l List) Clamp() List {
	l.ButtonText = utils.TruncateRunes(l.ButtonText, MaxButtonRunes)
	remaining := MaxListRows
	sections := make([]ListSection, 0, len(l.Sections))
	for _, s := range l.Sections {
		if remaining == 0 {
			break
		}
		s.Title = utils.TruncateRunes(s.Title, MaxSectionTitleRunes)
		if len(s.Rows) > remaining {
			s.Rows = s.Rows[:remaining]
		}
		rows := make([]ListRow, 0, len(s.Rows))
		for _, r := range s.Rows {
			r.Title = utils.TruncateRunes(r.Title, MaxRowTitleRunes)
			r.Description = utils.TruncateRunes(r.Description, MaxRowDescRunes)
			rows = append(rows, r)
		}
		s.Rows = rows
		remaining -= len(rows)
		sections = append(sections, s)
	}
	l.Sections = sections
	return l
}
