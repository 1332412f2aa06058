package utils

import (
	"github.com/go-telegram/bot/models"
)

// Button is a callback button, or a link button when URL is set.
type Button struct {
	Text         string
	CallbackData string
	URL          string
}

// BuildInlineKeyboard lays buttons out perRow to a row.
func BuildInlineKeyboard(buttons []Button, perRow int) models.InlineKeyboardMarkup {
	if perRow <= 0 {
		perRow = 1
	}
	pad := func(s string) string { return " " + s + " " }
	rows := make([][]models.InlineKeyboardButton, 0)
	row := make([]models.InlineKeyboardButton, 0, perRow)
	for i, button := range buttons {
		if i > 0 && i%perRow == 0 {
			rows = append(rows, row)
			row = make([]models.InlineKeyboardButton, 0, perRow)
		}
		kb := models.InlineKeyboardButton{Text: pad(button.Text)}
		if button.URL != "" {
			kb.URL = button.URL
		} else {
			kb.CallbackData = button.CallbackData
		}
		row = append(row, kb)
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}

	return models.InlineKeyboardMarkup{
		InlineKeyboard: rows,
	}
}
