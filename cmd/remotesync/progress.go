package main

import (
	"fmt"

	"github.com/schollz/progressbar/v3"
)

// barProgress renders pass progress on the terminal
type barProgress struct {
	bar *progressbar.ProgressBar
}

func (p *barProgress) Start(accountID string, total int) {
	p.bar = progressbar.NewOptions(total,
		progressbar.OptionSetDescription(fmt.Sprintf("Syncing %s", accountID)),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionClearOnFinish(),
	)
}

func (p *barProgress) Advance(n int) {
	if p.bar != nil {
		p.bar.Add(n)
	}
}

func (p *barProgress) Finish() {
	if p.bar != nil {
		p.bar.Finish()
		p.bar = nil
	}
}
