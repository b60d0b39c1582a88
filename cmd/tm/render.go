package main

import (
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/gookit/color"
	"github.com/olekukonko/tablewriter"

	"github.com/turtlemessenger/turtle/internal/model"
	"github.com/turtlemessenger/turtle/internal/realtime"
)

const timeLayout = "2006-01-02 15:04:05"

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	return table
}

func renderMessages(w io.Writer, msgs []model.Message) {
	if len(msgs) == 0 {
		fmt.Fprintln(w, "no messages")
		return
	}
	table := newTable(w, "Time", "Sender", "Message")
	for _, m := range msgs {
		table.Append([]string{m.Time().Format(timeLayout), m.SenderID, m.Content})
	}
	table.Render()
}

func renderContacts(w io.Writer, cs []model.Contact, empty string) {
	if len(cs) == 0 {
		fmt.Fprintln(w, empty)
		return
	}
	table := newTable(w, "User", "Status", "ID")
	for _, c := range cs {
		table.Append([]string{c.Username, statusLabel(c.Status), strconv.FormatInt(c.ID, 10)})
	}
	table.Render()
}

func statusLabel(s model.ContactStatus) string {
	switch s {
	case model.StatusAccepted:
		return color.Green.Sprint(string(s))
	case model.StatusPending:
		return color.Yellow.Sprint(string(s))
	}
	return color.Red.Sprint(string(s))
}

// indicator is the one-line connection status shown in chat.
func indicator(s realtime.Snapshot) string {
	switch {
	case s.State == model.Connected && s.Subscribed:
		return color.Green.Sprint("● connected")
	case s.State == model.Disconnected:
		return color.Red.Sprint("○ disconnected")
	}
	return color.Yellow.Sprint("◌ connecting")
}

// chatPrinter prints each timeline message once and the indicator whenever it changes.
type chatPrinter struct {
	w  io.Writer
	me string

	mu   sync.Mutex
	seen map[model.MessageKey]struct{}
	last string
}

func newChatPrinter(w io.Writer, me string) *chatPrinter {
	return &chatPrinter{w: w, me: me, seen: make(map[model.MessageKey]struct{})}
}

func (p *chatPrinter) update(s realtime.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ind := indicator(s); ind != p.last {
		p.last = ind
		fmt.Fprintf(p.w, "[%s]\n", ind)
	}
	for _, m := range s.Messages {
		if _, ok := p.seen[m.Key()]; ok {
			continue
		}
		p.seen[m.Key()] = struct{}{}
		fmt.Fprintln(p.w, p.line(m))
	}
}

func (p *chatPrinter) line(m model.Message) string {
	sender := color.Cyan.Sprint(m.SenderID)
	if m.SenderID == p.me {
		sender = color.Magenta.Sprint(m.SenderID)
	}
	return fmt.Sprintf("%s %s: %s", m.Time().Format(time.TimeOnly), sender, m.Content)
}

func (p *chatPrinter) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}
